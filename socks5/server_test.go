package socks5

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

// echoDialer hands out in-memory tunnels that echo everything and
// records the requested addresses.
type echoDialer struct {
	mu        sync.Mutex
	addresses []string
}

func (d *echoDialer) Connect(_ context.Context, address string) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	d.addresses = append(d.addresses, address)
	d.mu.Unlock()

	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		buf := make([]byte, 4096)
		for {
			n, err := remote.Read(buf)
			if n > 0 {
				if _, err := remote.Write(buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return local, nil
}

func (d *echoDialer) requested() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addresses...)
}

func startServer(t *testing.T, cfg Config, dialer Dialer) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := NewServer(cfg, dialer)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("server never became ready")
	}
	return srv
}

func TestConnectNoAuth(t *testing.T) {
	dialer := &echoDialer{}
	srv := startServer(t, Config{}, dialer)

	socks, err := proxy.SOCKS5("tcp", srv.Addr().String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("socks dialer: %v", err)
	}
	conn, err := socks.Dial("tcp", "example.com:443")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("tunnel payload")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("echoed %q", buf)
	}

	got := dialer.requested()
	if len(got) != 1 || got[0] != "example.com:443" {
		t.Fatalf("requested addresses: %v", got)
	}
	if srv.Metrics().ConnectSuccess.Load() != 1 {
		t.Fatalf("connect_ok = %d", srv.Metrics().ConnectSuccess.Load())
	}
}

func TestUserPassAuth(t *testing.T) {
	dialer := &echoDialer{}
	srv := startServer(t, Config{Username: "user", Password: "pass"}, dialer)

	bad, err := proxy.SOCKS5("tcp", srv.Addr().String(), &proxy.Auth{User: "user", Password: "wrong"}, proxy.Direct)
	if err != nil {
		t.Fatalf("socks dialer: %v", err)
	}
	if _, err := bad.Dial("tcp", "example.com:80"); err == nil {
		t.Fatalf("wrong password accepted")
	}
	if srv.Metrics().AuthFailures.Load() != 1 {
		t.Fatalf("auth_fail = %d", srv.Metrics().AuthFailures.Load())
	}

	good, err := proxy.SOCKS5("tcp", srv.Addr().String(), &proxy.Auth{User: "user", Password: "pass"}, proxy.Direct)
	if err != nil {
		t.Fatalf("socks dialer: %v", err)
	}
	conn, err := good.Dial("tcp", "example.com:80")
	if err != nil {
		t.Fatalf("authed dial: %v", err)
	}
	conn.Close()
	if len(dialer.requested()) != 1 {
		t.Fatalf("tunnel opened for unauthenticated client")
	}
}

func TestNonConnectCommandRejected(t *testing.T) {
	dialer := &echoDialer{}
	srv := startServer(t, Config{}, dialer)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte{socksVersion, 1, authMethodNoAuth}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("negotiate reply: %v", err)
	}

	// BIND request for 1.2.3.4:80
	req := []byte{socksVersion, 0x02, 0x00, addrTypeIPv4, 1, 2, 3, 4, 0, 80}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply[1] != replyCommandNotSupp {
		t.Fatalf("reply status = %#x", reply[1])
	}
	if len(dialer.requested()) != 0 {
		t.Fatalf("tunnel opened for unsupported command")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewServer(Config{}, &echoDialer{}); err == nil {
		t.Fatalf("missing listen address accepted")
	}
	if _, err := NewServer(Config{ListenAddr: "127.0.0.1:0", Username: "only-user"}, &echoDialer{}); err == nil {
		t.Fatalf("half credentials accepted")
	}
	if _, err := NewServer(Config{ListenAddr: "127.0.0.1:0"}, nil); err == nil {
		t.Fatalf("nil dialer accepted")
	}
}
