//go:build soak

package socks5

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
	"golang.org/x/net/proxy"

	"github.com/bridgefall/veilquic/commons/config"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/quicmux"
)

// TestSoakThroughMux drives sustained HTTP load through the full local
// chain: vegeta -> SOCKS5 frontend -> gated mux -> upstream origin.
func TestSoakThroughMux(t *testing.T) {
	soakSeconds := envDuration("SOAK_SECONDS", 60*time.Second)
	if testing.Short() {
		soakSeconds = 5 * time.Second
	}

	payload := bytes.Repeat([]byte("a"), 512*1024)
	originAddr := startOrigin(t, payload)
	decoyAddr := startDecoy(t)

	psk, err := jls.GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	prof := profile.Profile{
		Name:             "soak",
		ServerAddr:       "127.0.0.1:0",
		PresharedKey:     jls.EncodeKeyBase64(psk),
		DecoyAddr:        decoyAddr,
		HandshakeTimeout: config.Duration{Duration: 5 * time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux, err := quicmux.NewServer(prof, quicmux.ServerConfig{})
	if err != nil {
		t.Fatalf("mux server: %v", err)
	}
	go mux.Serve(ctx)
	select {
	case <-mux.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("mux never became ready")
	}
	prof.ServerAddr = mux.Addr().String()

	muxClient, err := quicmux.NewClient(prof, nil)
	if err != nil {
		t.Fatalf("mux client: %v", err)
	}
	defer muxClient.Close()

	frontend, err := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Username:   "user",
		Password:   "pass",
	}, muxClient)
	if err != nil {
		t.Fatalf("frontend: %v", err)
	}
	go frontend.Serve(ctx)
	select {
	case <-frontend.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("frontend never became ready")
	}

	client := socksHTTPClient(t, frontend.Addr().String(), "user", "pass")
	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodGet,
		URL:    "http://" + originAddr + "/large.bin",
	})
	rps := envInt("SOAK_RPS", 5)
	workers := envInt("SOAK_WORKERS", 10)
	maxWorkers := envInt("SOAK_MAX_WORKERS", 100)
	attacker := vegeta.NewAttacker(
		vegeta.Client(client),
		vegeta.Timeout(10*time.Second),
		vegeta.Workers(uint64(workers)),
		vegeta.MaxWorkers(uint64(maxWorkers)),
	)
	rate := vegeta.Rate{Freq: rps, Per: time.Second}

	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, rate, soakSeconds, "socks5-soak") {
		metrics.Add(res)
	}
	metrics.Close()

	t.Logf(
		"soak done requests=%d success=%.2f bytes_in=%d p50=%s p95=%s p99=%s",
		metrics.Requests,
		metrics.Success,
		metrics.BytesIn.Total,
		metrics.Latencies.P50,
		metrics.Latencies.P95,
		metrics.Latencies.P99,
	)
	if metrics.Requests == 0 {
		t.Fatalf("no requests completed")
	}
	if metrics.Success < 1.0 {
		t.Fatalf("soak success=%.2f (errors=%v)", metrics.Success, metrics.Errors)
	}
	if got := mux.GateMetrics().Rejected.Load(); got != 0 {
		t.Fatalf("gate rejected %d legitimate remotes", got)
	}
}

func startOrigin(t *testing.T, payload []byte) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/large.bin", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func startDecoy(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("decoy listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 64*1024)
		for {
			if _, _, err := pc.ReadFrom(buf); err != nil {
				return
			}
		}
	}()
	return pc.LocalAddr().String()
}

func socksHTTPClient(t *testing.T, addr, user, pass string) *http.Client {
	t.Helper()
	auth := &proxy.Auth{User: user, Password: pass}
	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		t.Fatalf("socks dialer: %v", err)
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.Dial(network, address)
			},
		},
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}
