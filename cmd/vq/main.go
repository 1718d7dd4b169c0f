package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bridgefall/veilquic/commons/config"
	"github.com/bridgefall/veilquic/commons/logger"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	cborprofile "github.com/bridgefall/veilquic/profile/cbor"
	"github.com/bridgefall/veilquic/quicmux"
	"github.com/bridgefall/veilquic/socks5"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "create-profile":
		runCreateProfile(os.Args[2:])
	case "profile-cbor":
		runProfileCBOR(os.Args[2:])
	case "server":
		runServer(os.Args[2:])
	case "client":
		runClient(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: vq <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen         Generate key material")
	fmt.Fprintln(os.Stderr, "  create-profile Generate a connection profile")
	fmt.Fprintln(os.Stderr, "  profile-cbor   Encode/decode profile CBOR")
	fmt.Fprintln(os.Stderr, "  server         Run the gated proxy server")
	fmt.Fprintln(os.Stderr, "  client         Run the local SOCKS5 frontend")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  vq keygen")
	fmt.Fprintln(os.Stderr, "  vq create-profile --server-addr 198.51.100.7:443 --decoy-addr 198.51.100.8:443")
	fmt.Fprintln(os.Stderr, "  vq profile-cbor -in profile.json -out profile.cbor")
	fmt.Fprintln(os.Stderr, "  vq profile-cbor -decode -in profile.cbor -out profile.json")
	fmt.Fprintln(os.Stderr, "  vq server --profile profile.json")
	fmt.Fprintln(os.Stderr, "  vq client --profile profile.json --listen 127.0.0.1:1080")
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	_ = fs.Parse(args)

	psk, err := jls.GenerateKey()
	if err != nil {
		fatalf("keygen failed: %v", err)
	}
	ticketKey, err := jls.GenerateKey()
	if err != nil {
		fatalf("keygen failed: %v", err)
	}
	fmt.Printf("preshared_key=%s\n", jls.EncodeKeyBase64(psk))
	fmt.Printf("ticket_key=%s\n", jls.EncodeKeyBase64(ticketKey))
}

func runCreateProfile(args []string) {
	fs := flag.NewFlagSet("create-profile", flag.ExitOnError)
	name := fs.String("profile-name", "", "optional profile name")
	serverAddr := fs.String("server-addr", "", "server address (host:port)")
	decoyAddr := fs.String("decoy-addr", "", "decoy address (host:port)")
	_ = fs.Parse(args)

	psk, err := jls.GenerateKey()
	if err != nil {
		fatalf("keygen failed: %v", err)
	}

	p := profile.Profile{
		Name:              *name,
		ServerAddr:        *serverAddr,
		PresharedKey:      jls.EncodeKeyBase64(psk),
		DecoyAddr:         *decoyAddr,
		HandshakeTimeout:  config.Duration{Duration: 5 * time.Second},
		HandshakeAttempts: 3,
		PreambleDelayMs:   5,
		PreambleJitterMs:  5,
	}
	if p.Name == "" {
		p.Name = "vq-" + time.Now().UTC().Format("2006-01-02")
	}
	if p.ServerAddr == "" {
		fmt.Fprintln(os.Stderr, "warning: server_addr is empty; set --server-addr to generate a usable profile")
	}
	if p.DecoyAddr == "" {
		fmt.Fprintln(os.Stderr, "warning: decoy_addr is empty; set --decoy-addr to enable fallback camouflage")
	}

	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		fatalf("create-profile: %v", err)
	}
	if err := writeOutput("", out); err != nil {
		fatalf("create-profile write: %v", err)
	}
}

func runProfileCBOR(args []string) {
	fs := flag.NewFlagSet("profile-cbor", flag.ExitOnError)
	decode := fs.Bool("decode", false, "decode CBOR into JSON")
	inPath := fs.String("in", "", "input file (defaults to stdin)")
	outPath := fs.String("out", "", "output file (defaults to stdout)")
	base64Mode := fs.Bool("base64", false, "read/write base64-wrapped CBOR")
	_ = fs.Parse(args)

	input, err := readInput(*inPath)
	if err != nil {
		fatalf("profile-cbor read input: %v", err)
	}

	if *decode {
		if *base64Mode {
			input, err = decodeBase64(input)
			if err != nil {
				fatalf("profile-cbor decode base64: %v", err)
			}
		}
		p, err := cborprofile.DecodeProfile(input)
		if err != nil {
			fatalf("profile-cbor decode: %v", err)
		}
		out, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			fatalf("profile-cbor encode json: %v", err)
		}
		if err := writeOutput(*outPath, out); err != nil {
			fatalf("profile-cbor write output: %v", err)
		}
		return
	}

	var p profile.Profile
	if err := json.Unmarshal(input, &p); err != nil {
		fatalf("profile-cbor parse json: %v", err)
	}
	out, err := cborprofile.EncodeProfile(p)
	if err != nil {
		fatalf("profile-cbor encode: %v", err)
	}
	if *base64Mode {
		out = []byte(base64.StdEncoding.EncodeToString(out))
	}
	if err := writeOutput(*outPath, out); err != nil {
		fatalf("profile-cbor write output: %v", err)
	}
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	profilePath := fs.String("profile", "", "profile file (json or cbor)")
	logLevel := fs.String("log-level", "info", "log level")
	_ = fs.Parse(args)

	logger.Setup(*logLevel)
	p := loadProfile(*profilePath)

	srv, err := quicmux.NewServer(p, quicmux.ServerConfig{Logger: defaultLogger()})
	if err != nil {
		fatalf("server: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		fatalf("server: %v", err)
	}
}

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	profilePath := fs.String("profile", "", "profile file (json or cbor)")
	listenAddr := fs.String("listen", "127.0.0.1:1080", "local SOCKS5 listen address")
	username := fs.String("username", "", "SOCKS5 username")
	password := fs.String("password", "", "SOCKS5 password")
	logLevel := fs.String("log-level", "info", "log level")
	_ = fs.Parse(args)

	logger.Setup(*logLevel)
	p := loadProfile(*profilePath)

	muxClient, err := quicmux.NewClient(p, defaultLogger())
	if err != nil {
		fatalf("client: %v", err)
	}
	defer muxClient.Close()

	frontend, err := socks5.NewServer(socks5.Config{
		ListenAddr: *listenAddr,
		Username:   *username,
		Password:   *password,
		Logger:     defaultLogger(),
	}, muxClient)
	if err != nil {
		fatalf("client: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := frontend.Serve(ctx); err != nil {
		fatalf("client: %v", err)
	}
}

func loadProfile(path string) profile.Profile {
	if path == "" {
		fatalf("--profile required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("read profile: %v", err)
	}
	if strings.HasSuffix(path, ".cbor") {
		p, err := cborprofile.DecodeProfile(data)
		if err != nil {
			fatalf("parse profile: %v", err)
		}
		return p
	}
	var p profile.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		fatalf("parse profile: %v", err)
	}
	return p
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func decodeBase64(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty base64 input")
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch r {
		case ' ', '\n', '\r', '\t':
		default:
			b.WriteRune(r)
		}
	}
	return base64.StdEncoding.DecodeString(b.String())
}

func defaultLogger() *slog.Logger {
	return slog.Default()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
