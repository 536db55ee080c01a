package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	platformgrpc "github.com/treasureparty/partysync/internal/platform/grpc"
	"github.com/treasureparty/partysync/internal/services/realtime/client"
)

func startServer(t *testing.T, opts Options) (*Server, func()) {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	server, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Serve() error = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for server shutdown")
		}
	}
	return server, stop
}

func dial(t *testing.T, server *Server) *client.Client {
	t.Helper()
	c, err := client.Dial(client.Config{URL: "ws://" + server.Addr() + WebsocketPath})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.EnsureSignedIn(ctx); err != nil {
		t.Fatalf("EnsureSignedIn() error = %v", err)
	}
	return c
}

func TestServeAndShutdown(t *testing.T) {
	server, stop := startServer(t, Options{HealthAddr: "127.0.0.1:0"})

	if err := platformgrpc.AwaitHealthy(context.Background(), server.HealthAddr(), platformgrpc.ProbeOptions{Service: HealthService, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("AwaitHealthy() error = %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.HasPrefix(string(body), "ok") {
		t.Fatalf("healthz body = %q", body)
	}

	c := dial(t, server)
	if err := c.Set(context.Background(), "a/b", "c"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_ = c.Close()
	stop()
}

func TestHealthDisabledWithoutAddr(t *testing.T) {
	server, stop := startServer(t, Options{})
	defer stop()
	if server.HealthAddr() != "" {
		t.Fatalf("health addr = %q, want empty", server.HealthAddr())
	}
}

func TestDocumentsSurviveRestartAndExpiredPartiesArePurged(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "realtime.db")
	now := time.UnixMilli(1_000_000)
	clock := func() time.Time { return now }
	key := []byte(strings.Repeat("k", 32))

	server, stop := startServer(t, Options{DBPath: dbPath, TokenKey: key, Now: clock})
	c := dial(t, server)
	ctx := context.Background()
	if err := c.Set(ctx, "parties/LIVE/meta/expiresAt", 2_000_000); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Set(ctx, "parties/DEAD/meta/expiresAt", 500_000); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_ = c.Close()
	stop()

	restarted, stopRestarted := startServer(t, Options{DBPath: dbPath, TokenKey: key, Now: clock, PurgeExpired: true})
	defer stopRestarted()
	reader := dial(t, restarted)
	defer reader.Close()

	live, err := reader.Get(ctx, "parties/LIVE/meta/expiresAt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if live.Value != float64(2_000_000) {
		t.Fatalf("live expiresAt = %v, want 2000000", live.Value)
	}
	dead, err := reader.Get(ctx, "parties/DEAD")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dead.Exists {
		t.Fatalf("expired party = %v, want purged", dead.Value)
	}
}

func TestNewRejectsShortTokenKey(t *testing.T) {
	if _, err := New(context.Background(), Options{Addr: "127.0.0.1:0", TokenKey: []byte("short")}); err == nil {
		t.Fatal("expected error for short token key")
	}
}
