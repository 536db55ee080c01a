package partyctl

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"sync"
	"testing"
	"time"

	realtimeserver "github.com/treasureparty/partysync/internal/services/realtime/app"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PARTYSYNC_STORE_URL", "PARTYSYNC_DATA_DIR", "PARTYSYNC_REALTIME_HEALTH_ADDR", "PARTYSYNC_OTEL_ENDPOINT"} {
		t.Setenv(key, "")
	}
}

func TestParseConfig_ParsesEnvAndArgs(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARTYSYNC_DATA_DIR", "/tmp/party")
	t.Setenv("PARTYSYNC_SIGN_IN_TIMEOUT", "3s")

	cfg, err := ParseConfig([]string{"--store", "localhost:8095", "join", "abcd2345", "--nick", "bob"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.StoreURL != "ws://localhost:8095/ws" {
		t.Fatalf("store url = %q, want %q", cfg.StoreURL, "ws://localhost:8095/ws")
	}
	if cfg.DataDir != "/tmp/party" {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, "/tmp/party")
	}
	if cfg.SignInTimeout != 3*time.Second {
		t.Fatalf("sign in timeout = %v, want 3s", cfg.SignInTimeout)
	}
	if cfg.HealthAddr != "realtime:8096" {
		t.Fatalf("health addr = %q, want %q", cfg.HealthAddr, "realtime:8096")
	}
	if !isSet(cfg.Args, "join") || stringArg(cfg.Args, "<code>") != "abcd2345" || stringArg(cfg.Args, "--nick") != "bob" {
		t.Fatalf("unexpected args: %v", cfg.Args)
	}
}

func TestParseConfig_Help(t *testing.T) {
	clearEnv(t)
	if _, err := ParseConfig([]string{"--help"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err = %v, want flag.ErrHelp", err)
	}
}

func TestParseConfig_RejectsUnknownCommand(t *testing.T) {
	clearEnv(t)
	if _, err := ParseConfig([]string{"dance"}); err == nil {
		t.Fatal("expected usage error")
	}
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cfg, err := ParseConfig(append([]string{"--data", dir}, args...))
	if err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	var out syncBuffer
	err = execute(context.Background(), cfg, &out)
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func TestCommandsDriveLocalParty(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	out := mustRun(t, dir, "create", "--nick", "alice")
	if !strings.HasPrefix(out, "created party ") || !strings.Contains(out, " as alice") {
		t.Fatalf("create output = %q", out)
	}
	code := strings.Fields(out)[2]

	first := strings.Fields(mustRun(t, dir, "add", "map-1", "10", "20.5", "--ref", "t1", "--size", "4"))[1]
	second := strings.Fields(mustRun(t, dir, "add", "map-2", "1", "2"))[1]

	mustRun(t, dir, "swap", first, second)
	if out := mustRun(t, dir, "toggle", first); out != first+" completed=true\n" {
		t.Fatalf("toggle output = %q", out)
	}
	mustRun(t, dir, "nick", "Alice  Prime")

	out = mustRun(t, dir, "show")
	for _, want := range []string{
		"party " + code,
		"members 1/8:",
		"* Alice Prime (leader)",
		"[ ] 1 " + second + " map=map-2 (1, 2)",
		"[x] 2 " + first + " map=map-1 (10, 20.5)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q:\n%s", want, out)
		}
	}

	if out := mustRun(t, dir, "clear"); out != "cleared 1 completed\n" {
		t.Fatalf("clear output = %q", out)
	}
	mustRun(t, dir, "order", second, "7")
	if out := mustRun(t, dir, "show"); !strings.Contains(out, "[ ] 7 "+second) {
		t.Fatalf("order not applied:\n%s", out)
	}

	if out := mustRun(t, dir, "leave"); out != "left party "+code+"\n" {
		t.Fatalf("leave output = %q", out)
	}
	if _, err := run(t, dir, "show"); err == nil || !strings.Contains(err.Error(), "not in a party") {
		t.Fatalf("show after leave err = %v", err)
	}
}

func TestJoinRejectsMalformedCode(t *testing.T) {
	clearEnv(t)
	if _, err := run(t, t.TempDir(), "join", "bad"); err == nil {
		t.Fatal("expected invalid code error")
	}
}

func TestDescribeLocalizesPartyErrors(t *testing.T) {
	clearEnv(t)
	_, err := run(t, t.TempDir(), "join", "bad")
	if got := Describe(Config{Locale: "zh_TW.UTF-8"}, err); !strings.HasPrefix(got, "隊伍代碼格式不正確 (") {
		t.Fatalf("describe = %q", got)
	}
	if got := Describe(Config{}, errors.New("boom")); got != "boom" {
		t.Fatalf("describe foreign = %q", got)
	}
	if got := Describe(Config{}, nil); got != "" {
		t.Fatalf("describe nil = %q", got)
	}
}

func TestAddRejectsBadCoordinates(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	mustRun(t, dir, "create")
	if _, err := run(t, dir, "add", "map-1", "east", "2"); err == nil || !strings.Contains(err.Error(), "parse x") {
		t.Fatalf("err = %v, want parse x error", err)
	}
}

func TestWatchPrintsUntilCancelled(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	code := strings.Fields(mustRun(t, dir, "create", "--nick", "alice"))[2]

	cfg, err := ParseConfig([]string{"--data", dir, "watch"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- execute(ctx, cfg, &out) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "* alice (leader)") {
		if time.Now().After(deadline) {
			t.Fatalf("watch output never listed members:\n%s", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "watching party "+code) {
		t.Fatalf("watch output = %q", out.String())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func startRealtime(t *testing.T) *realtimeserver.Server {
	t.Helper()
	server, err := realtimeserver.New(context.Background(), realtimeserver.Options{
		Addr:       "127.0.0.1:0",
		HealthAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("start realtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("realtime did not stop")
		}
	})
	return server
}

func TestHealthAgainstRealtime(t *testing.T) {
	clearEnv(t)
	server := startRealtime(t)

	out := mustRun(t, t.TempDir(), "health", "--addr", server.HealthAddr(), "--timeout", "5s")
	if out != "realtime at "+server.HealthAddr()+" is serving\n" {
		t.Fatalf("health output = %q", out)
	}
}

func TestCommandsShareRemoteParty(t *testing.T) {
	clearEnv(t)
	server := startRealtime(t)
	store := server.Addr()
	alice, bob := t.TempDir(), t.TempDir()

	out := mustRun(t, alice, "--store", store, "create", "--nick", "alice")
	code := strings.Fields(out)[2]
	mustRun(t, bob, "--store", store, "join", strings.ToLower(code), "--nick", "bob")
	mustRun(t, bob, "--store", store, "add", "map-9", "3", "4")

	out = mustRun(t, alice, "--store", store, "show")
	for _, want := range []string{"members 2/8:", "* alice (leader)", "  bob", "map=map-9 (3, 4) by bob"} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q:\n%s", want, out)
		}
	}
}
