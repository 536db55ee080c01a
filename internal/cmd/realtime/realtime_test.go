package realtime

import (
	"flag"
	"strings"
	"testing"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("realtime", flag.ContinueOnError)
	t.Setenv("PARTYSYNC_REALTIME_PORT", "9095")
	t.Setenv("PARTYSYNC_REALTIME_DB_PATH", "/tmp/rt.db")

	cfg, err := ParseConfig(fs, []string{"-health-port", "9096", "-purge-expired=false"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9095 {
		t.Fatalf("port = %d, want 9095", cfg.Port)
	}
	if cfg.HealthPort != 9096 {
		t.Fatalf("health port = %d, want 9096", cfg.HealthPort)
	}
	if cfg.DBPath != "/tmp/rt.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "/tmp/rt.db")
	}
	if cfg.PurgeExpired {
		t.Fatal("purge expired = true, want false")
	}
}

func TestParseConfig_DefaultDiscoveryPorts(t *testing.T) {
	fs := flag.NewFlagSet("realtime", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8095 {
		t.Fatalf("port = %d, want 8095", cfg.Port)
	}
	if cfg.HealthPort != 8096 {
		t.Fatalf("health port = %d, want 8096", cfg.HealthPort)
	}
	if !cfg.PurgeExpired {
		t.Fatal("purge expired = false, want true")
	}
}

func TestServerOptions(t *testing.T) {
	cfg := Config{Port: 8095, HealthPort: -1, TokenKey: strings.Repeat("ab", 32)}
	opts, err := cfg.serverOptions()
	if err != nil {
		t.Fatalf("server options: %v", err)
	}
	if opts.Addr != ":8095" {
		t.Fatalf("addr = %q, want %q", opts.Addr, ":8095")
	}
	if opts.HealthAddr != "" {
		t.Fatalf("health addr = %q, want disabled", opts.HealthAddr)
	}
	if len(opts.TokenKey) != 32 {
		t.Fatalf("token key length = %d, want 32", len(opts.TokenKey))
	}

	if _, err := (Config{TokenKey: "zz"}).serverOptions(); err == nil {
		t.Fatal("expected invalid token key error")
	}
}
