// Package partymcp parses partymcp flags and serves party tools over stdio.
package partymcp

import (
	"context"
	"flag"
	"log"
	"path/filepath"
	"time"

	entrypoint "github.com/treasureparty/partysync/internal/platform/cmd"
	"github.com/treasureparty/partysync/internal/platform/discovery"
	partyapp "github.com/treasureparty/partysync/internal/services/party/app"
	"github.com/treasureparty/partysync/internal/services/party/mcptools"
	"github.com/treasureparty/partysync/internal/services/party/sessioncache"
)

// Config holds partymcp command configuration.
type Config struct {
	StoreURL      string        `env:"PARTYSYNC_STORE_URL"`
	DataDir       string        `env:"PARTYSYNC_DATA_DIR"`
	SignInTimeout time.Duration `env:"PARTYSYNC_SIGN_IN_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StoreURL, "store", cfg.StoreURL, "Realtime store URL or host:port; empty uses a local store")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Client state directory")
	fs.DurationVar(&cfg.SignInTimeout, "sign-in-timeout", cfg.SignInTimeout, "Wait for the first store connection")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.StoreURL = discovery.WebsocketURL(cfg.StoreURL)
	if cfg.DataDir == "" {
		sessionPath, err := sessioncache.DefaultPath()
		if err != nil {
			return Config{}, err
		}
		cfg.DataDir = filepath.Dir(sessionPath)
	}
	return cfg, nil
}

// Run serves the party tools on stdio until the client disconnects.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePartyMCP, func(ctx context.Context) error {
		rt, err := partyapp.Open(ctx, partyapp.Options{
			StoreURL:      cfg.StoreURL,
			DataDir:       cfg.DataDir,
			SignInTimeout: cfg.SignInTimeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				log.Printf("close party client: %v", err)
			}
		}()
		if record, ok, err := rt.Reconnector.Check(); err != nil {
			log.Printf("load saved party: %v", err)
		} else if ok {
			log.Printf("saved party %s available via party_rejoin", record.PartyCode)
		}
		return mcptools.New(rt.Repository, rt.Reconnector, rt.Watcher).RunStdio(ctx)
	})
}
