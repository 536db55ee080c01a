// Package realtime parses realtime command flags and launches the store service.
package realtime

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	entrypoint "github.com/treasureparty/partysync/internal/platform/cmd"
	"github.com/treasureparty/partysync/internal/platform/discovery"
	realtimeserver "github.com/treasureparty/partysync/internal/services/realtime/app"
	"github.com/treasureparty/partysync/internal/services/realtime/token"
)

// Config holds realtime command configuration.
type Config struct {
	Port         int    `env:"PARTYSYNC_REALTIME_PORT"`
	HealthPort   int    `env:"PARTYSYNC_REALTIME_HEALTH_PORT"`
	DBPath       string `env:"PARTYSYNC_REALTIME_DB_PATH" envDefault:"data/realtime.db"`
	TokenKey     string `env:"PARTYSYNC_REALTIME_TOKEN_KEY"`
	PurgeExpired bool   `env:"PARTYSYNC_REALTIME_PURGE_EXPIRED" envDefault:"true"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Port == 0 {
		cfg.Port = discovery.DefaultHTTPPort(discovery.ServiceRealtime)
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = discovery.DefaultGRPCPort(discovery.ServiceRealtime)
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The realtime websocket port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The gRPC health port; negative disables it")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The realtime SQLite database path; empty keeps data in memory")
	fs.BoolVar(&cfg.PurgeExpired, "purge-expired", cfg.PurgeExpired, "Drop expired parties at startup")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the realtime service.
func Run(ctx context.Context, cfg Config) error {
	opts, err := cfg.serverOptions()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceRealtime, entrypoint.RunOptions{LogLifecycle: true}, func(context.Context) error {
		return realtimeserver.Run(ctx, opts)
	})
}

func (cfg Config) serverOptions() (realtimeserver.Options, error) {
	opts := realtimeserver.Options{
		Addr:         listenAddr(cfg.Port),
		DBPath:       cfg.DBPath,
		PurgeExpired: cfg.PurgeExpired,
	}
	if cfg.HealthPort >= 0 {
		opts.HealthAddr = listenAddr(cfg.HealthPort)
	}
	if cfg.TokenKey != "" {
		key, err := token.DecodeKey(cfg.TokenKey)
		if err != nil {
			return realtimeserver.Options{}, fmt.Errorf("token key: %w", err)
		}
		opts.TokenKey = key
	}
	return opts, nil
}

func listenAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
