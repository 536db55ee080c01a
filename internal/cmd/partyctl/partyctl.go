// Package partyctl parses partyctl arguments and drives a party client from
// the command line.
package partyctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	entrypoint "github.com/treasureparty/partysync/internal/platform/cmd"
	"github.com/treasureparty/partysync/internal/platform/discovery"
	apperrors "github.com/treasureparty/partysync/internal/platform/errors"
	"github.com/treasureparty/partysync/internal/platform/errors/i18n"
	platformgrpc "github.com/treasureparty/partysync/internal/platform/grpc"
	partyapp "github.com/treasureparty/partysync/internal/services/party/app"
	"github.com/treasureparty/partysync/internal/services/party/sessioncache"
	realtimeserver "github.com/treasureparty/partysync/internal/services/realtime/app"
)

// Version is reported by --version.
const Version = "0.1.0"

const usage = `Party control.

Commands act on the party saved by the last create or join. Without a
store URL the client runs against a local store under the data dir.

Usage:
    partyctl [options] create [--nick=<nickname>]
    partyctl [options] join <code> [--nick=<nickname>]
    partyctl [options] rejoin
    partyctl [options] leave
    partyctl [options] show
    partyctl [options] nick <nickname>
    partyctl [options] add <map> <x> <y> [--ref=<ref>] [--grade=<item>] [--size=<n>]
    partyctl [options] remove <entry>
    partyctl [options] toggle <entry>
    partyctl [options] swap <entry> <other>
    partyctl [options] order <entry> <order>
    partyctl [options] clear
    partyctl [options] watch
    partyctl [options] health [--addr=<addr>] [--timeout=<timeout>]
    partyctl -h | --help
    partyctl --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --store=<url>          Realtime store URL, or host:port of the realtime service.
    --data=<dir>           Client state directory.
    --nick=<nickname>      Nickname shown to the party.
    --ref=<ref>            Treasure reference.
    --grade=<item>         Grade item id.
    --size=<n>             Suggested party size.
    --addr=<addr>          Realtime health address.
    --timeout=<timeout>    Health wait timeout [default: 5s].`

var parser = &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}

// Config holds partyctl configuration.
type Config struct {
	StoreURL      string        `env:"PARTYSYNC_STORE_URL"`
	DataDir       string        `env:"PARTYSYNC_DATA_DIR"`
	HealthAddr    string        `env:"PARTYSYNC_REALTIME_HEALTH_ADDR"`
	SignInTimeout time.Duration `env:"PARTYSYNC_SIGN_IN_TIMEOUT" envDefault:"10s"`
	Locale        string        `env:"LANG"`

	// Args holds the parsed command line.
	Args docopt.Opts
}

// ParseConfig parses environment and arguments into a Config. It returns
// flag.ErrHelp after printing help or the version.
func ParseConfig(args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if args == nil {
		args = []string{}
	}
	opts, err := parser.ParseArgs(usage, args, Version)
	if err != nil {
		return Config{}, err
	}
	if opts == nil {
		return Config{}, flag.ErrHelp
	}
	if v, err := opts.String("--store"); err == nil && v != "" {
		cfg.StoreURL = v
	}
	if v, err := opts.String("--data"); err == nil && v != "" {
		cfg.DataDir = v
	}
	if v, err := opts.String("--addr"); err == nil && v != "" {
		cfg.HealthAddr = v
	}
	cfg.StoreURL = discovery.WebsocketURL(cfg.StoreURL)
	cfg.HealthAddr = discovery.OrDefaultGRPCAddr(cfg.HealthAddr, discovery.ServiceRealtime)
	if cfg.DataDir == "" {
		sessionPath, err := sessioncache.DefaultPath()
		if err != nil {
			return Config{}, err
		}
		cfg.DataDir = filepath.Dir(sessionPath)
	}
	cfg.Args = opts
	return cfg, nil
}

// Run executes the parsed command, writing results to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePartyCtl, func(ctx context.Context) error {
		return execute(ctx, cfg, out)
	})
}

func execute(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	if isSet(cfg.Args, "health") {
		return health(ctx, cfg, out)
	}

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
			fmt.Fprintf(os.Stderr, "close party client: %v\n", err)
		}
	}()

	c := &commander{rt: rt, out: out, args: cfg.Args}
	for _, cmd := range c.commands() {
		if isSet(cfg.Args, cmd.name) {
			return cmd.run(ctx)
		}
	}
	return errors.New("no command given")
}

// Describe renders err for the terminal, leading with the localized message
// when err carries a party error code.
func Describe(cfg Config, err error) string {
	if err == nil {
		return ""
	}
	if apperrors.GetCode(err) == apperrors.CodeUnknown {
		return err.Error()
	}
	return fmt.Sprintf("%s (%v)", i18n.Message(i18n.ResolveTag(cfg.Locale), err), err)
}

func health(ctx context.Context, cfg Config, out io.Writer) error {
	timeout, err := time.ParseDuration(stringArg(cfg.Args, "--timeout"))
	if err != nil {
		return fmt.Errorf("parse timeout: %w", err)
	}
	err = platformgrpc.AwaitHealthy(ctx, cfg.HealthAddr, platformgrpc.ProbeOptions{
		Service: realtimeserver.HealthService,
		Timeout: timeout,
		Logf:    log.Printf,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "realtime at %s is serving\n", cfg.HealthAddr)
	return err
}

func isSet(opts docopt.Opts, key string) bool {
	v, err := opts.Bool(key)
	return err == nil && v
}

func stringArg(opts docopt.Opts, key string) string {
	v, err := opts.String(key)
	if err != nil {
		return ""
	}
	return v
}
