// Package cmd holds the startup plumbing shared by the partysync commands:
// env-then-flag configuration and a telemetry-wrapped run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/treasureparty/partysync/internal/platform/config"
	"github.com/treasureparty/partysync/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service names double as the OpenTelemetry service.name of each command.
const (
	ServiceRealtime = "realtime"
	ServicePartyCtl = "partyctl"
	ServicePartyMCP = "partymcp"
)

var services = []string{ServiceRealtime, ServicePartyCtl, ServicePartyMCP}

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	// ShutdownTimeout sets the timeout used when stopping telemetry.
	ShutdownTimeout time.Duration
	// LogLifecycle logs start and stop lines; long-running services set it.
	LogLifecycle bool
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry configures observability and executes a command run loop.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	return RunWithTelemetryAndOptions(ctx, service, RunOptions{}, run)
}

// RunWithTelemetryAndOptions configures observability and executes a command
// run loop. A run that ends with context.Canceled after ctx was cancelled is
// a clean stop.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if !slices.Contains(services, service) {
		return fmt.Errorf("unknown service %q", service)
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()

	started := time.Now()
	if options.LogLifecycle {
		log.Printf("%s starting", service)
	}
	err = run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if options.LogLifecycle {
		log.Printf("%s stopped uptime=%s err=%v", service, time.Since(started).Round(time.Millisecond), err)
	}
	return err
}
