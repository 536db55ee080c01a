// Package grpc holds the gRPC health plumbing shared by the realtime service
// and its probes.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const probeCallTimeout = time.Second

// ErrUnknownService is returned when the health server does not know the
// probed service name.
var ErrUnknownService = errors.New("health service not registered")

// RegisterHealth attaches a health server to grpcServer and marks the overall
// status and each named service as SERVING.
func RegisterHealth(grpcServer *gogrpc.Server, services ...string) *health.Server {
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return healthServer
}

// ProbeOptions tunes AwaitHealthy.
type ProbeOptions struct {
	// Service is the health service name; empty probes overall status.
	Service string
	// Timeout bounds the whole wait; zero relies on ctx alone.
	Timeout time.Duration
	// Logf receives one line per failed attempt.
	Logf func(string, ...any)
}

// ProbeError reports a probe that never saw SERVING.
type ProbeError struct {
	Addr     string
	Attempts int
	// Last is the last status observed, or UNKNOWN when no call succeeded.
	Last grpc_health_v1.HealthCheckResponse_ServingStatus
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("health %s after %d attempts (last %s): %v", e.Addr, e.Attempts, e.Last, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// AwaitHealthy dials addr and polls its health service with exponential
// backoff until it reports SERVING.
func AwaitHealthy(ctx context.Context, addr string, opts ProbeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := gogrpc.NewClient(addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return &ProbeError{Addr: addr, Err: err}
	}
	defer conn.Close()
	return waitServing(ctx, grpc_health_v1.NewHealthClient(conn), addr, opts)
}

func waitServing(ctx context.Context, client grpc_health_v1.HealthClient, addr string, opts ProbeOptions) error {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 100 * time.Millisecond
	wait.MaxInterval = time.Second

	attempts := 0
	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	check := func() (struct{}, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, probeCallTimeout)
		defer cancel()
		resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: opts.Service})
		if status.Code(err) == codes.NotFound {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %q", ErrUnknownService, opts.Service))
		}
		if err != nil {
			return struct{}{}, err
		}
		last = resp.GetStatus()
		if last != grpc_health_v1.HealthCheckResponse_SERVING {
			return struct{}{}, fmt.Errorf("status %s", last)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(wait),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if opts.Logf != nil {
				opts.Logf("health %s not serving, retry in %s: %v", addr, next, err)
			}
		}),
	)
	if err != nil {
		return &ProbeError{Addr: addr, Attempts: attempts, Last: last, Err: err}
	}
	return nil
}
