// Package server wires the realtime store runtime: the websocket endpoint,
// the gRPC health endpoint and optional SQLite durability.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treasureparty/partysync/internal/platform/discovery"
	platformgrpc "github.com/treasureparty/partysync/internal/platform/grpc"
	"github.com/treasureparty/partysync/internal/platform/timeouts"
	realtimews "github.com/treasureparty/partysync/internal/services/realtime/api/websocket"
	realtimesqlite "github.com/treasureparty/partysync/internal/services/realtime/storage/sqlite"
	"github.com/treasureparty/partysync/internal/services/realtime/token"
	"github.com/treasureparty/partysync/internal/services/realtime/tree"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "partysync.realtime"

// WebsocketPath is where the store endpoint is mounted.
const WebsocketPath = discovery.WebsocketPath

// Options configures a Server.
type Options struct {
	// Addr is the HTTP listen address for the websocket endpoint.
	Addr string
	// HealthAddr is the gRPC health listen address; empty disables it.
	HealthAddr string
	// DBPath enables SQLite durability; empty keeps the tree in memory.
	DBPath string
	// TokenKey signs identity tokens; empty generates a per-process key.
	TokenKey []byte
	// PurgeExpired drops expired parties from storage at startup.
	PurgeExpired bool
	// Now overrides the clock.
	Now func() time.Time
}

// Server hosts the realtime store.
type Server struct {
	listener       net.Listener
	healthListener net.Listener
	httpServer     *http.Server
	grpcServer     *grpc.Server
	health         *health.Server
	handler        *realtimews.Handler
	tree           *tree.Tree
	store          *realtimesqlite.Store
}

// New creates a configured server bound to its listeners.
func New(ctx context.Context, opts Options) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	identities, err := newIssuer(opts)
	if err != nil {
		return nil, err
	}

	s := &Server{}
	treeOpts := []tree.Option{tree.WithClock(opts.Now)}
	if strings.TrimSpace(opts.DBPath) != "" {
		store, err := openDocumentStore(opts.DBPath)
		if err != nil {
			return nil, err
		}
		s.store = store
		if opts.PurgeExpired {
			removed, err := store.PurgeExpired(ctx, opts.Now())
			if err != nil {
				s.Close()
				return nil, err
			}
			if removed > 0 {
				log.Printf("realtime purged expired parties count=%d", removed)
			}
		}
		treeOpts = append(treeOpts, tree.WithPersister(store))
	}
	s.tree = tree.New(treeOpts...)
	if err := s.tree.Load(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.handler = realtimews.NewHandler(s.tree, identities)
	mux := http.NewServeMux()
	mux.Handle(WebsocketPath, s.handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok connections=%d\n", s.tree.ConnectionCount())
	})
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	s.listener, err = net.Listen("tcp", opts.Addr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}
	if strings.TrimSpace(opts.HealthAddr) != "" {
		s.healthListener, err = net.Listen("tcp", opts.HealthAddr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listen on %s: %w", opts.HealthAddr, err)
		}
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = platformgrpc.RegisterHealth(s.grpcServer, HealthService)
	}
	return s, nil
}

// Run creates and serves a server until context cancellation.
func Run(ctx context.Context, opts Options) error {
	server, err := New(ctx, opts)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Addr returns the websocket listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HealthAddr returns the gRPC health listener address, or "".
func (s *Server) HealthAddr() string {
	if s == nil || s.healthListener == nil {
		return ""
	}
	return s.healthListener.Addr().String()
}

// Serve runs the listeners until ctx ends or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("realtime server listening at %v%s", s.listener.Addr(), WebsocketPath)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if s.grpcServer != nil {
		log.Printf("realtime health listening at %v", s.healthListener.Addr())
		g.Go(func() error {
			if err := s.grpcServer.Serve(s.healthListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve gRPC: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("realtime http shutdown: %v", err)
	}
	s.handler.Close()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.handler != nil {
		s.handler.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.healthListener != nil {
		_ = s.healthListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close realtime store: %v", err)
		}
	}
}

func newIssuer(opts Options) (*token.Issuer, error) {
	key := opts.TokenKey
	if len(key) == 0 {
		generated, err := token.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		log.Printf("realtime %s not set; identity tokens will not survive a restart", token.KeyEnv)
		key = generated
	}
	issuer, err := token.NewIssuer(key, token.WithClock(opts.Now))
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	return issuer, nil
}

func openDocumentStore(path string) (*realtimesqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := realtimesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open realtime sqlite store: %w", err)
	}
	return store, nil
}
