// Package app assembles a party client: the store connection, identity,
// repository, watcher and session cache.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treasureparty/partysync/internal/services/party/identity"
	"github.com/treasureparty/partysync/internal/services/party/repository"
	"github.com/treasureparty/partysync/internal/services/party/sessioncache"
	"github.com/treasureparty/partysync/internal/services/party/watcher"
	"github.com/treasureparty/partysync/internal/services/realtime/client"
	"github.com/treasureparty/partysync/internal/services/realtime/memory"
	"github.com/treasureparty/partysync/internal/services/realtime/storage/sqlite"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
	"github.com/treasureparty/partysync/internal/services/realtime/tree"
)

const (
	tokenFile    = "token"
	userFile     = "user"
	databaseFile = "local.db"
)

// Options selects the store. With an empty StoreURL the client runs against
// a local tree persisted under DataDir.
type Options struct {
	StoreURL    string
	DataDir     string
	SessionPath string
	// SignInTimeout bounds the wait for the first remote connection.
	SignInTimeout time.Duration
	Now           func() time.Time
}

// Runtime is a ready-to-use party client.
type Runtime struct {
	Store       store.Store
	Identity    identity.Provider
	Repository  *repository.Repository
	Watcher     *watcher.Watcher
	Cache       *sessioncache.Cache
	Reconnector *sessioncache.Reconnector

	closers []func() error
}

// Open builds a runtime. The caller must Close it.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if strings.TrimSpace(opts.DataDir) == "" {
		return nil, errors.New("data dir is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sessionPath := opts.SessionPath
	if sessionPath == "" {
		sessionPath = filepath.Join(opts.DataDir, "session.json")
	}

	rt := &Runtime{}
	var err error
	if opts.StoreURL != "" {
		err = rt.openRemote(ctx, opts)
	} else {
		err = rt.openLocal(ctx, opts)
	}
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.Cache = sessioncache.New(sessionPath, opts.Now)
	rt.Repository = repository.New(rt.Store, rt.Identity,
		repository.WithClock(opts.Now),
		repository.WithRecorder(rt.Cache),
	)
	rt.Watcher = watcher.New(rt.Store, watcher.WithClock(opts.Now))
	rt.Reconnector = sessioncache.NewReconnector(rt.Cache, rt.Repository)
	return rt, nil
}

func (r *Runtime) openRemote(ctx context.Context, opts Options) error {
	c, err := client.Dial(client.Config{
		URL:    opts.StoreURL,
		Tokens: client.FileTokenStore{Path: filepath.Join(opts.DataDir, tokenFile)},
	})
	if err != nil {
		return err
	}
	r.closers = append(r.closers, c.Close)
	r.Store = c
	r.Identity = c

	if opts.SignInTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.SignInTimeout)
		defer cancel()
	}
	userID, err := c.EnsureSignedIn(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.StoreURL, err)
	}
	log.Printf("party client connected url=%s user=%s", opts.StoreURL, userID)
	return nil
}

func (r *Runtime) openLocal(ctx context.Context, opts Options) error {
	db, err := sqlite.Open(filepath.Join(opts.DataDir, databaseFile))
	if err != nil {
		return err
	}
	r.closers = append(r.closers, db.Close)

	t := tree.New(tree.WithClock(opts.Now), tree.WithPersister(db))
	if err := t.Load(ctx); err != nil {
		return err
	}
	st := memory.New(t)
	r.closers = append(r.closers, func() error {
		st.Close()
		return nil
	})
	r.Store = st
	r.Identity = identity.NewLocal(filepath.Join(opts.DataDir, userFile))
	return nil
}

// Close stops syncing and releases the store in reverse order of opening.
func (r *Runtime) Close() error {
	if r.Watcher != nil {
		r.Watcher.StopSync()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
