// Package identity provides the stable anonymous user id a party member is
// known by.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/treasureparty/partysync/internal/platform/id"
)

// Provider yields the caller's user id, signing in anonymously if needed.
type Provider interface {
	EnsureSignedIn(ctx context.Context) (string, error)
}

// Static always returns the same id.
type Static string

// EnsureSignedIn returns the id.
func (s Static) EnsureSignedIn(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("identity: empty static id")
	}
	return string(s), nil
}

// Local persists a generated id in a file so it survives restarts. With an
// empty Path the id lives for the process only.
type Local struct {
	Path string

	mu     sync.Mutex
	userID string
}

// NewLocal returns a provider backed by path.
func NewLocal(path string) *Local {
	return &Local{Path: path}
}

// EnsureSignedIn loads the saved id or creates and saves a new one.
func (l *Local) EnsureSignedIn(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userID != "" {
		return l.userID, nil
	}
	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		switch {
		case err == nil:
			if saved := strings.TrimSpace(string(data)); saved != "" {
				l.userID = saved
				return saved, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("read identity: %w", err)
		}
	}
	userID, err := id.NewID()
	if err != nil {
		return "", err
	}
	if l.Path != "" {
		if err := os.MkdirAll(filepath.Dir(l.Path), 0o700); err != nil {
			return "", fmt.Errorf("create identity dir: %w", err)
		}
		if err := os.WriteFile(l.Path, []byte(userID+"\n"), 0o600); err != nil {
			return "", fmt.Errorf("write identity: %w", err)
		}
	}
	l.userID = userID
	return userID, nil
}
