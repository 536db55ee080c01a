// Package sessioncache remembers which party the user was in so a restarted
// client can offer to rejoin it.
package sessioncache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/treasureparty/partysync/internal/services/party/domain"
)

// MaxAge is how long a saved session is worth offering. The server's
// expiresAt decides once the party is read.
const MaxAge = domain.TTL

// Record is the persisted session. SavedAt is in Unix milliseconds.
type Record struct {
	PartyCode string `json:"partyCode"`
	Nickname  string `json:"nickname"`
	SavedAt   int64  `json:"savedAt"`
}

// DefaultPath returns $XDG_STATE_HOME/partysync/session.json, falling back
// to ~/.local/state.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "partysync", "session.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "partysync", "session.json"), nil
}

// Cache stores one Record in a JSON file.
type Cache struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New returns a cache at path. A nil clock uses time.Now.
func New(path string, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{path: path, now: now}
}

// Path returns the backing file.
func (c *Cache) Path() string {
	return c.path
}

// Save records session.
func (c *Cache) Save(session domain.Session) error {
	if !session.Active() {
		return domain.ErrNotInParty
	}
	record := Record{PartyCode: session.Code, Nickname: session.Nickname, SavedAt: c.now().UnixMilli()}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// Load returns the saved record. Records older than MaxAge, or unreadable
// ones, are removed and reported as absent.
func (c *Cache) Load() (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read session: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil || record.PartyCode == "" {
		return Record{}, false, c.remove()
	}
	if c.now().UnixMilli()-record.SavedAt > MaxAge.Milliseconds() {
		return Record{}, false, c.remove()
	}
	return record, true, nil
}

// Clear forgets the saved record.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove()
}

func (c *Cache) remove() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
