package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TokenStore persists the identity token between runs so the user id stays
// stable across restarts.
type TokenStore interface {
	LoadToken() (string, error)
	SaveToken(token string) error
}

// FileTokenStore keeps the token in a single file.
type FileTokenStore struct {
	Path string
}

// LoadToken returns the saved token, or "" when none exists.
func (s FileTokenStore) LoadToken() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveToken replaces the saved token atomically.
func (s FileTokenStore) SaveToken(token string) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace token: %w", err)
	}
	return nil
}

type memoryTokens struct {
	token string
}

func (m *memoryTokens) LoadToken() (string, error) {
	return m.token, nil
}

func (m *memoryTokens) SaveToken(token string) error {
	m.token = token
	return nil
}
