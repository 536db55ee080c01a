// Package hmackey generates signing keys for realtime identity tokens.
package hmackey

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"

	"github.com/treasureparty/partysync/internal/services/realtime/token"
)

// Config holds configuration for key generation.
type Config struct {
	Bytes  int
	Export bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	fs.BoolVar(&cfg.Export, "export", false, "prefix the output with export for shell sourcing")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes it to out as an environment assignment.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < token.MinKeyBytes {
		return fmt.Errorf("bytes must be at least %d", token.MinKeyBytes)
	}
	if out == nil {
		return fmt.Errorf("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	prefix := ""
	if cfg.Export {
		prefix = "export "
	}
	_, err := fmt.Fprintf(out, "%s%s=%s\n", prefix, token.KeyEnv, hex.EncodeToString(buf))
	return err
}
