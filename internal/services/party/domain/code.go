package domain

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/width"
)

const (
	// CodeAlphabet omits 0, O, 1, I and L.
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	// CodeLength is the fixed party code length.
	CodeLength = 8
	// MaxCodeAttempts bounds the collision retries when creating a party.
	MaxCodeAttempts = 10
)

// Bytes at or above this bound are rejected so every symbol is equally
// likely.
var unbiasedLimit = byte(256 - 256%len(CodeAlphabet))

// GenerateCode draws a party code from reader, crypto/rand when nil.
func GenerateCode(reader io.Reader) (string, error) {
	if reader == nil {
		reader = rand.Reader
	}
	var b strings.Builder
	b.Grow(CodeLength)
	buf := make([]byte, CodeLength*2)
	for b.Len() < CodeLength {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return "", fmt.Errorf("generate party code: %w", err)
		}
		for _, v := range buf {
			if v >= unbiasedLimit {
				continue
			}
			b.WriteByte(CodeAlphabet[int(v)%len(CodeAlphabet)])
			if b.Len() == CodeLength {
				break
			}
		}
	}
	return b.String(), nil
}

// NormalizeCode trims input, folds full-width characters and upper-cases it.
func NormalizeCode(code string) string {
	return strings.ToUpper(width.Fold.String(strings.TrimSpace(code)))
}

// ValidateCode reports whether code is a well-formed, normalized party code.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return ErrInvalidCodeFormat
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return ErrInvalidCodeFormat
		}
	}
	return nil
}
