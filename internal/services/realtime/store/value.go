package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const serverValueKey = ".sv"

// ServerTimestamp is a placeholder value resolved by the server to the
// commit time in Unix milliseconds.
var ServerTimestamp = map[string]any{serverValueKey: "timestamp"}

// IsServerTimestamp reports whether v is the ServerTimestamp placeholder.
func IsServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	kind, ok := m[serverValueKey].(string)
	return ok && kind == "timestamp"
}

// ResolveServerValues returns v with every ServerTimestamp placeholder
// replaced by nowMillis.
func ResolveServerValues(v any, nowMillis int64) any {
	if IsServerTimestamp(v) {
		return float64(nowMillis)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for key, child := range m {
		out[key] = ResolveServerValues(child, nowMillis)
	}
	return out
}

// Normalize converts an arbitrary Go value into the store's value model:
// nil, bool, float64, string, []any and map[string]any. Structs go through
// their JSON encoding. Empty maps and nil children are pruned, so a value
// that normalizes to nothing removes the node it is written to.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(generic), nil
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if IsServerTimestamp(m) {
		return m
	}
	for key, child := range m {
		pruned := prune(child)
		if pruned == nil {
			delete(m, key)
			continue
		}
		m[key] = pruned
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Clone deep-copies a normalized value.
func Clone(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			out[key] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Hash fingerprints a normalized value. encoding/json sorts map keys, so
// equal values always hash equally. Transactions compare hashes to detect
// concurrent writes.
func Hash(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
