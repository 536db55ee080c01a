package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is an immutable view of the value at a path.
type Snapshot struct {
	Path   string
	Exists bool
	Value  any
	// Writer is the connection id whose write produced this snapshot. It
	// is empty for plain reads and for the initial value of a subscription.
	Writer string
}

// NewSnapshot builds a snapshot for value at path.
func NewSnapshot(path string, value any, writer string) Snapshot {
	return Snapshot{
		Path:   path,
		Exists: value != nil,
		Value:  value,
		Writer: writer,
	}
}

// Key returns the last segment of the snapshot path.
func (s Snapshot) Key() string {
	return LastSegment(s.Path)
}

// Decode unmarshals the snapshot value into target through its JSON form.
// Decoding a missing value leaves target untouched.
func (s Snapshot) Decode(target any) error {
	if !s.Exists {
		return nil
	}
	raw, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", s.Path, err)
	}
	return nil
}

// Child returns the snapshot of a direct child.
func (s Snapshot) Child(key string) Snapshot {
	m, _ := s.Value.(map[string]any)
	return NewSnapshot(Join(s.Path, key), m[key], s.Writer)
}

// Children returns the direct children ordered by key. Generated keys are
// time-ordered, so this is insertion order for pushed children.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	children := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		children = append(children, NewSnapshot(Join(s.Path, key), m[key], s.Writer))
	}
	return children
}

// NumChildren returns the number of direct children.
func (s Snapshot) NumChildren() int {
	m, _ := s.Value.(map[string]any)
	return len(m)
}

// Bool returns the snapshot value as a boolean, false when absent.
func (s Snapshot) Bool() bool {
	b, _ := s.Value.(bool)
	return b
}
