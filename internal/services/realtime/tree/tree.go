// Package tree is the authoritative store engine: a copy-on-write value tree
// with point writes, hash-checked compare-and-set, per-connection
// subscriptions and disconnect hooks executed when a connection closes.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/treasureparty/partysync/internal/platform/requestctx"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
)

// ErrDuplicateSubscription is returned when a connection reuses a live
// subscription id.
var ErrDuplicateSubscription = errors.New("tree: subscription id already in use")

// Event is a change notification for one subscription.
type Event struct {
	Sub    uint64
	Path   string
	Value  any
	Writer string
}

// Sink receives events for a connection. It is called with the engine lock
// held: it must not block and must not call back into the tree.
type Sink func(Event)

// Persister stores top-level documents. A document is the node two levels
// below the root (for example parties/<code>), or a leaf one level below.
type Persister interface {
	// SaveDocuments writes every document in docs in one unit. A nil value
	// deletes the document.
	SaveDocuments(ctx context.Context, docs map[string]any) error
	// LoadDocuments returns all stored documents keyed by document path.
	LoadDocuments(ctx context.Context) (map[string]any, error)
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock overrides the clock used to resolve server timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		if now != nil {
			t.now = now
		}
	}
}

// WithPersister makes every commit durable before it becomes visible.
func WithPersister(p Persister) Option {
	return func(t *Tree) {
		t.persister = p
	}
}

// Tree holds the authoritative value tree.
type Tree struct {
	mu        sync.Mutex
	root      any
	now       func() time.Time
	persister Persister
	conns     map[string]*Conn
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		now:   time.Now,
		conns: make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load replaces the tree contents with the persisted documents.
func (t *Tree) Load(ctx context.Context) error {
	if t.persister == nil {
		return nil
	}
	docs, err := t.persister.LoadDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	keys := make([]string, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var root any
	for _, key := range keys {
		segments, err := store.Split(key)
		if err != nil || len(segments) == 0 {
			return fmt.Errorf("load document %q: %w", key, store.ErrInvalidPath)
		}
		value, err := store.Normalize(docs[key])
		if err != nil {
			return fmt.Errorf("load document %q: %w", key, err)
		}
		root = setIn(root, segments, value)
	}

	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
	return nil
}

// Connect registers a new connection whose events go to sink.
func (t *Tree) Connect(sink Sink) *Conn {
	c := &Conn{
		tree:  t,
		id:    ulid.Make().String(),
		sink:  sink,
		subs:  make(map[uint64]*subscription),
		hooks: make(map[string][]string),
	}
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	return c
}

// ConnectionCount returns the number of open connections.
func (t *Tree) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// commit applies a write. Callers hold t.mu.
func (t *Tree) commit(ctx context.Context, writer string, segments []string, value any) error {
	value = store.ResolveServerValues(value, t.now().UnixMilli())
	next := setIn(t.root, segments, value)
	if t.persister != nil {
		docs := changedDocuments(t.root, next, segments)
		if len(docs) > 0 {
			if err := t.persister.SaveDocuments(ctx, docs); err != nil {
				caller, _ := requestctx.CallerFrom(ctx)
				log.Printf("realtime persist failed %s path=%s: %v", caller, strings.Join(segments, "/"), err)
				return fmt.Errorf("persist: %w", err)
			}
		}
	}
	t.root = next
	t.notify(writer, segments)
	return nil
}

func (t *Tree) notify(writer string, segments []string) {
	for _, conn := range t.conns {
		for _, id := range conn.subscriptionIDs() {
			sub := conn.subs[id]
			if !related(sub.segments, segments) {
				continue
			}
			value := getIn(t.root, sub.segments)
			hash := store.Hash(value)
			if hash == sub.hash {
				continue
			}
			sub.hash = hash
			conn.sink(Event{Sub: sub.id, Path: sub.path, Value: store.Clone(value), Writer: writer})
		}
	}
}

func getIn(node any, segments []string) any {
	for _, segment := range segments {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[segment]
	}
	return node
}

// setIn returns a copy of node with value placed at segments. Untouched
// branches are shared. Emptied maps collapse to nil.
func setIn(node any, segments []string, value any) any {
	if len(segments) == 0 {
		return value
	}
	current, _ := node.(map[string]any)
	out := make(map[string]any, len(current)+1)
	for key, child := range current {
		out[key] = child
	}
	child := setIn(current[segments[0]], segments[1:], value)
	if child == nil {
		delete(out, segments[0])
	} else {
		out[segments[0]] = child
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// related reports whether one path is an ancestor of (or equal to) the other.
func related(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func changedDocuments(prev, next any, segments []string) map[string]any {
	var tops []string
	if len(segments) == 0 {
		seen := make(map[string]struct{})
		for _, root := range []any{prev, next} {
			m, _ := root.(map[string]any)
			for key := range m {
				if _, ok := seen[key]; !ok {
					seen[key] = struct{}{}
					tops = append(tops, key)
				}
			}
		}
	} else {
		tops = []string{segments[0]}
	}

	docs := make(map[string]any)
	for _, top := range tops {
		for _, root := range []any{prev, next} {
			for _, key := range documentKeys(root, top) {
				docSegments := strings.Split(key, "/")
				if related(docSegments, segments) {
					docs[key] = getIn(next, docSegments)
				}
			}
		}
	}
	return docs
}

func documentKeys(root any, top string) []string {
	m, _ := root.(map[string]any)
	value, ok := m[top]
	if !ok {
		return nil
	}
	children, ok := value.(map[string]any)
	if !ok {
		return []string{top}
	}
	keys := make([]string, 0, len(children))
	for child := range children {
		keys = append(keys, top+"/"+child)
	}
	return keys
}
