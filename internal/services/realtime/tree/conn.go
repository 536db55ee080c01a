package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/treasureparty/partysync/internal/services/realtime/store"
)

// Result is the outcome of CompareAndSet. Value and Hash describe the node
// after the call: the committed value, or the conflicting current value.
type Result struct {
	Committed bool
	Value     any
	Hash      string
}

type subscription struct {
	id       uint64
	path     string
	segments []string
	hash     string
}

// Conn is one client connection to the tree. It owns subscriptions and
// disconnect hooks; Close runs the hooks.
type Conn struct {
	tree   *Tree
	id     string
	sink   Sink
	subs   map[uint64]*subscription
	hooks  map[string][]string
	closed bool
}

// ID returns the connection id stamped on this connection's writes.
func (c *Conn) ID() string {
	return c.id
}

// Get returns the value at path and its hash.
func (c *Conn) Get(ctx context.Context, path string) (any, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	segments, err := store.Split(path)
	if err != nil {
		return nil, "", err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.closed {
		return nil, "", store.ErrClosed
	}
	value := getIn(c.tree.root, segments)
	return store.Clone(value), store.Hash(value), nil
}

// Set replaces the value at path. A nil value removes the node.
func (c *Conn) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segments, err := store.Split(path)
	if err != nil {
		return err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	return c.tree.commit(ctx, c.id, segments, normalized)
}

// Remove deletes the node at path.
func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

// CompareAndSet writes value only if the current value at path still
// hashes to expectedHash.
func (c *Conn) CompareAndSet(ctx context.Context, path, expectedHash string, value any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	segments, err := store.Split(path)
	if err != nil {
		return Result{}, err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return Result{}, err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.closed {
		return Result{}, store.ErrClosed
	}
	current := getIn(c.tree.root, segments)
	if hash := store.Hash(current); hash != expectedHash {
		return Result{Value: store.Clone(current), Hash: hash}, nil
	}
	if err := c.tree.commit(ctx, c.id, segments, normalized); err != nil {
		return Result{}, err
	}
	committed := getIn(c.tree.root, segments)
	return Result{Committed: true, Value: store.Clone(committed), Hash: store.Hash(committed)}, nil
}

// Subscribe registers subscription id on path and emits the current value
// to the sink before returning.
func (c *Conn) Subscribe(id uint64, path string) error {
	segments, err := store.Split(path)
	if err != nil {
		return err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	if _, ok := c.subs[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateSubscription, id)
	}
	value := getIn(c.tree.root, segments)
	sub := &subscription{
		id:       id,
		path:     strings.Join(segments, "/"),
		segments: segments,
		hash:     store.Hash(value),
	}
	c.subs[id] = sub
	c.sink(Event{Sub: id, Path: sub.path, Value: store.Clone(value)})
	return nil
}

// Unsubscribe drops subscription id. Unknown ids are ignored.
func (c *Conn) Unsubscribe(id uint64) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	delete(c.subs, id)
}

// OnDisconnectRemove schedules removal of path when the connection closes.
func (c *Conn) OnDisconnectRemove(path string) error {
	segments, err := store.Split(path)
	if err != nil {
		return err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	c.hooks[strings.Join(segments, "/")] = segments
	return nil
}

// CancelOnDisconnect drops hooks registered at path or below it.
func (c *Conn) CancelOnDisconnect(path string) error {
	segments, err := store.Split(path)
	if err != nil {
		return err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	for key, hook := range c.hooks {
		if len(hook) >= len(segments) && related(hook, segments) {
			delete(c.hooks, key)
		}
	}
	return nil
}

// Close runs the disconnect hooks and detaches the connection. It is safe to
// call more than once.
func (c *Conn) Close(ctx context.Context) error {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.tree.conns, c.id)
	c.subs = nil

	keys := make([]string, 0, len(c.hooks))
	for key := range c.hooks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var errs []error
	for _, key := range keys {
		if err := c.tree.commit(ctx, c.id, c.hooks[key], nil); err != nil {
			errs = append(errs, fmt.Errorf("disconnect hook %s: %w", key, err))
		}
	}
	c.hooks = nil
	return errors.Join(errs...)
}

func (c *Conn) subscriptionIDs() []uint64 {
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
