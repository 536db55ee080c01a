// Package memory provides an in-process store.Store over a shared tree. All
// stores created from the same tree see each other's writes, which makes it
// the store used by tests and by single-process tools.
package memory

import (
	"context"
	"log"
	"sync"

	"github.com/treasureparty/partysync/internal/services/realtime/link"
	"github.com/treasureparty/partysync/internal/services/realtime/tree"
)

// Store is one simulated client connection to a tree.
type Store struct {
	*link.Link

	tree *tree.Tree
	mu   sync.Mutex
	conn *tree.Conn
}

// New connects a new client to t.
func New(t *tree.Tree) *Store {
	s := &Store{Link: link.New(), tree: t}
	s.GoOnline()
	return s
}

// GoOnline opens a fresh connection. Subscriptions are re-established and
// the connectivity signal turns true.
func (s *Store) GoOnline() {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return
	}
	conn := s.tree.Connect(func(e tree.Event) {
		s.Link.Deliver(e.Sub, e.Path, e.Value, e.Writer)
	})
	s.conn = conn
	s.mu.Unlock()

	s.Link.Attach(context.Background(), transport{conn: conn})
}

// GoOffline drops the connection the way a lost transport would: the
// server runs this connection's disconnect hooks.
func (s *Store) GoOffline() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.Link.Detach()
	if err := conn.Close(context.Background()); err != nil {
		log.Printf("memory store: disconnect hooks conn=%s: %v", conn.ID(), err)
	}
}

// Close goes offline and stops callback delivery.
func (s *Store) Close() {
	s.GoOffline()
	s.Link.Close()
}

type transport struct {
	conn *tree.Conn
}

func (t transport) ID() string {
	return t.conn.ID()
}

func (t transport) Get(ctx context.Context, path string) (any, string, error) {
	return t.conn.Get(ctx, path)
}

func (t transport) Set(ctx context.Context, path string, value any) error {
	return t.conn.Set(ctx, path, value)
}

func (t transport) CompareAndSet(ctx context.Context, path, expectedHash string, value any) (link.CommitResult, error) {
	result, err := t.conn.CompareAndSet(ctx, path, expectedHash, value)
	if err != nil {
		return link.CommitResult{}, err
	}
	return link.CommitResult{Committed: result.Committed, Value: result.Value, Hash: result.Hash}, nil
}

func (t transport) Subscribe(_ context.Context, id uint64, path string) error {
	return t.conn.Subscribe(id, path)
}

func (t transport) Unsubscribe(_ context.Context, id uint64) error {
	t.conn.Unsubscribe(id)
	return nil
}

func (t transport) OnDisconnectRemove(_ context.Context, path string) error {
	return t.conn.OnDisconnectRemove(path)
}

func (t transport) CancelOnDisconnect(_ context.Context, path string) error {
	return t.conn.CancelOnDisconnect(path)
}
