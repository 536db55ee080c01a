package store

import (
	"context"
	"errors"
)

// ConnectedPath is the reserved path exposing the connectivity signal. A
// subscription to it receives a boolean snapshot on every transition.
const ConnectedPath = ".info/connected"

// MaxTransactionAttempts bounds the compare-and-retry loop of RunTransaction.
const MaxTransactionAttempts = 25

var (
	// ErrDisconnected is returned by operations attempted while the
	// connection to the store is down.
	ErrDisconnected = errors.New("store: not connected")
	// ErrClosed is returned after the store handle has been closed.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidPath is returned for malformed or reserved paths.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrInvalidValue is returned for values that are not JSON-shaped.
	ErrInvalidValue = errors.New("store: invalid value")
	// ErrAbort may be returned by an UpdateFunc to abandon a transaction
	// without writing.
	ErrAbort = errors.New("store: transaction aborted")
	// ErrTooManyRetries is returned when a transaction keeps conflicting.
	ErrTooManyRetries = errors.New("store: transaction retries exhausted")
	// ErrUnauthenticated is returned when the server rejects the identity.
	ErrUnauthenticated = errors.New("store: unauthenticated")
)

// UpdateFunc computes the next value of a transaction from the current one.
// It may run several times and must not have side effects. current is a
// private copy and may be modified in place. Returning nil removes the node.
type UpdateFunc func(current any) (any, error)

// DisconnectAction is a cleanup registered with the server, executed when
// the server detects that this connection has gone away.
type DisconnectAction interface {
	// Remove deletes the target path on disconnect.
	Remove(ctx context.Context) error
	// Cancel drops any action registered for the target path.
	Cancel(ctx context.Context) error
}

// Store is the remote synchronized store contract.
type Store interface {
	// Get reads the current value at path.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the value at path. A nil value removes the node.
	Set(ctx context.Context, path string, value any) error
	// Push returns a new unique, time-ordered child key under path. It
	// does not write anything.
	Push(ctx context.Context, path string) (string, error)
	// Remove deletes the node at path.
	Remove(ctx context.Context, path string) error
	// RunTransaction applies update against the latest value at path,
	// re-running it on conflicting concurrent writes until the commit is
	// clean. It returns the committed snapshot.
	RunTransaction(ctx context.Context, path string, update UpdateFunc) (Snapshot, error)
	// Subscribe delivers the current value at path immediately and then
	// on every change. Errors are reported to onError; the subscription
	// stays registered. The returned function unsubscribes.
	Subscribe(path string, onChange func(Snapshot), onError func(error)) (unsubscribe func())
	// OnDisconnect returns the disconnect action builder for path.
	OnDisconnect(path string) DisconnectAction
	// ConnectionID identifies the current connection. Snapshots produced
	// by this connection's writes carry it as Writer.
	ConnectionID() string
}
