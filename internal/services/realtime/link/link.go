// Package link implements store.Store on top of a connection-scoped
// Transport. It keeps subscriptions alive across reconnects, exposes the
// connectivity signal and runs the transaction retry loop.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
)

const unsubscribeTimeout = 5 * time.Second

// CommitResult is the outcome of a compare-and-set on the transport.
type CommitResult struct {
	Committed bool
	Value     any
	Hash      string
}

// Transport is one live connection to the store server. Subscription events
// are fed back through Link.Deliver.
type Transport interface {
	ID() string
	Get(ctx context.Context, path string) (value any, hash string, err error)
	Set(ctx context.Context, path string, value any) error
	CompareAndSet(ctx context.Context, path, expectedHash string, value any) (CommitResult, error)
	Subscribe(ctx context.Context, id uint64, path string) error
	Unsubscribe(ctx context.Context, id uint64) error
	OnDisconnectRemove(ctx context.Context, path string) error
	CancelOnDisconnect(ctx context.Context, path string) error
}

type subscription struct {
	id        uint64
	path      string
	connected bool
	attached  Transport
	onChange  func(store.Snapshot)
	onError   func(error)
}

// Link is a store.Store whose connection comes and goes.
type Link struct {
	mu        sync.Mutex
	transport Transport
	subs      map[uint64]*subscription
	nextID    uint64
	mailbox   *mailbox
	closed    bool
}

var _ store.Store = (*Link)(nil)

// New returns an offline link.
func New() *Link {
	return &Link{
		subs:    make(map[uint64]*subscription),
		mailbox: newMailbox(),
	}
}

// Attach brings the link online over t, re-establishing every subscription
// and then signalling connected=true.
func (l *Link) Attach(ctx context.Context, t Transport) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.transport = t
	var pending, signals []*subscription
	for _, sub := range l.subs {
		if sub.connected {
			signals = append(signals, sub)
			continue
		}
		if sub.attached != t {
			sub.attached = t
			pending = append(pending, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range pending {
		l.subscribeRemote(ctx, t, sub)
	}
	for _, sub := range signals {
		l.postConnected(sub, true)
	}
}

// Detach takes the link offline and signals connected=false. Remote
// subscriptions are considered lost with the transport.
func (l *Link) Detach() {
	l.mu.Lock()
	if l.transport == nil {
		l.mu.Unlock()
		return
	}
	l.transport = nil
	var signals []*subscription
	for _, sub := range l.subs {
		sub.attached = nil
		if sub.connected {
			signals = append(signals, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range signals {
		l.postConnected(sub, false)
	}
}

// Deliver hands a subscription event from the transport to its callback.
func (l *Link) Deliver(id uint64, path string, value any, writer string) {
	l.mu.Lock()
	_, ok := l.subs[id]
	l.mu.Unlock()
	if !ok {
		return
	}
	snap := store.NewSnapshot(path, value, writer)
	l.mailbox.post(func() {
		if sub := l.active(id); sub != nil {
			sub.onChange(snap)
		}
	})
}

// Connected reports whether a transport is attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport != nil
}

// Close detaches and stops callback delivery. Operations fail afterwards.
func (l *Link) Close() {
	l.Detach()
	l.mu.Lock()
	l.closed = true
	l.subs = make(map[uint64]*subscription)
	l.mu.Unlock()
	l.mailbox.close()
}

// ConnectionID returns the id of the attached transport, or "" offline.
func (l *Link) ConnectionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport == nil {
		return ""
	}
	return l.transport.ID()
}

// Get reads the value at path.
func (l *Link) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if store.IsConnectedPath(path) {
		return store.NewSnapshot(store.ConnectedPath, l.Connected(), ""), nil
	}
	t, err := l.current(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	value, _, err := t.Get(ctx, path)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(path, value, ""), nil
}

// Set replaces the value at path.
func (l *Link) Set(ctx context.Context, path string, value any) error {
	t, err := l.current(path)
	if err != nil {
		return err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return err
	}
	return t.Set(ctx, path, normalized)
}

// Remove deletes the node at path.
func (l *Link) Remove(ctx context.Context, path string) error {
	t, err := l.current(path)
	if err != nil {
		return err
	}
	return t.Set(ctx, path, nil)
}

// Push returns a time-ordered unique child key. Keys are generated locally,
// so Push works offline.
func (l *Link) Push(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := store.Split(path); err != nil {
		return "", err
	}
	return ulid.Make().String(), nil
}

// RunTransaction runs the compare-and-retry loop at path.
func (l *Link) RunTransaction(ctx context.Context, path string, update store.UpdateFunc) (store.Snapshot, error) {
	t, err := l.current(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	value, hash, err := t.Get(ctx, path)
	if err != nil {
		return store.Snapshot{}, err
	}
	for attempt := 0; attempt < store.MaxTransactionAttempts; attempt++ {
		next, err := update(store.Clone(value))
		if err != nil {
			return store.Snapshot{}, err
		}
		next, err = store.Normalize(next)
		if err != nil {
			return store.Snapshot{}, err
		}
		if t, err = l.current(path); err != nil {
			return store.Snapshot{}, err
		}
		result, err := t.CompareAndSet(ctx, path, hash, next)
		if err != nil {
			return store.Snapshot{}, err
		}
		if result.Committed {
			return store.NewSnapshot(path, result.Value, t.ID()), nil
		}
		value, hash = result.Value, result.Hash
	}
	return store.Snapshot{}, fmt.Errorf("%w: %s", store.ErrTooManyRetries, path)
}

// Subscribe registers onChange for path. The connectivity path is served
// locally; other paths are (re-)subscribed on every attached transport.
func (l *Link) Subscribe(path string, onChange func(store.Snapshot), onError func(error)) func() {
	if onChange == nil {
		onChange = func(store.Snapshot) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.mailbox.post(func() { onError(store.ErrClosed) })
		return func() {}
	}
	l.nextID++
	sub := &subscription{
		id:        l.nextID,
		path:      path,
		connected: store.IsConnectedPath(path),
		onChange:  onChange,
		onError:   onError,
	}
	l.subs[sub.id] = sub
	t := l.transport
	online := t != nil
	if !sub.connected && online {
		sub.attached = t
	}
	l.mu.Unlock()

	switch {
	case sub.connected:
		l.postConnected(sub, online)
	case online:
		l.subscribeRemote(context.Background(), t, sub)
	default:
		if _, err := store.Split(path); err != nil {
			l.postError(sub, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unsubscribe(sub.id) })
	}
}

// OnDisconnect returns the disconnect action builder for path.
func (l *Link) OnDisconnect(path string) store.DisconnectAction {
	return disconnectAction{link: l, path: path}
}

type disconnectAction struct {
	link *Link
	path string
}

func (a disconnectAction) Remove(ctx context.Context) error {
	t, err := a.link.current(a.path)
	if err != nil {
		return err
	}
	return t.OnDisconnectRemove(ctx, a.path)
}

func (a disconnectAction) Cancel(ctx context.Context) error {
	t, err := a.link.current(a.path)
	if err != nil {
		return err
	}
	return t.CancelOnDisconnect(ctx, a.path)
}

func (l *Link) current(path string) (Transport, error) {
	if _, err := store.Split(path); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, store.ErrClosed
	}
	if l.transport == nil {
		return nil, store.ErrDisconnected
	}
	return l.transport, nil
}

func (l *Link) active(id uint64) *subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[id]
}

func (l *Link) subscribeRemote(ctx context.Context, t Transport, sub *subscription) {
	if err := t.Subscribe(ctx, sub.id, sub.path); err != nil {
		l.mu.Lock()
		if sub.attached == t {
			sub.attached = nil
		}
		l.mu.Unlock()
		l.postError(sub, err)
	}
}

func (l *Link) unsubscribe(id uint64) {
	l.mu.Lock()
	sub, ok := l.subs[id]
	var t Transport
	if ok {
		delete(l.subs, id)
		t = sub.attached
	}
	l.mu.Unlock()
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	_ = t.Unsubscribe(ctx, id)
}

func (l *Link) postConnected(sub *subscription, connected bool) {
	snap := store.NewSnapshot(store.ConnectedPath, connected, "")
	l.mailbox.post(func() {
		if l.active(sub.id) != nil {
			sub.onChange(snap)
		}
	})
}

func (l *Link) postError(sub *subscription, err error) {
	l.mailbox.post(func() {
		if l.active(sub.id) != nil {
			sub.onError(err)
		}
	})
}
