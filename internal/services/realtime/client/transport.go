package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/treasureparty/partysync/internal/services/realtime/link"
	"github.com/treasureparty/partysync/internal/services/realtime/protocol"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
)

// wsTransport is one authenticated websocket connection. Requests are
// correlated with replies by id; the read loop resolves pending requests.
type wsTransport struct {
	id      string
	ctx     context.Context
	send    chan []byte
	nextID  *atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
}

var _ link.Transport = (*wsTransport)(nil)

func newTransport(ctx context.Context, connectionID string, nextID *atomic.Uint64, buffer int) *wsTransport {
	return &wsTransport{
		id:      connectionID,
		ctx:     ctx,
		send:    make(chan []byte, buffer),
		nextID:  nextID,
		pending: make(map[uint64]chan protocol.Message),
	}
}

func (t *wsTransport) ID() string {
	return t.id
}

// resolve hands a reply to its waiting request. Unknown ids are dropped.
func (t *wsTransport) resolve(msg protocol.Message) {
	t.mu.Lock()
	ch, ok := t.pending[msg.ID]
	delete(t.pending, msg.ID)
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (t *wsTransport) forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *wsTransport) request(ctx context.Context, req protocol.Request) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}
	req.ID = t.nextID.Add(1)
	data, err := protocol.Encode(req)
	if err != nil {
		return protocol.Message{}, err
	}
	ch := make(chan protocol.Message, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()

	select {
	case t.send <- data:
	case <-t.ctx.Done():
		t.forget(req.ID)
		return protocol.Message{}, store.ErrDisconnected
	case <-ctx.Done():
		t.forget(req.ID)
		return protocol.Message{}, ctx.Err()
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg, msg.Error.Err()
		}
		return msg, nil
	case <-t.ctx.Done():
		t.forget(req.ID)
		return protocol.Message{}, store.ErrDisconnected
	case <-ctx.Done():
		t.forget(req.ID)
		return protocol.Message{}, ctx.Err()
	}
}

func (t *wsTransport) Get(ctx context.Context, path string) (any, string, error) {
	msg, err := t.request(ctx, protocol.Request{Op: protocol.OpGet, Path: path})
	if err != nil {
		return nil, "", err
	}
	return msg.Value, msg.Hash, nil
}

func (t *wsTransport) Set(ctx context.Context, path string, value any) error {
	op := protocol.OpSet
	if value == nil {
		op = protocol.OpRemove
	}
	_, err := t.request(ctx, protocol.Request{Op: op, Path: path, Value: value})
	return err
}

func (t *wsTransport) CompareAndSet(ctx context.Context, path, expectedHash string, value any) (link.CommitResult, error) {
	msg, err := t.request(ctx, protocol.Request{Op: protocol.OpTransact, Path: path, Value: value, Hash: expectedHash})
	if err != nil {
		return link.CommitResult{}, err
	}
	return link.CommitResult{Committed: msg.Committed, Value: msg.Value, Hash: msg.Hash}, nil
}

func (t *wsTransport) Subscribe(ctx context.Context, id uint64, path string) error {
	_, err := t.request(ctx, protocol.Request{Op: protocol.OpSubscribe, Path: path, Sub: id})
	return err
}

func (t *wsTransport) Unsubscribe(ctx context.Context, id uint64) error {
	_, err := t.request(ctx, protocol.Request{Op: protocol.OpUnsubscribe, Sub: id})
	return err
}

func (t *wsTransport) OnDisconnectRemove(ctx context.Context, path string) error {
	_, err := t.request(ctx, protocol.Request{Op: protocol.OpOnDisconnectRemove, Path: path})
	return err
}

func (t *wsTransport) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := t.request(ctx, protocol.Request{Op: protocol.OpOnDisconnectCancel, Path: path})
	return err
}
