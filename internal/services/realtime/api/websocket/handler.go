package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/treasureparty/partysync/internal/platform/id"
	"github.com/treasureparty/partysync/internal/platform/requestctx"
	"github.com/treasureparty/partysync/internal/platform/timeouts"
	"github.com/treasureparty/partysync/internal/services/realtime/protocol"
	"github.com/treasureparty/partysync/internal/services/realtime/token"
	"github.com/treasureparty/partysync/internal/services/realtime/tree"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Identities issues and verifies identity tokens.
type Identities interface {
	Issue(userID string) (string, error)
	Verify(raw string) (token.Claims, error)
}

// Settings tunes connection handling.
type Settings struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingPeriod   time.Duration
	AuthTimeout  time.Duration
	SendBuffer   int
	ReadLimit    int64
}

// DefaultSettings returns production settings.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: timeouts.WebsocketWrite,
		PongTimeout:  timeouts.WebsocketPong,
		PingPeriod:   timeouts.WebsocketPing,
		AuthTimeout:  timeouts.WebsocketAuth,
		SendBuffer:   256,
		ReadLimit:    1 << 20,
	}
}

// Option configures a Handler.
type Option func(*Handler)

// WithSettings overrides DefaultSettings.
func WithSettings(settings Settings) Option {
	return func(h *Handler) {
		h.settings = settings
	}
}

// WithUserIDGenerator overrides the id source for new anonymous users.
func WithUserIDGenerator(next func() (string, error)) Option {
	return func(h *Handler) {
		if next != nil {
			h.newUserID = next
		}
	}
}

// Handler upgrades HTTP requests to store connections.
type Handler struct {
	tree       *tree.Tree
	identities Identities
	newUserID  func() (string, error)
	settings   Settings
	upgrader   websocket.Upgrader
	active     atomic.Int64
	sessions   sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHandler creates a handler serving t.
func NewHandler(t *tree.Tree, identities Identities, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		ctx:        ctx,
		cancel:     cancel,
		tree:       t,
		identities: identities,
		newUserID:  id.NewID,
		settings:   DefaultSettings(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close ends every live connection and waits until their disconnect hooks
// have run. Hijacked connections are not covered by http.Server.Shutdown.
func (h *Handler) Close() {
	h.cancel()
	h.sessions.Wait()
}

// Active returns the number of live connections.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// ServeHTTP runs one connection until it ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error %s = %s\n", r.RemoteAddr, err)
		return
	}
	defer ws.Close()

	h.sessions.Add(1)
	defer h.sessions.Done()
	h.active.Add(1)
	defer h.active.Add(-1)

	authID, identity, err := h.authenticate(ws)
	if err != nil {
		glog.Infof("[ws]auth error %s = %s\n", r.RemoteAddr, err)
		return
	}

	s := newSession(h.ctx, h, ws, identity)
	s.run(authID)
}

// authenticate reads the auth frame. A missing, invalid or expired token
// yields a fresh anonymous identity instead of a rejection.
func (h *Handler) authenticate(ws *websocket.Conn) (uint64, protocol.Identity, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.settings.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return 0, protocol.Identity{}, err
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return 0, protocol.Identity{}, err
	}
	if req.Op != protocol.OpAuth {
		h.writeDirect(ws, protocol.ErrorReply(req.ID, status.Error(codes.Unauthenticated, "auth frame required")))
		return 0, protocol.Identity{}, fmt.Errorf("first frame op = %q", req.Op)
	}

	identity := protocol.Identity{Token: req.Token}
	if req.Token != "" {
		claims, err := h.identities.Verify(req.Token)
		if err == nil {
			identity.UserID = claims.UserID
		} else {
			glog.V(1).Infof("[ws]token rejected = %s\n", err)
		}
	}
	if identity.UserID == "" {
		userID, err := h.newUserID()
		if err != nil {
			return 0, protocol.Identity{}, err
		}
		signed, err := h.identities.Issue(userID)
		if err != nil {
			return 0, protocol.Identity{}, err
		}
		identity = protocol.Identity{UserID: userID, Token: signed}
	}
	return req.ID, identity, nil
}

func (h *Handler) writeDirect(ws *websocket.Conn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

var errSlowConsumer = errors.New("send buffer full")

type session struct {
	handler  *Handler
	ws       *websocket.Conn
	identity protocol.Identity
	conn     *tree.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelCauseFunc
}

func newSession(parent context.Context, h *Handler, ws *websocket.Conn, identity protocol.Identity) *session {
	s := &session{
		handler:  h,
		ws:       ws,
		identity: identity,
		send:     make(chan []byte, h.settings.SendBuffer),
	}
	// No events reach push before the first subscribe, so the context can
	// be built after Connect.
	s.conn = h.tree.Connect(s.push)
	s.identity.ConnectionID = s.conn.ID()
	caller := requestctx.Caller{UserID: identity.UserID, ConnectionID: s.conn.ID()}
	s.ctx, s.cancel = context.WithCancelCause(requestctx.WithCaller(parent, caller))
	return s
}

// push is the tree sink. It runs under the tree lock and must not block.
func (s *session) push(e tree.Event) {
	data, err := protocol.Encode(protocol.Message{
		Sub: e.Sub,
		Event: &protocol.Event{
			Path:   e.Path,
			Value:  e.Value,
			Exists: e.Value != nil,
			Writer: e.Writer,
		},
	})
	if err != nil {
		glog.Infof("[ws]%s encode event error = %s\n", s.conn.ID(), err)
		return
	}
	select {
	case s.send <- data:
	default:
		s.cancel(errSlowConsumer)
	}
}

func (s *session) run(authID uint64) {
	connID := s.conn.ID()
	glog.V(1).Infof("[ws]open %s user=%s\n", connID, s.identity.UserID)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump()
	}()

	reply := protocol.Reply(authID)
	identity := s.identity
	reply.Identity = &identity
	s.enqueue(reply)
	s.readPump()

	s.cancel(nil)
	<-writeDone
	// Hooks must run even though the request context is gone.
	if err := s.conn.Close(context.WithoutCancel(s.ctx)); err != nil {
		glog.Infof("[ws]%s disconnect hooks error = %s\n", connID, err)
	}
	glog.V(1).Infof("[ws]close %s cause=%v\n", connID, context.Cause(s.ctx))
}

func (s *session) readPump() {
	settings := s.handler.settings
	s.ws.SetReadLimit(settings.ReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	})

	for {
		if s.ctx.Err() != nil {
			return
		}
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[wr]%s<- error = %s\n", s.conn.ID(), err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[wr]other=%d %s<-\n", messageType, s.conn.ID())
			continue
		}
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			s.enqueue(protocol.ErrorReply(0, status.Error(codes.InvalidArgument, err.Error())))
			continue
		}
		glog.V(2).Infof("[wr]%s<- %s %s\n", s.conn.ID(), req.Op, req.Path)
		s.enqueue(s.handle(req))
	}
}

func (s *session) writePump() {
	settings := s.handler.settings
	ticker := time.NewTicker(settings.PingPeriod)
	defer func() {
		ticker.Stop()
		// Unblock the read pump.
		_ = s.ws.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(settings.WriteTimeout))
			return
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Infof("[ws]%s-> error = %s\n", s.conn.ID(), err)
				s.cancel(err)
				return
			}
			glog.V(2).Infof("[ws]%s->\n", s.conn.ID())
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel(err)
				return
			}
		}
	}
}

func (s *session) enqueue(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		data, _ = protocol.Encode(protocol.ErrorReply(msg.ID, err))
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *session) handle(req protocol.Request) protocol.Message {
	ctx := s.ctx
	switch req.Op {
	case protocol.OpGet:
		value, hash, err := s.conn.Get(ctx, req.Path)
		if err != nil {
			return protocol.ErrorReply(req.ID, err)
		}
		msg := protocol.Reply(req.ID)
		msg.Value, msg.Exists, msg.Hash = value, value != nil, hash
		return msg
	case protocol.OpSet:
		return s.result(req.ID, s.conn.Set(ctx, req.Path, req.Value))
	case protocol.OpRemove:
		return s.result(req.ID, s.conn.Remove(ctx, req.Path))
	case protocol.OpTransact:
		result, err := s.conn.CompareAndSet(ctx, req.Path, req.Hash, req.Value)
		if err != nil {
			return protocol.ErrorReply(req.ID, err)
		}
		msg := protocol.Reply(req.ID)
		msg.Committed = result.Committed
		msg.Value, msg.Exists, msg.Hash = result.Value, result.Value != nil, result.Hash
		return msg
	case protocol.OpSubscribe:
		return s.result(req.ID, s.conn.Subscribe(req.Sub, req.Path))
	case protocol.OpUnsubscribe:
		s.conn.Unsubscribe(req.Sub)
		return protocol.Reply(req.ID)
	case protocol.OpOnDisconnectRemove:
		return s.result(req.ID, s.conn.OnDisconnectRemove(req.Path))
	case protocol.OpOnDisconnectCancel:
		return s.result(req.ID, s.conn.CancelOnDisconnect(req.Path))
	case protocol.OpAuth:
		return protocol.ErrorReply(req.ID, status.Error(codes.FailedPrecondition, "already authenticated"))
	default:
		return protocol.ErrorReply(req.ID, status.Errorf(codes.Unimplemented, "unknown op %q", req.Op))
	}
}

func (s *session) result(id uint64, err error) protocol.Message {
	if err != nil {
		return protocol.ErrorReply(id, err)
	}
	return protocol.Reply(id)
}
