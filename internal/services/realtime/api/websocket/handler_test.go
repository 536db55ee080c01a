package websocket

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/treasureparty/partysync/internal/services/realtime/protocol"
	"github.com/treasureparty/partysync/internal/services/realtime/token"
	"github.com/treasureparty/partysync/internal/services/realtime/tree"
	"google.golang.org/grpc/codes"
)

func startHandler(t *testing.T, opts ...Option) (*Handler, *tree.Tree, *token.Issuer, string) {
	t.Helper()
	issuer, err := token.NewIssuer(bytes.Repeat([]byte{0x22}, 32))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	tr := tree.New()
	handler := NewHandler(tr, issuer, opts...)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return handler, tr, issuer, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, req protocol.Request) {
	t.Helper()
	data, err := protocol.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func receive(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	return msg
}

func authenticate(t *testing.T, ws *websocket.Conn, saved string) protocol.Identity {
	t.Helper()
	send(t, ws, protocol.Request{ID: 1, Op: protocol.OpAuth, Token: saved})
	msg := receive(t, ws)
	assert.Equal(t, msg.ID, uint64(1))
	if msg.Identity == nil {
		t.Fatalf("auth reply = %+v, want identity", msg)
	}
	return *msg.Identity
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	_, _, _, url := startHandler(t)
	ws := dialRaw(t, url)

	send(t, ws, protocol.Request{ID: 5, Op: protocol.OpGet, Path: "a"})
	msg := receive(t, ws)
	assert.Equal(t, msg.ID, uint64(5))
	if msg.Error == nil {
		t.Fatal("expected error reply")
	}
	assert.Equal(t, msg.Error.Code, codes.Unauthenticated)
}

func TestAuthIssuesAndHonorsTokens(t *testing.T) {
	_, _, issuer, url := startHandler(t, WithUserIDGenerator(func() (string, error) { return "user-fixed", nil }))

	fresh := authenticate(t, dialRaw(t, url), "")
	assert.Equal(t, fresh.UserID, "user-fixed")
	assert.NotEqual(t, fresh.Token, "")
	assert.NotEqual(t, fresh.ConnectionID, "")

	existing, err := issuer.Issue("user-existing")
	assert.Equal(t, err, nil)
	again := authenticate(t, dialRaw(t, url), existing)
	assert.Equal(t, again.UserID, "user-existing")
	assert.Equal(t, again.Token, existing)

	forged := authenticate(t, dialRaw(t, url), "forged.token.value")
	assert.Equal(t, forged.UserID, "user-fixed")
}

func TestRequestsAndPushes(t *testing.T) {
	_, _, _, url := startHandler(t)
	ws := dialRaw(t, url)
	identity := authenticate(t, ws, "")

	send(t, ws, protocol.Request{ID: 2, Op: protocol.OpSubscribe, Path: "parties/A/members", Sub: 1})
	initial := receive(t, ws)
	assert.Equal(t, initial.Sub, uint64(1))
	assert.Equal(t, initial.Event.Exists, false)
	assert.Equal(t, receive(t, ws).OK, true)

	send(t, ws, protocol.Request{ID: 3, Op: protocol.OpSet, Path: "parties/A/members/u1", Value: map[string]any{"nickname": "Al"}})
	push := receive(t, ws)
	assert.Equal(t, push.Event.Writer, identity.ConnectionID)
	assert.Equal(t, push.Event.Exists, true)
	reply := receive(t, ws)
	assert.Equal(t, reply.ID, uint64(3))
	assert.Equal(t, reply.OK, true)

	send(t, ws, protocol.Request{ID: 4, Op: protocol.OpGet, Path: "parties/A/members/u1/nickname"})
	got := receive(t, ws)
	assert.Equal(t, got.Value, "Al")
	assert.NotEqual(t, got.Hash, "")

	send(t, ws, protocol.Request{ID: 5, Op: protocol.OpTransact, Path: "parties/A/members/u1/nickname", Hash: "stale", Value: "Bo"})
	conflict := receive(t, ws)
	assert.Equal(t, conflict.Committed, false)
	assert.Equal(t, conflict.Value, "Al")

	send(t, ws, protocol.Request{ID: 6, Op: protocol.OpTransact, Path: "parties/A/members/u1/nickname", Hash: conflict.Hash, Value: "Bo"})
	receive(t, ws) // push
	committed := receive(t, ws)
	assert.Equal(t, committed.Committed, true)
	assert.Equal(t, committed.Value, "Bo")

	send(t, ws, protocol.Request{ID: 7, Op: protocol.OpSet, Path: "bad.path", Value: 1})
	invalid := receive(t, ws)
	assert.Equal(t, invalid.Error.Code, codes.InvalidArgument)

	send(t, ws, protocol.Request{ID: 8, Op: "explode"})
	unknown := receive(t, ws)
	assert.Equal(t, unknown.Error.Code, codes.Unimplemented)
}

func TestDroppedConnectionRunsHooks(t *testing.T) {
	handler, tr, _, url := startHandler(t)
	ws := dialRaw(t, url)
	authenticate(t, ws, "")

	send(t, ws, protocol.Request{ID: 2, Op: protocol.OpSet, Path: "parties/A/members/u1", Value: "here"})
	receive(t, ws)
	send(t, ws, protocol.Request{ID: 3, Op: protocol.OpOnDisconnectRemove, Path: "parties/A/members/u1"})
	assert.Equal(t, receive(t, ws).OK, true)

	_ = ws.Close()

	probe := tr.Connect(func(tree.Event) {})
	deadline := time.Now().Add(5 * time.Second)
	for {
		value, _, err := probe.Get(t.Context(), "parties/A/members/u1")
		assert.Equal(t, err, nil)
		if value == nil && handler.Active() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("member still present (%v) or connections active (%d)", value, handler.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
