// Package protocol defines the JSON frames exchanged between the store
// server and its clients over a websocket.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/treasureparty/partysync/internal/services/realtime/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Op names a client request.
type Op string

const (
	OpAuth               Op = "auth"
	OpGet                Op = "get"
	OpSet                Op = "set"
	OpRemove             Op = "remove"
	OpTransact           Op = "transact"
	OpSubscribe          Op = "subscribe"
	OpUnsubscribe        Op = "unsubscribe"
	OpOnDisconnectRemove Op = "ondisconnect_remove"
	OpOnDisconnectCancel Op = "ondisconnect_cancel"
)

// Request is a client to server frame.
type Request struct {
	ID    uint64 `json:"id"`
	Op    Op     `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
	// Hash is the expected current value hash for transact.
	Hash string `json:"hash,omitempty"`
	// Sub is the client-assigned subscription id.
	Sub uint64 `json:"sub,omitempty"`
	// Token is the saved identity token for auth, if any.
	Token string `json:"token,omitempty"`
}

// Error is the error part of a reply.
type Error struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

// Identity is the auth reply payload.
type Identity struct {
	UserID       string `json:"userId"`
	Token        string `json:"token"`
	ConnectionID string `json:"connectionId"`
}

// Event is a subscription change pushed by the server.
type Event struct {
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
	Exists bool   `json:"exists"`
	Writer string `json:"writer,omitempty"`
}

// Message is a server to client frame: a reply when ID is set, a push when
// Event is set.
type Message struct {
	ID        uint64    `json:"id,omitempty"`
	OK        bool      `json:"ok,omitempty"`
	Value     any       `json:"value,omitempty"`
	Exists    bool      `json:"exists,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	Committed bool      `json:"committed,omitempty"`
	Identity  *Identity `json:"identity,omitempty"`
	Error     *Error    `json:"error,omitempty"`
	Sub       uint64    `json:"sub,omitempty"`
	Event     *Event    `json:"event,omitempty"`
}

// Encode marshals a frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeRequest unmarshals a client frame.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Op == "" {
		return Request{}, fmt.Errorf("decode request: missing op")
	}
	return req, nil
}

// DecodeMessage unmarshals a server frame.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Reply builds a successful reply to id.
func Reply(id uint64) Message {
	return Message{ID: id, OK: true}
}

// ErrorReply builds a failed reply to id from err.
func ErrorReply(id uint64, err error) Message {
	code := CodeOf(err)
	return Message{ID: id, Error: &Error{Code: code, Message: err.Error()}}
}

// CodeOf maps a store error to a canonical status code.
func CodeOf(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, store.ErrInvalidPath), errors.Is(err, store.ErrInvalidValue):
		return codes.InvalidArgument
	case errors.Is(err, store.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrDisconnected):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Internal
}

// Err rebuilds the error carried by a reply. The result wraps the matching
// store sentinel where one exists and always unwraps to a status error.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	cause := status.Error(e.Code, e.Message)
	switch e.Code {
	case codes.InvalidArgument:
		if strings.Contains(e.Message, store.ErrInvalidValue.Error()) {
			return fmt.Errorf("%w: %w", store.ErrInvalidValue, cause)
		}
		return fmt.Errorf("%w: %w", store.ErrInvalidPath, cause)
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %w", store.ErrUnauthenticated, cause)
	case codes.Unavailable:
		return fmt.Errorf("%w: %w", store.ErrDisconnected, cause)
	default:
		return cause
	}
}
