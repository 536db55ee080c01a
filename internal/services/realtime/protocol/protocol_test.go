package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/treasureparty/partysync/internal/services/realtime/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDecodeRequest(t *testing.T) {
	t.Parallel()

	req, err := DecodeRequest([]byte(`{"id":3,"op":"set","path":"a/b","value":{"x":1}}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.ID != 3 || req.Op != OpSet || req.Path != "a/b" {
		t.Fatalf("request = %+v", req)
	}
	if req.Value.(map[string]any)["x"] != float64(1) {
		t.Fatalf("value = %v", req.Value)
	}

	if _, err := DecodeRequest([]byte(`{"id":1}`)); err == nil {
		t.Fatal("expected error for missing op")
	}
	if _, err := DecodeRequest([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}

func TestEventFrameKeepsFalseValues(t *testing.T) {
	t.Parallel()

	data, err := Encode(Message{Sub: 2, Event: &Event{Path: "p", Value: false, Exists: true}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Event == nil || msg.Event.Value != false || !msg.Event.Exists {
		t.Fatalf("event = %+v", msg.Event)
	}
}

func TestErrorRoundTripPreservesSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code codes.Code
		want error
	}{
		{err: fmt.Errorf("%w: bad", store.ErrInvalidPath), code: codes.InvalidArgument, want: store.ErrInvalidPath},
		{err: fmt.Errorf("%w: chan", store.ErrInvalidValue), code: codes.InvalidArgument, want: store.ErrInvalidValue},
		{err: store.ErrUnauthenticated, code: codes.Unauthenticated, want: store.ErrUnauthenticated},
		{err: store.ErrClosed, code: codes.Unavailable, want: store.ErrDisconnected},
		{err: context.Canceled, code: codes.Canceled},
		{err: errors.New("boom"), code: codes.Internal},
	}
	for _, tc := range tests {
		reply := ErrorReply(9, tc.err)
		if reply.Error.Code != tc.code {
			t.Fatalf("code for %v = %v, want %v", tc.err, reply.Error.Code, tc.code)
		}
		rebuilt := reply.Error.Err()
		if tc.want != nil && !errors.Is(rebuilt, tc.want) {
			t.Fatalf("rebuilt %v does not match %v", rebuilt, tc.want)
		}
		if status.Code(rebuilt) != tc.code {
			t.Fatalf("status code = %v, want %v", status.Code(rebuilt), tc.code)
		}
	}
}
