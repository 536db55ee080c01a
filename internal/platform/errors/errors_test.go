package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodePartyFull, "party is full")
	err := fmt.Errorf("join: %w", WithMetadata(CodePartyFull, "party is full", map[string]string{"Max": "8"}))
	if !errors.Is(err, sentinel) {
		t.Fatal("expected errors.Is to match by code")
	}
	if errors.Is(err, New(CodePartyExpired, "expired")) {
		t.Fatal("expected different codes not to match")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("websocket closed")
	err := Wrap(CodeStoreUnavailable, "get party", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to remain reachable")
	}
	if err.Error() != "get party: websocket closed" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCodeKinds(t *testing.T) {
	tests := map[Code]Kind{
		CodeInvalidCodeFormat:       KindValidation,
		CodeNicknameEmpty:           KindValidation,
		CodePartyNotFound:           KindNotFound,
		CodeEntryNotFound:           KindNotFound,
		CodePartyFull:               KindCapacity,
		CodeNotInParty:              KindState,
		CodeCodeGenerationExhausted: KindState,
		CodePartyExpired:            KindExpiry,
		CodeStoreUnavailable:        KindTransport,
		Code("OTHER"):               KindUnknown,
	}
	for code, want := range tests {
		if got := code.Kind(); got != want {
			t.Fatalf("%s kind = %s, want %s", code, got, want)
		}
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("expected unknown kind for foreign error")
	}
	if !IsKind(New(CodePartyExpired, "x"), KindExpiry) {
		t.Fatal("expected expiry kind")
	}
	if IsKind(nil, KindUnknown) {
		t.Fatal("nil error should not match any kind")
	}
	if GetMetadata(WithMetadata(CodePartyFull, "x", map[string]string{"Max": "8"}))["Max"] != "8" {
		t.Fatal("expected metadata")
	}
}
