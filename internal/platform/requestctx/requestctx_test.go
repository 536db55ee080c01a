package requestctx

import (
	"context"
	"testing"
)

func TestCallerRoundTrip(t *testing.T) {
	ctx := WithCaller(context.Background(), Caller{UserID: "u1", ConnectionID: "c1"})
	got, ok := CallerFrom(ctx)
	if !ok || got.UserID != "u1" || got.ConnectionID != "c1" {
		t.Fatalf("CallerFrom = %+v, %v", got, ok)
	}
	if got.String() != "user=u1 conn=c1" {
		t.Fatalf("String = %q", got.String())
	}
}

func TestCallerMissing(t *testing.T) {
	if _, ok := CallerFrom(context.Background()); ok {
		t.Fatal("expected no caller")
	}
	//nolint:staticcheck // nil context is tolerated
	if _, ok := CallerFrom(nil); ok {
		t.Fatal("expected no caller for nil context")
	}
	if got := (Caller{}).String(); got != "anonymous" {
		t.Fatalf("String = %q", got)
	}
}

func TestWithCallerNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is tolerated
	ctx := WithCaller(nil, Caller{UserID: "u2"})
	if got, _ := CallerFrom(ctx); got.UserID != "u2" {
		t.Fatalf("UserID = %q", got.UserID)
	}
}
