package domain

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	apperrors "github.com/treasureparty/partysync/internal/platform/errors"
)

func TestGenerateCodeUsesAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode(nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := ValidateCode(code); err != nil {
			t.Fatalf("code %q invalid: %v", code, err)
		}
	}
}

func TestGenerateCodeSkipsBiasedBytes(t *testing.T) {
	// 255 is above the unbiased limit and must be dropped.
	src := bytes.NewReader(append(bytes.Repeat([]byte{255}, 16), 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15))
	code, err := GenerateCode(src)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "ABCDEFGH" {
		t.Fatalf("code = %q, want %q", code, "ABCDEFGH")
	}
}

func TestGenerateCodeShortReader(t *testing.T) {
	if _, err := GenerateCode(bytes.NewReader([]byte{1, 2})); err == nil {
		t.Fatal("expected error from short reader")
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"  abcd2345 ": "ABCD2345",
		"ＡＢＣＤ２３４５":    "ABCD2345",
		"AbCd":        "ABCD",
	}
	for in, want := range tests {
		if got := NormalizeCode(in); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateCode(t *testing.T) {
	valid := []string{"ABCD2345", "ZZZZ9999", "HJKMNPQR"}
	for _, code := range valid {
		if err := ValidateCode(code); err != nil {
			t.Fatalf("ValidateCode(%q) = %v", code, err)
		}
	}
	invalid := []string{"", "ABC", "ABCD23456", "ABCD234O", "ABCD2341", "ABCDI234", "abcd2345", "ABCD-234"}
	for _, code := range invalid {
		err := ValidateCode(code)
		if !errors.Is(err, ErrInvalidCodeFormat) {
			t.Fatalf("ValidateCode(%q) = %v, want invalid format", code, err)
		}
		if !apperrors.IsKind(err, apperrors.KindValidation) {
			t.Fatalf("ValidateCode(%q) kind = %s", code, apperrors.KindOf(err))
		}
	}
}

func TestNormalizeNickname(t *testing.T) {
	tests := map[string]string{
		"  Ann  ":   "Ann",
		"Ann   Lee": "Ann Lee",
		"Ａｎｎ":       "Ann",
		"école":    "école",
		"   ":       "",
	}
	for in, want := range tests {
		if got := NormalizeNickname(in); got != want {
			t.Fatalf("NormalizeNickname(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultNickname(t *testing.T) {
	if got := DefaultNickname("01HZX9ABC"); got != "Player 01HZ" {
		t.Fatalf("DefaultNickname = %q", got)
	}
	if got := DefaultNickname("ab"); got != "Player ab" {
		t.Fatalf("DefaultNickname short = %q", got)
	}
}

func TestMetaExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	if (Meta{}).Expired(now) {
		t.Fatal("zero expiresAt should not expire")
	}
	if (Meta{ExpiresAt: 1_000_000}).Expired(now) {
		t.Fatal("expiresAt equal to now should not expire")
	}
	if !(Meta{ExpiresAt: 999_999}).Expired(now) {
		t.Fatal("expected expired")
	}
}

func TestSortRoute(t *testing.T) {
	entries := []RouteEntry{
		{Key: "k1", Order: 2, Completed: true},
		{Key: "k2", Order: 3},
		{Key: "k3", Order: 1},
		{Key: "k4", Order: 1, Completed: true},
		{Key: "k0", Order: 3},
	}
	SortRoute(entries)
	want := []string{"k3", "k0", "k2", "k4", "k1"}
	for i, key := range want {
		if entries[i].Key != key {
			t.Fatalf("entries[%d] = %s, want %s (%+v)", i, entries[i].Key, key, entries)
		}
	}
}

func TestSortRouteProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		n := rng.Intn(20)
		entries := make([]RouteEntry, n)
		for i := range entries {
			entries[i] = RouteEntry{
				Key:       string(rune('a' + rng.Intn(26))),
				Order:     float64(rng.Intn(5)),
				Completed: rng.Intn(2) == 0,
			}
		}
		SortRoute(entries)
		for i := 1; i < len(entries); i++ {
			prev, cur := entries[i-1], entries[i]
			if prev.Completed && !cur.Completed {
				t.Fatalf("completed entry before incomplete: %+v", entries)
			}
			if prev.Completed == cur.Completed && prev.Order > cur.Order {
				t.Fatalf("order not ascending within group: %+v", entries)
			}
		}
	}
}

func TestDecodeParty(t *testing.T) {
	doc := map[string]any{
		"meta": map[string]any{"createdAt": float64(10), "createdBy": "u1", "expiresAt": float64(99)},
		"members": map[string]any{
			"u2": map[string]any{"nickname": "Bo", "joinedAt": float64(20)},
			"u1": map[string]any{"nickname": "Al", "isLeader": true, "joinedAt": float64(10)},
		},
		"treasures": map[string]any{
			"t2": map[string]any{"id": "g1", "mapId": "m", "coords": map[string]any{"x": 1.5, "y": 2.0}, "order": float64(1), "completed": true},
			"t1": map[string]any{"id": "g2", "mapId": "m", "order": float64(2)},
		},
	}
	party, err := DecodeParty("ABCD2345", doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if party.Meta.ExpiresAt != 99 || party.Meta.CreatedBy != "u1" {
		t.Fatalf("meta = %+v", party.Meta)
	}
	if len(party.Members) != 2 || party.Members[0].ID != "u1" || party.Members[1].ID != "u2" {
		t.Fatalf("members = %+v", party.Members)
	}
	leader, ok := party.Leader()
	if !ok || leader.ID != "u1" {
		t.Fatalf("leader = %+v, %v", leader, ok)
	}
	if len(party.Route) != 2 || party.Route[0].Key != "t1" || party.Route[1].Ref != "g1" {
		t.Fatalf("route = %+v", party.Route)
	}
	if party.Route[1].Coords.X != 1.5 {
		t.Fatalf("coords = %+v", party.Route[1].Coords)
	}
}

func TestDecodeRouteKeepsDecodableEntries(t *testing.T) {
	route, err := DecodeRoute(map[string]any{
		"a": map[string]any{"id": "g1", "order": 1.5},
		"b": map[string]any{"id": "g2", "order": "second"},
		"c": map[string]any{"id": "g3", "order": float64(1)},
	})
	var malformed *MalformedRouteError
	if !errors.As(err, &malformed) || len(malformed.Keys) != 1 || malformed.Keys[0] != "b" {
		t.Fatalf("error = %v, want entry b reported", err)
	}
	if len(route) != 2 || route[0].Key != "c" || route[1].Key != "a" || route[1].Order != 1.5 {
		t.Fatalf("route = %+v", route)
	}

	party, err := DecodeParty("ABCD2345", map[string]any{
		"meta":      map[string]any{"expiresAt": float64(5)},
		"treasures": map[string]any{"b": map[string]any{"order": "second"}},
	})
	if !errors.As(err, &malformed) || party.Meta.ExpiresAt != 5 || len(party.Route) != 0 {
		t.Fatalf("party = %+v, err = %v", party, err)
	}
}

func TestHasMeta(t *testing.T) {
	if HasMeta(nil) || HasMeta(map[string]any{"treasures": map[string]any{}}) {
		t.Fatal("document without header reported as having one")
	}
	if !HasMeta(map[string]any{"meta": map[string]any{"expiresAt": float64(1)}}) {
		t.Fatal("header not found")
	}
}

func TestDecodeEmpty(t *testing.T) {
	members, err := DecodeMembers(nil)
	if err != nil || len(members) != 0 {
		t.Fatalf("members = %v, %v", members, err)
	}
	route, err := DecodeRoute(nil)
	if err != nil || len(route) != 0 {
		t.Fatalf("route = %v, %v", route, err)
	}
}

func TestMaxOrder(t *testing.T) {
	if MaxOrder(nil) != 0 {
		t.Fatal("expected 0 for empty route")
	}
	if got := MaxOrder([]RouteEntry{{Order: 3}, {Order: 7}, {Order: 1}}); got != 7 {
		t.Fatalf("MaxOrder = %g", got)
	}
}
