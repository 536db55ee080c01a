package store

import (
	"errors"
	"testing"
)

func TestSplitValidPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want int
	}{
		{path: "", want: 0},
		{path: "/", want: 0},
		{path: "parties", want: 1},
		{path: "/parties/ABCD2345/members/u1/", want: 4},
	}
	for _, tc := range tests {
		segments, err := Split(tc.path)
		if err != nil {
			t.Fatalf("Split(%q) error = %v", tc.path, err)
		}
		if len(segments) != tc.want {
			t.Fatalf("Split(%q) = %v, want %d segments", tc.path, segments, tc.want)
		}
	}
}

func TestSplitRejectsReservedCharacters(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"a//b", "a/b.c", "a/#", "$x", "a/[0]", ConnectedPath, "a/\x01"} {
		if _, err := Split(path); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("Split(%q) error = %v, want ErrInvalidPath", path, err)
		}
	}
}

func TestIsConnectedPath(t *testing.T) {
	t.Parallel()

	if !IsConnectedPath("/.info/connected") {
		t.Fatal("expected connected path")
	}
	if IsConnectedPath("info/connected") {
		t.Fatal("unexpected connected path")
	}
}

func TestNormalizePrunesEmptyMaps(t *testing.T) {
	t.Parallel()

	type coords struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	value, err := Normalize(map[string]any{
		"empty":  map[string]any{},
		"nested": map[string]any{"gone": nil},
		"coords": coords{X: 1, Y: 2},
		"flag":   false,
	})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	m := value.(map[string]any)
	if _, ok := m["empty"]; ok {
		t.Fatal("expected empty map to be pruned")
	}
	if _, ok := m["nested"]; ok {
		t.Fatal("expected map of nils to be pruned")
	}
	if m["flag"] != false {
		t.Fatalf("flag = %v, want false", m["flag"])
	}
	c := m["coords"].(map[string]any)
	if c["x"] != float64(1) || c["y"] != float64(2) {
		t.Fatalf("coords = %v", c)
	}
}

func TestNormalizeEmptyStructRemovesNode(t *testing.T) {
	t.Parallel()

	value, err := Normalize(map[string]any{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if value != nil {
		t.Fatalf("Normalize(empty) = %v, want nil", value)
	}
}

func TestNormalizeRejectsUnencodable(t *testing.T) {
	t.Parallel()

	if _, err := Normalize(make(chan int)); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("Normalize(chan) error = %v, want ErrInvalidValue", err)
	}
}

func TestResolveServerValues(t *testing.T) {
	t.Parallel()

	value, err := Normalize(map[string]any{"joinedAt": ServerTimestamp, "name": "a"})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	resolved := ResolveServerValues(value, 1234).(map[string]any)
	if resolved["joinedAt"] != float64(1234) {
		t.Fatalf("joinedAt = %v, want 1234", resolved["joinedAt"])
	}
	if resolved["name"] != "a" {
		t.Fatalf("name = %v, want a", resolved["name"])
	}
}

func TestHashIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := map[string]any{"x": 1.0, "y": map[string]any{"b": true, "a": "s"}}
	b := map[string]any{"y": map[string]any{"a": "s", "b": true}, "x": 1.0}
	if Hash(a) != Hash(b) {
		t.Fatal("expected equal hashes for equal values")
	}
	if Hash(nil) == Hash(a) {
		t.Fatal("expected nil hash to differ")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	original := map[string]any{"inner": map[string]any{"k": "v"}}
	clone := Clone(original).(map[string]any)
	clone["inner"].(map[string]any)["k"] = "changed"
	if original["inner"].(map[string]any)["k"] != "v" {
		t.Fatal("expected clone to be independent")
	}
}

func TestSnapshotChildrenAndDecode(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot("parties/X/members", map[string]any{
		"b": map[string]any{"nickname": "Bo"},
		"a": map[string]any{"nickname": "Al"},
	}, "conn-1")
	children := snap.Children()
	if len(children) != 2 || children[0].Key() != "a" || children[1].Key() != "b" {
		t.Fatalf("children = %+v", children)
	}
	if children[0].Writer != "conn-1" {
		t.Fatalf("writer = %q, want conn-1", children[0].Writer)
	}
	var member struct {
		Nickname string `json:"nickname"`
	}
	if err := children[1].Decode(&member); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if member.Nickname != "Bo" {
		t.Fatalf("nickname = %q, want Bo", member.Nickname)
	}
	if missing := snap.Child("zz"); missing.Exists {
		t.Fatal("expected missing child")
	}
}
