package domain

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	// MaxMembers is the party capacity.
	MaxMembers = 8
	// TTL is how long a party lives after creation or its last route addition.
	TTL = 12 * time.Hour
)

// Coords locates a treasure on its map.
type Coords struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Meta is the party header.
type Meta struct {
	CreatedAt int64  `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the party is past expiresAt. A zero expiresAt
// never expires.
func (m Meta) Expired(now time.Time) bool {
	return m.ExpiresAt != 0 && now.UnixMilli() > m.ExpiresAt
}

// ExpiresAtTime returns expiresAt as a time.
func (m Meta) ExpiresAtTime() time.Time {
	if m.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.ExpiresAt)
}

// Member is one party participant, keyed by user id.
type Member struct {
	ID       string `json:"-"`
	Nickname string `json:"nickname"`
	IsLeader bool   `json:"isLeader"`
	JoinedAt int64  `json:"joinedAt"`
}

// Treasure is the caller-supplied part of a route entry.
type Treasure struct {
	Ref         string `json:"id"`
	MapID       string `json:"mapId"`
	Coords      Coords `json:"coords"`
	GradeItemID string `json:"gradeItemId,omitempty"`
	PartySize   int    `json:"partySize,omitempty"`
}

// RouteEntry is one treasure on the shared route, keyed by a generated,
// time-ordered store key.
type RouteEntry struct {
	Key string `json:"-"`
	Treasure
	AddedBy         string  `json:"addedBy"`
	AddedByNickname string  `json:"addedByNickname"`
	Order           float64 `json:"order"`
	Completed       bool    `json:"completed"`
	AddedAt         int64   `json:"addedAt"`
}

// Party is a decoded party document.
type Party struct {
	Code    string
	Meta    Meta
	Members []Member
	Route   []RouteEntry
}

// Session is the caller's handle on the party it belongs to.
type Session struct {
	Code      string
	MemberID  string
	Nickname  string
	ExpiresAt time.Time
}

// Active reports whether the session refers to a party membership.
func (s Session) Active() bool {
	return s.Code != "" && s.MemberID != ""
}

// Leader returns the member flagged as leader.
func (p Party) Leader() (Member, bool) {
	for _, m := range p.Members {
		if m.IsLeader {
			return m, true
		}
	}
	return Member{}, false
}

// SortRoute orders entries for display: incomplete before completed, then
// by order. Ties keep insertion order, which is key order.
func SortRoute(entries []RouteEntry) {
	slices.SortStableFunc(entries, func(a, b RouteEntry) int {
		if a.Completed != b.Completed {
			if a.Completed {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}

// MaxOrder returns the highest order among entries, 0 when empty.
func MaxOrder(entries []RouteEntry) float64 {
	highest := 0.0
	for _, e := range entries {
		highest = max(highest, e.Order)
	}
	return highest
}

// DecodeMembers decodes a members node, ordered by join time then id.
func DecodeMembers(value any) ([]Member, error) {
	var raw map[string]Member
	if err := decode(value, &raw); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	members := make([]Member, 0, len(raw))
	for id, m := range raw {
		m.ID = id
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b Member) int {
		if c := cmp.Compare(a.JoinedAt, b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return members, nil
}

// MalformedRouteError lists route entries that could not be decoded. It is
// returned alongside the entries that could.
type MalformedRouteError struct {
	Keys []string
	Err  error
}

func (e *MalformedRouteError) Error() string {
	return fmt.Sprintf("decode route: malformed entries %v: %v", e.Keys, e.Err)
}

func (e *MalformedRouteError) Unwrap() error {
	return e.Err
}

// DecodeRoute decodes a treasures node into display order. Entries that do
// not decode are left out and named in a *MalformedRouteError.
func DecodeRoute(value any) ([]RouteEntry, error) {
	var raw map[string]json.RawMessage
	if err := decode(value, &raw); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	entries := make([]RouteEntry, 0, len(raw))
	var malformed *MalformedRouteError
	for key, msg := range raw {
		var e RouteEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			if malformed == nil {
				malformed = &MalformedRouteError{Err: err}
			}
			malformed.Keys = append(malformed.Keys, key)
			continue
		}
		e.Key = key
		entries = append(entries, e)
	}
	SortRoute(entries)
	if malformed != nil {
		slices.Sort(malformed.Keys)
		return entries, malformed
	}
	return entries, nil
}

// DecodeMeta decodes a meta node.
func DecodeMeta(value any) (Meta, error) {
	var meta Meta
	if err := decode(value, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

// HasMeta reports whether a party document carries its header. A document
// without one is a leftover of a write racing the party's deletion.
func HasMeta(value any) bool {
	doc, _ := value.(map[string]any)
	_, ok := doc["meta"].(map[string]any)
	return ok
}

// DecodeParty decodes a whole party document. Malformed route entries are
// reported as a *MalformedRouteError together with the decoded party.
func DecodeParty(code string, value any) (Party, error) {
	doc, _ := value.(map[string]any)
	meta, err := DecodeMeta(doc["meta"])
	if err != nil {
		return Party{}, err
	}
	members, err := DecodeMembers(doc["members"])
	if err != nil {
		return Party{}, err
	}
	route, err := DecodeRoute(doc["treasures"])
	var malformed *MalformedRouteError
	if err != nil && !errors.As(err, &malformed) {
		return Party{}, err
	}
	party := Party{Code: code, Meta: meta, Members: members, Route: route}
	if malformed != nil {
		return party, malformed
	}
	return party, nil
}

func decode(value, target any) error {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
