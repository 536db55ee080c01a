// Package repository implements the party operations on top of the remote
// synchronized store. Every write goes straight to the store; the watcher
// observes the result like any other client.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	apperrors "github.com/treasureparty/partysync/internal/platform/errors"
	"github.com/treasureparty/partysync/internal/services/party/domain"
	"github.com/treasureparty/partysync/internal/services/party/identity"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/treasureparty/partysync/internal/services/party/repository"

// SessionRecorder remembers the current party across restarts.
type SessionRecorder interface {
	Save(session domain.Session) error
	Clear() error
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRandom sets the source of party codes.
func WithRandom(random io.Reader) Option {
	return func(r *Repository) {
		r.random = random
	}
}

// WithRecorder saves the session after create and join and clears it on
// leave.
func WithRecorder(recorder SessionRecorder) Option {
	return func(r *Repository) {
		r.recorder = recorder
	}
}

// Repository performs party operations for one signed-in user.
type Repository struct {
	store    store.Store
	identity identity.Provider
	now      func() time.Time
	random   io.Reader
	recorder SessionRecorder
	tracer   trace.Tracer
}

// New builds a repository over st.
func New(st store.Store, ids identity.Provider, opts ...Option) *Repository {
	r := &Repository{
		store:    st,
		identity: ids,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxMembers returns the party capacity.
func (r *Repository) MaxMembers() int {
	return domain.MaxMembers
}

// Create opens a new party led by the caller.
func (r *Repository) Create(ctx context.Context, nickname string) (_ domain.Session, err error) {
	ctx, span := r.start(ctx, "Create")
	defer func() { finish(span, err) }()

	userID, err := r.signIn(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	nickname = domain.NormalizeNickname(nickname)
	if nickname == "" {
		nickname = domain.DefaultNickname(userID)
	}
	code, err := r.unusedCode(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	span.SetAttributes(attribute.String("party.code", code))

	expiresAt := r.now().Add(domain.TTL).UnixMilli()
	doc := map[string]any{
		"meta": map[string]any{
			"createdAt": store.ServerTimestamp,
			"createdBy": userID,
			"expiresAt": expiresAt,
		},
		"members": map[string]any{
			userID: memberRecord(nickname, true, nil),
		},
		"treasures": map[string]any{},
	}
	if err := r.store.Set(ctx, domain.PartyPath(code), doc); err != nil {
		return domain.Session{}, storeError("create party", err)
	}
	session := domain.Session{
		Code:      code,
		MemberID:  userID,
		Nickname:  nickname,
		ExpiresAt: time.UnixMilli(expiresAt),
	}
	r.save(session)
	log.Printf("party created code=%s member=%s", code, userID)
	return session, nil
}

func (r *Repository) unusedCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < domain.MaxCodeAttempts; attempt++ {
		code, err := domain.GenerateCode(r.random)
		if err != nil {
			return "", err
		}
		snap, err := r.store.Get(ctx, domain.PartyPath(code))
		if err != nil {
			return "", storeError("check party code", err)
		}
		if !snap.Exists {
			return code, nil
		}
	}
	return "", apperrors.WithMetadata(apperrors.CodeCodeGenerationExhausted, domain.ErrCodeGenerationExhausted.Message,
		map[string]string{"Attempts": strconv.Itoa(domain.MaxCodeAttempts)})
}

// Join adds the caller to an existing party. A caller who is already a
// member keeps their seat and leader flag.
func (r *Repository) Join(ctx context.Context, code, nickname string) (_ domain.Session, err error) {
	ctx, span := r.start(ctx, "Join")
	defer func() { finish(span, err) }()

	code = domain.NormalizeCode(code)
	if err := domain.ValidateCode(code); err != nil {
		return domain.Session{}, err
	}
	span.SetAttributes(attribute.String("party.code", code))

	userID, err := r.signIn(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	snap, err := r.store.Get(ctx, domain.PartyPath(code))
	if err != nil {
		return domain.Session{}, storeError("get party", err)
	}
	if !snap.Exists {
		return domain.Session{}, notFound(code)
	}
	if !domain.HasMeta(snap.Value) {
		// Nothing can expire a document without a header, so drop it here.
		if err := r.store.Remove(ctx, domain.PartyPath(code)); err != nil {
			log.Printf("party delete headless code=%s: %v", code, err)
		}
		return domain.Session{}, notFound(code)
	}
	party, err := decodeParty(code, snap.Value)
	if err != nil {
		return domain.Session{}, err
	}
	if party.Meta.Expired(r.now()) {
		expired := apperrors.WithMetadata(apperrors.CodePartyExpired, domain.ErrPartyExpired.Message,
			map[string]string{"Code": code})
		if err := r.store.Remove(ctx, domain.PartyPath(code)); err != nil {
			expired.Cause = err
			expired.Metadata["DeleteFailed"] = "true"
			log.Printf("party delete expired code=%s: %v", code, err)
		}
		return domain.Session{}, expired
	}

	var existing *domain.Member
	for i := range party.Members {
		if party.Members[i].ID == userID {
			existing = &party.Members[i]
			break
		}
	}
	if existing == nil && len(party.Members) >= domain.MaxMembers {
		return domain.Session{}, apperrors.WithMetadata(apperrors.CodePartyFull, domain.ErrPartyFull.Message,
			map[string]string{"Code": code, "Count": strconv.Itoa(len(party.Members)), "Max": strconv.Itoa(domain.MaxMembers)})
	}

	nickname = domain.NormalizeNickname(nickname)
	if nickname == "" {
		nickname = domain.DefaultNickname(userID)
	}
	leader := false
	var joinedAt any
	if existing != nil {
		leader = existing.IsLeader
		joinedAt = existing.JoinedAt
	}
	if err := r.store.Set(ctx, domain.MemberPath(code, userID), memberRecord(nickname, leader, joinedAt)); err != nil {
		return domain.Session{}, storeError("join party", err)
	}
	session := domain.Session{
		Code:      code,
		MemberID:  userID,
		Nickname:  nickname,
		ExpiresAt: party.Meta.ExpiresAtTime(),
	}
	r.save(session)
	log.Printf("party joined code=%s member=%s rejoin=%t", code, userID, existing != nil)
	return session, nil
}

// Leave removes the caller from the party and deletes the party when no
// members remain. The two steps are not atomic.
func (r *Repository) Leave(ctx context.Context, session domain.Session) (err error) {
	ctx, span := r.start(ctx, "Leave", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireSession(session); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, domain.MemberPath(session.Code, session.MemberID)); err != nil {
		return storeError("leave party", err)
	}
	members, err := r.store.Get(ctx, domain.MembersPath(session.Code))
	if err != nil {
		return storeError("count members", err)
	}
	if members.NumChildren() == 0 {
		if err := r.store.Remove(ctx, domain.PartyPath(session.Code)); err != nil {
			return storeError("delete party", err)
		}
		log.Printf("party deleted code=%s", session.Code)
	}
	r.clear()
	return nil
}

// AddTreasure appends a route entry after the current highest order and
// pushes the party expiry forward in one transaction over the party, so a
// deleted party is never written back. It returns the entry's store key.
func (r *Repository) AddTreasure(ctx context.Context, session domain.Session, treasure domain.Treasure) (_ string, err error) {
	ctx, span := r.start(ctx, "AddTreasure", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireSession(session); err != nil {
		return "", err
	}
	key, err := r.store.Push(ctx, domain.TreasuresPath(session.Code))
	if err != nil {
		return "", storeError("allocate entry key", err)
	}
	next := r.now().Add(domain.TTL).UnixMilli()
	_, err = r.store.RunTransaction(ctx, domain.PartyPath(session.Code), func(current any) (any, error) {
		doc, _ := current.(map[string]any)
		meta, ok := doc["meta"].(map[string]any)
		if !ok {
			return nil, notFound(session.Code)
		}
		treasures, _ := doc["treasures"].(map[string]any)
		route, err := domain.DecodeRoute(treasures)
		var malformed *domain.MalformedRouteError
		if err != nil && !errors.As(err, &malformed) {
			return nil, err
		}
		if treasures == nil {
			treasures = map[string]any{}
			doc["treasures"] = treasures
		}
		treasures[key] = treasureRecord(session, treasure, domain.MaxOrder(route)+1)
		meta["expiresAt"] = max(millis(meta["expiresAt"]), next)
		return doc, nil
	})
	if err != nil {
		return "", storeError("add treasure", err)
	}
	return key, nil
}

func treasureRecord(session domain.Session, treasure domain.Treasure, order float64) map[string]any {
	entry := map[string]any{
		"id":              treasure.Ref,
		"mapId":           treasure.MapID,
		"coords":          map[string]any{"x": treasure.Coords.X, "y": treasure.Coords.Y},
		"addedBy":         session.MemberID,
		"addedByNickname": session.Nickname,
		"addedAt":         store.ServerTimestamp,
		"order":           order,
		"completed":       false,
	}
	if treasure.GradeItemID != "" {
		entry["gradeItemId"] = treasure.GradeItemID
	}
	if treasure.PartySize != 0 {
		entry["partySize"] = treasure.PartySize
	}
	return entry
}

// RemoveTreasure deletes a route entry. Removing a missing entry succeeds.
func (r *Repository) RemoveTreasure(ctx context.Context, session domain.Session, entryID string) (err error) {
	ctx, span := r.start(ctx, "RemoveTreasure", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireEntry(session, entryID); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, domain.TreasurePath(session.Code, entryID)); err != nil {
		return storeError("remove treasure", err)
	}
	return nil
}

// ToggleComplete flips an entry's completed flag and returns the new state.
func (r *Repository) ToggleComplete(ctx context.Context, session domain.Session, entryID string) (_ bool, err error) {
	ctx, span := r.start(ctx, "ToggleComplete", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireEntry(session, entryID); err != nil {
		return false, err
	}
	snap, err := r.store.Get(ctx, domain.TreasurePath(session.Code, entryID))
	if err != nil {
		return false, storeError("read treasure", err)
	}
	if !snap.Exists {
		return false, entryNotFound(entryID)
	}
	completed := !snap.Child("completed").Bool()
	if err := r.store.Set(ctx, domain.TreasurePath(session.Code, entryID)+"/completed", completed); err != nil {
		return false, storeError("toggle treasure", err)
	}
	return completed, nil
}

// UpdateOrder overwrites one entry's order.
func (r *Repository) UpdateOrder(ctx context.Context, session domain.Session, entryID string, order float64) (err error) {
	ctx, span := r.start(ctx, "UpdateOrder", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireEntry(session, entryID); err != nil {
		return err
	}
	snap, err := r.store.Get(ctx, domain.TreasurePath(session.Code, entryID))
	if err != nil {
		return storeError("read treasure", err)
	}
	if !snap.Exists {
		return entryNotFound(entryID)
	}
	if err := r.store.Set(ctx, domain.TreasurePath(session.Code, entryID)+"/order", order); err != nil {
		return storeError("update order", err)
	}
	return nil
}

// SwapOrder exchanges the order of two entries in one transaction over the
// route. Nothing is written when either entry is missing.
func (r *Repository) SwapOrder(ctx context.Context, session domain.Session, idA, idB string) (err error) {
	ctx, span := r.start(ctx, "SwapOrder", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireEntry(session, idA); err != nil {
		return err
	}
	if err := requireEntry(session, idB); err != nil {
		return err
	}
	_, err = r.store.RunTransaction(ctx, domain.TreasuresPath(session.Code), func(current any) (any, error) {
		route, _ := current.(map[string]any)
		a, okA := route[idA].(map[string]any)
		b, okB := route[idB].(map[string]any)
		if !okA {
			return nil, entryNotFound(idA)
		}
		if !okB {
			return nil, entryNotFound(idB)
		}
		a["order"], b["order"] = b["order"], a["order"]
		return route, nil
	})
	if err != nil {
		return storeError("swap order", err)
	}
	return nil
}

// ClearCompleted deletes every completed entry one by one and returns how
// many were removed. A partial failure leaves the rest for a retry.
func (r *Repository) ClearCompleted(ctx context.Context, session domain.Session) (removed int, err error) {
	ctx, span := r.start(ctx, "ClearCompleted", attribute.String("party.code", session.Code))
	defer func() {
		span.SetAttributes(attribute.Int("party.removed", removed))
		finish(span, err)
	}()

	if err := requireSession(session); err != nil {
		return 0, err
	}
	snap, err := r.store.Get(ctx, domain.TreasuresPath(session.Code))
	if err != nil {
		return 0, storeError("read route", err)
	}
	for _, child := range snap.Children() {
		if !child.Child("completed").Bool() {
			continue
		}
		if err := r.store.Remove(ctx, child.Path); err != nil {
			return removed, storeError("clear completed", err)
		}
		removed++
	}
	return removed, nil
}

// UpdateNickname renames the caller within the party. A caller whose member
// record is gone gets ErrNotInParty and nothing is written.
func (r *Repository) UpdateNickname(ctx context.Context, session domain.Session, nickname string) (_ domain.Session, err error) {
	ctx, span := r.start(ctx, "UpdateNickname", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireSession(session); err != nil {
		return session, err
	}
	nickname = domain.NormalizeNickname(nickname)
	if nickname == "" {
		return session, domain.ErrNicknameEmpty
	}
	_, err = r.store.RunTransaction(ctx, domain.MemberPath(session.Code, session.MemberID), func(current any) (any, error) {
		member, ok := current.(map[string]any)
		if !ok {
			return nil, domain.ErrNotInParty
		}
		member["nickname"] = nickname
		return member, nil
	})
	if err != nil {
		return session, storeError("update nickname", err)
	}
	session.Nickname = nickname
	r.save(session)
	return session, nil
}

// Party reads the whole party once.
func (r *Repository) Party(ctx context.Context, session domain.Session) (_ domain.Party, err error) {
	ctx, span := r.start(ctx, "Party", attribute.String("party.code", session.Code))
	defer func() { finish(span, err) }()

	if err := requireSession(session); err != nil {
		return domain.Party{}, err
	}
	snap, err := r.store.Get(ctx, domain.PartyPath(session.Code))
	if err != nil {
		return domain.Party{}, storeError("get party", err)
	}
	if !snap.Exists || !domain.HasMeta(snap.Value) {
		return domain.Party{}, notFound(session.Code)
	}
	return decodeParty(session.Code, snap.Value)
}

// decodeParty logs and drops malformed route entries. Other decode failures
// are data errors, not store outages.
func decodeParty(code string, value any) (domain.Party, error) {
	party, err := domain.DecodeParty(code, value)
	var malformed *domain.MalformedRouteError
	if errors.As(err, &malformed) {
		log.Printf("party route skipped code=%s keys=%v: %v", code, malformed.Keys, malformed.Err)
		return party, nil
	}
	if err != nil {
		return domain.Party{}, fmt.Errorf("decode party %s: %w", code, err)
	}
	return party, nil
}

func (r *Repository) signIn(ctx context.Context) (string, error) {
	userID, err := r.identity.EnsureSignedIn(ctx)
	if err != nil {
		return "", storeError("sign in", err)
	}
	return userID, nil
}

func (r *Repository) save(session domain.Session) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Save(session); err != nil {
		log.Printf("party session save code=%s: %v", session.Code, err)
	}
}

func (r *Repository) clear() {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Clear(); err != nil {
		log.Printf("party session clear: %v", err)
	}
}

func (r *Repository) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "party."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

func memberRecord(nickname string, leader bool, joinedAt any) map[string]any {
	if joinedAt == nil || joinedAt == int64(0) {
		joinedAt = store.ServerTimestamp
	}
	return map[string]any{
		"nickname": nickname,
		"isLeader": leader,
		"joinedAt": joinedAt,
	}
}

func requireSession(session domain.Session) error {
	if !session.Active() {
		return domain.ErrNotInParty
	}
	return nil
}

func requireEntry(session domain.Session, entryID string) error {
	if err := requireSession(session); err != nil {
		return err
	}
	if entryID == "" {
		return domain.ErrEntryIDEmpty
	}
	return nil
}

func notFound(code string) error {
	return apperrors.WithMetadata(apperrors.CodePartyNotFound, domain.ErrPartyNotFound.Message,
		map[string]string{"Code": code})
}

func entryNotFound(entryID string) error {
	return apperrors.WithMetadata(apperrors.CodeEntryNotFound, domain.ErrEntryNotFound.Message,
		map[string]string{"EntryID": entryID})
}

// storeError wraps a store failure as a transport error. Party errors pass
// through unchanged.
func storeError(op string, err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeStoreUnavailable, op, err)
}

func millis(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
