// Package watcher keeps a client in sync with one party: it subscribes to
// the party's members, route and header, tracks connectivity and keeps the
// caller's presence hook armed on the server.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/treasureparty/partysync/internal/services/party/domain"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
)

// Origin tells where a change came from.
type Origin string

const (
	// OriginInitial marks the first value delivered by a subscription.
	OriginInitial Origin = "initial"
	// OriginSelf marks changes written by this client's connection.
	OriginSelf Origin = "self"
	// OriginRemote marks changes written by anyone else, including the
	// server running disconnect hooks.
	OriginRemote Origin = "remote"
)

// State is the connectivity state of a running sync.
type State int

const (
	// StateDisconnected is the state when not syncing or after a drop.
	StateDisconnected State = iota
	// StateConnecting is the state after StartSync until the store first
	// reports a connection.
	StateConnecting
	// StateConnected is entered on every connection; presence is
	// registered on entry.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MembersChange carries the member list ordered by join time.
type MembersChange struct {
	Members []domain.Member
	Origin  Origin
}

// TreasuresChange carries the route in display order.
type TreasuresChange struct {
	Entries []domain.RouteEntry
	Origin  Origin
}

// MetaChange carries the party header. Exists is false once the party is
// deleted.
type MetaChange struct {
	Meta   domain.Meta
	Exists bool
	Origin Origin
}

// Callbacks are invoked one at a time. A nil callback is skipped.
type Callbacks struct {
	OnMembersChange    func(MembersChange)
	OnTreasuresChange  func(TreasuresChange)
	OnConnectionChange func(bool)
	OnMetaChange       func(MetaChange)
	OnError            func(error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the clock used when deciding whether a party can be
// rejoined after a reconnect.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// Watcher follows at most one party at a time.
type Watcher struct {
	store store.Store
	now   func() time.Time

	lifecycle sync.Mutex
	dispatch  sync.Mutex

	mu        sync.Mutex
	callbacks Callbacks
	gen       uint64
	session   domain.Session
	unsubs    []func()
	ctx       context.Context
	cancel    context.CancelFunc
	state     State
	presence  bool
	connected bool
	known     bool
	entries   int
	self      *domain.Member
	left      bool
}

// New creates a watcher over st.
func New(st store.Store, opts ...Option) *Watcher {
	w := &Watcher{store: st, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnMembersChange sets the members callback.
func (w *Watcher) OnMembersChange(fn func(MembersChange)) {
	w.mu.Lock()
	w.callbacks.OnMembersChange = fn
	w.mu.Unlock()
}

// OnTreasuresChange sets the route callback.
func (w *Watcher) OnTreasuresChange(fn func(TreasuresChange)) {
	w.mu.Lock()
	w.callbacks.OnTreasuresChange = fn
	w.mu.Unlock()
}

// OnConnectionChange sets the connectivity callback.
func (w *Watcher) OnConnectionChange(fn func(bool)) {
	w.mu.Lock()
	w.callbacks.OnConnectionChange = fn
	w.mu.Unlock()
}

// OnMetaChange sets the party header callback.
func (w *Watcher) OnMetaChange(fn func(MetaChange)) {
	w.mu.Lock()
	w.callbacks.OnMetaChange = fn
	w.mu.Unlock()
}

// OnError sets the error callback.
func (w *Watcher) OnError(fn func(error)) {
	w.mu.Lock()
	w.callbacks.OnError = fn
	w.mu.Unlock()
}

// SetCallbacks replaces every callback at once.
func (w *Watcher) SetCallbacks(callbacks Callbacks) {
	w.mu.Lock()
	w.callbacks = callbacks
	w.mu.Unlock()
}

// ClearCallbacks removes every callback.
func (w *Watcher) ClearCallbacks() {
	w.SetCallbacks(Callbacks{})
}

// Connected reports the last connectivity signal of the running sync.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// State returns the connectivity state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PresenceRegistered reports whether the disconnect hook for the current
// connection is armed.
func (w *Watcher) PresenceRegistered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.presence
}

// Session returns the party being followed.
func (w *Watcher) Session() domain.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// StartSync stops any previous sync and subscribes to session's party.
// Background presence work outlives ctx and ends with StopSync.
func (w *Watcher) StartSync(ctx context.Context, session domain.Session) error {
	if !session.Active() {
		return domain.ErrNotInParty
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stop()

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.gen++
	gen := w.gen
	w.session = session
	w.ctx, w.cancel = syncCtx, cancel
	w.state = StateConnecting
	w.presence = false
	w.connected = false
	w.known = false
	w.entries = 0
	w.self = nil
	w.left = false
	w.mu.Unlock()

	unsubs := []func(){
		w.store.Subscribe(domain.MembersPath(session.Code),
			func(snap store.Snapshot) { w.handleMembers(gen, snap) },
			w.subscriptionError(gen, "members")),
		w.store.Subscribe(domain.TreasuresPath(session.Code),
			func(snap store.Snapshot) { w.handleTreasures(gen, snap) },
			w.subscriptionError(gen, "treasures")),
		w.store.Subscribe(domain.MetaPath(session.Code),
			func(snap store.Snapshot) { w.handleMeta(gen, snap) },
			w.subscriptionError(gen, "meta")),
		w.store.Subscribe(store.ConnectedPath,
			func(snap store.Snapshot) { w.handleConnected(gen, snap) },
			w.subscriptionError(gen, "connection")),
	}
	w.mu.Lock()
	w.unsubs = unsubs
	w.mu.Unlock()
	log.Printf("party sync started code=%s member=%s", session.Code, session.MemberID)
	return nil
}

// StopSync unsubscribes everything and forgets the presence state. The
// server-side hook stays armed until the connection ends or is reused.
func (w *Watcher) StopSync() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stop()
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.gen++
	unsubs := w.unsubs
	cancel := w.cancel
	code := w.session.Code
	w.unsubs = nil
	w.cancel = nil
	w.ctx = nil
	w.session = domain.Session{}
	w.state = StateDisconnected
	w.presence = false
	w.connected = false
	w.known = false
	w.self = nil
	w.left = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if code != "" {
		log.Printf("party sync stopped code=%s", code)
	}
}

func (w *Watcher) handleMembers(gen uint64, snap store.Snapshot) {
	members, err := domain.DecodeMembers(snap.Value)
	if err != nil {
		w.report(gen, err)
		return
	}
	origin := w.origin(snap)
	var (
		heal    bool
		ctx     context.Context
		session domain.Session
		self    domain.Member
	)
	cb, ok := w.current(gen, func() {
		present := false
		for i := range members {
			if members[i].ID == w.session.MemberID {
				m := members[i]
				w.self = &m
				present = true
			}
		}
		// Removing our own record from this connection is a leave; nothing
		// may put it back.
		if !present && w.self != nil && origin == OriginSelf {
			w.left = true
			w.self = nil
		}
		// A hook from an earlier connection can fire after this one is up.
		if !present && w.self != nil && origin == OriginRemote && w.presence && !w.left {
			heal = true
			ctx, session, self = w.ctx, w.session, *w.self
		}
	})
	if !ok {
		return
	}
	if heal {
		go func() {
			if err := w.restoreMembership(ctx, session, &self); err != nil && ctx.Err() == nil {
				w.report(gen, err)
			}
		}()
	}
	if cb.OnMembersChange == nil {
		return
	}
	change := MembersChange{Members: members, Origin: origin}
	w.invoke(cb, func() { cb.OnMembersChange(change) })
}

func (w *Watcher) handleTreasures(gen uint64, snap store.Snapshot) {
	entries, err := domain.DecodeRoute(snap.Value)
	if err != nil {
		w.report(gen, err)
		var malformed *domain.MalformedRouteError
		if !errors.As(err, &malformed) {
			return
		}
	}
	cb, ok := w.current(gen, nil)
	if !ok || cb.OnTreasuresChange == nil {
		return
	}
	change := TreasuresChange{Entries: entries, Origin: w.origin(snap)}
	w.invoke(cb, func() { cb.OnTreasuresChange(change) })
}

func (w *Watcher) handleMeta(gen uint64, snap store.Snapshot) {
	meta, err := domain.DecodeMeta(snap.Value)
	if err != nil {
		w.report(gen, err)
		return
	}
	cb, ok := w.current(gen, nil)
	if !ok || cb.OnMetaChange == nil {
		return
	}
	change := MetaChange{Meta: meta, Exists: snap.Exists, Origin: w.origin(snap)}
	w.invoke(cb, func() { cb.OnMetaChange(change) })
}

func (w *Watcher) handleConnected(gen uint64, snap store.Snapshot) {
	up := snap.Bool()

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	changed := !w.known || w.connected != up
	w.known = true
	w.connected = up
	register := false
	reentry := false
	switch {
	case up && w.state != StateConnected:
		w.state = StateConnected
		w.presence = false
		w.entries++
		register = !w.left
		reentry = w.entries > 1
	case !up && w.state == StateConnected:
		w.state = StateDisconnected
		w.presence = false
	}
	cb := w.callbacks
	ctx := w.ctx
	session := w.session
	var self *domain.Member
	if w.self != nil {
		m := *w.self
		self = &m
	}
	w.mu.Unlock()

	if register {
		go w.registerPresence(ctx, gen, session, self, reentry)
	}
	if changed && cb.OnConnectionChange != nil {
		w.invoke(cb, func() { cb.OnConnectionChange(up) })
	}
}

// registerPresence arms the disconnect hook for this connection and, after
// a reconnect, puts back the membership the previous hook removed.
func (w *Watcher) registerPresence(ctx context.Context, gen uint64, session domain.Session, self *domain.Member, reentry bool) {
	path := domain.MemberPath(session.Code, session.MemberID)
	if err := w.store.OnDisconnect(path).Remove(ctx); err != nil {
		if ctx.Err() == nil && !errors.Is(err, store.ErrDisconnected) {
			w.report(gen, fmt.Errorf("register presence: %w", err))
		}
		return
	}
	if reentry && !w.hasLeft(gen) {
		if err := w.restoreMembership(ctx, session, self); err != nil {
			if ctx.Err() == nil && !errors.Is(err, store.ErrDisconnected) {
				w.report(gen, err)
			}
			return
		}
	}
	w.mu.Lock()
	if gen == w.gen && w.state == StateConnected {
		w.presence = true
	}
	w.mu.Unlock()
}

func (w *Watcher) hasLeft(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return gen != w.gen || w.left
}

func (w *Watcher) restoreMembership(ctx context.Context, session domain.Session, self *domain.Member) error {
	record := map[string]any{
		"nickname": session.Nickname,
		"isLeader": false,
		"joinedAt": store.ServerTimestamp,
	}
	if self != nil {
		record["nickname"] = self.Nickname
		record["isLeader"] = self.IsLeader
		if self.JoinedAt != 0 {
			record["joinedAt"] = self.JoinedAt
		}
	}
	now := w.now()
	_, err := w.store.RunTransaction(ctx, domain.PartyPath(session.Code), func(current any) (any, error) {
		doc, ok := current.(map[string]any)
		if !ok || !domain.HasMeta(doc) {
			return nil, domain.ErrPartyNotFound
		}
		meta, err := domain.DecodeMeta(doc["meta"])
		if err != nil {
			return nil, err
		}
		if meta.Expired(now) {
			return nil, domain.ErrPartyExpired
		}
		members, _ := doc["members"].(map[string]any)
		if members == nil {
			members = map[string]any{}
			doc["members"] = members
		}
		if _, ok := members[session.MemberID]; ok {
			return nil, store.ErrAbort
		}
		if len(members) >= domain.MaxMembers {
			return nil, domain.ErrPartyFull
		}
		members[session.MemberID] = record
		return doc, nil
	})
	if errors.Is(err, store.ErrAbort) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore membership: %w", err)
	}
	log.Printf("party membership restored code=%s member=%s", session.Code, session.MemberID)
	return nil
}

func (w *Watcher) subscriptionError(gen uint64, name string) func(error) {
	return func(err error) {
		w.report(gen, fmt.Errorf("watch %s: %w", name, err))
	}
}

func (w *Watcher) report(gen uint64, err error) {
	cb, ok := w.current(gen, nil)
	if !ok {
		return
	}
	if cb.OnError == nil {
		log.Printf("party sync error: %v", err)
		return
	}
	w.invoke(Callbacks{}, func() { cb.OnError(err) })
}

// current returns the callbacks if gen is still the running sync. update
// runs under the lock first.
func (w *Watcher) current(gen uint64, update func()) (Callbacks, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return Callbacks{}, false
	}
	if update != nil {
		update()
	}
	return w.callbacks, true
}

func (w *Watcher) origin(snap store.Snapshot) Origin {
	switch snap.Writer {
	case "":
		return OriginInitial
	case w.store.ConnectionID():
		return OriginSelf
	default:
		return OriginRemote
	}
}

// invoke runs fn serialized with every other callback. A panic is routed to
// cb.OnError, or logged when there is none.
func (w *Watcher) invoke(cb Callbacks, fn func()) {
	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	err := protect(fn)
	if err == nil {
		return
	}
	if cb.OnError == nil {
		log.Printf("party sync: %v", err)
		return
	}
	if nested := protect(func() { cb.OnError(err) }); nested != nil {
		log.Printf("party sync: error callback: %v", nested)
	}
}

func protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	fn()
	return nil
}
