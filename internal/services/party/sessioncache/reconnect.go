package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/treasureparty/partysync/internal/services/party/domain"
)

var (
	// ErrNoSavedSession is returned by TryRejoin when nothing is cached.
	ErrNoSavedSession = errors.New("sessioncache: no saved session")
	// ErrRejoinInProgress is returned while another TryRejoin runs.
	ErrRejoinInProgress = errors.New("sessioncache: rejoin in progress")
)

// State is the reconnection prompt state.
type State int

const (
	// StateIdle means no rejoin is offered.
	StateIdle State = iota
	// StatePromptVisible means a saved party is being offered.
	StatePromptVisible
	// StateReconnecting means a rejoin is running.
	StateReconnecting
	// StateActive means the rejoin succeeded.
	StateActive
)

func (s State) String() string {
	switch s {
	case StatePromptVisible:
		return "prompt_visible"
	case StateReconnecting:
		return "reconnecting"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// Joiner is the ordinary join operation.
type Joiner interface {
	Join(ctx context.Context, code, nickname string) (domain.Session, error)
}

// Reconnector drives the offer to rejoin a cached party.
type Reconnector struct {
	cache  *Cache
	joiner Joiner

	mu      sync.Mutex
	state   State
	record  Record
	session domain.Session
}

// NewReconnector builds a reconnector in the idle state.
func NewReconnector(cache *Cache, joiner Joiner) *Reconnector {
	return &Reconnector{cache: cache, joiner: joiner}
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns the rejoined session once active.
func (r *Reconnector) Session() domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Check offers the saved party, if any, moving from idle to prompt.
func (r *Reconnector) Check() (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return r.record, r.state == StatePromptVisible, nil
	}
	record, ok, err := r.cache.Load()
	if err != nil || !ok {
		return Record{}, false, err
	}
	r.record = record
	r.state = StatePromptVisible
	return record, true, nil
}

// Decline drops the offer and forgets the saved party.
func (r *Reconnector) Decline() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateReconnecting {
		return ErrRejoinInProgress
	}
	r.state = StateIdle
	r.record = Record{}
	return r.cache.Clear()
}

// Reset returns to idle without touching the cache, after a leave.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateIdle
	r.record = Record{}
	r.session = domain.Session{}
}

// TryRejoin joins the saved party. Any failure clears the cache and returns
// to idle.
func (r *Reconnector) TryRejoin(ctx context.Context) (domain.Session, error) {
	r.mu.Lock()
	if r.state == StateReconnecting {
		r.mu.Unlock()
		return domain.Session{}, ErrRejoinInProgress
	}
	record := r.record
	if r.state != StatePromptVisible {
		loaded, ok, err := r.cache.Load()
		if err != nil {
			r.mu.Unlock()
			return domain.Session{}, err
		}
		if !ok {
			r.state = StateIdle
			r.mu.Unlock()
			return domain.Session{}, ErrNoSavedSession
		}
		record = loaded
	}
	r.state = StateReconnecting
	r.mu.Unlock()

	session, err := r.joiner.Join(ctx, record.PartyCode, record.Nickname)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = Record{}
	if err != nil {
		r.state = StateIdle
		r.session = domain.Session{}
		if clearErr := r.cache.Clear(); clearErr != nil {
			log.Printf("party session clear after failed rejoin: %v", clearErr)
		}
		return domain.Session{}, fmt.Errorf("rejoin %s: %w", record.PartyCode, err)
	}
	r.state = StateActive
	r.session = session
	return session, nil
}
