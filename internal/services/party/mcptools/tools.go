package mcptools

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treasureparty/partysync/internal/services/party/domain"
)

// SessionResult describes the party membership held by the server.
type SessionResult struct {
	Code      string `json:"code" jsonschema:"8-character party code"`
	MemberID  string `json:"member_id" jsonschema:"caller's user id"`
	Nickname  string `json:"nickname" jsonschema:"caller's nickname"`
	ExpiresAt string `json:"expires_at,omitempty" jsonschema:"RFC3339 party expiry"`
}

// CreateInput is the party_create input.
type CreateInput struct {
	Nickname string `json:"nickname,omitempty" jsonschema:"nickname, defaults to Player plus the start of the user id"`
}

// JoinInput is the party_join input.
type JoinInput struct {
	Code     string `json:"code" jsonschema:"party code, case-insensitive"`
	Nickname string `json:"nickname,omitempty" jsonschema:"nickname to join with"`
}

// EmptyInput is used by tools without arguments.
type EmptyInput struct{}

// OKResult acknowledges a write.
type OKResult struct {
	OK bool `json:"ok"`
}

// NicknameInput is the party_nickname input.
type NicknameInput struct {
	Nickname string `json:"nickname" jsonschema:"new nickname"`
}

// MemberResult is one party member.
type MemberResult struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	IsLeader bool   `json:"is_leader"`
}

// EntryResult is one route entry.
type EntryResult struct {
	EntryID     string  `json:"entry_id"`
	TreasureRef string  `json:"treasure_ref"`
	MapID       string  `json:"map_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	GradeItemID string  `json:"grade_item_id,omitempty"`
	PartySize   int     `json:"party_size,omitempty"`
	AddedBy     string  `json:"added_by"`
	Order       float64 `json:"order"`
	Completed   bool    `json:"completed"`
}

// PartyResult is the whole party in display order.
type PartyResult struct {
	Code      string         `json:"code"`
	CreatedBy string         `json:"created_by"`
	ExpiresAt string         `json:"expires_at"`
	Members   []MemberResult `json:"members"`
	Route     []EntryResult  `json:"route"`
}

// TreasureAddInput is the treasure_add input.
type TreasureAddInput struct {
	TreasureRef string  `json:"treasure_ref" jsonschema:"treasure identifier"`
	MapID       string  `json:"map_id" jsonschema:"map identifier"`
	X           float64 `json:"x,omitempty" jsonschema:"x coordinate"`
	Y           float64 `json:"y,omitempty" jsonschema:"y coordinate"`
	GradeItemID string  `json:"grade_item_id,omitempty" jsonschema:"optional treasure map item"`
	PartySize   int     `json:"party_size,omitempty" jsonschema:"optional suggested party size"`
}

// EntryInput names one route entry.
type EntryInput struct {
	EntryID string `json:"entry_id" jsonschema:"route entry id"`
}

// EntryIDResult returns a new entry id.
type EntryIDResult struct {
	EntryID string `json:"entry_id"`
}

// ToggleResult returns the new completed flag.
type ToggleResult struct {
	Completed bool `json:"completed"`
}

// SwapInput names two route entries.
type SwapInput struct {
	EntryA string `json:"entry_a" jsonschema:"first route entry id"`
	EntryB string `json:"entry_b" jsonschema:"second route entry id"`
}

// OrderInput sets one entry's order.
type OrderInput struct {
	EntryID string  `json:"entry_id" jsonschema:"route entry id"`
	Order   float64 `json:"order" jsonschema:"new order value"`
}

// ClearResult reports how many entries were removed.
type ClearResult struct {
	Removed int `json:"removed"`
}

func (s *Service) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "party_create",
		Description: "Creates a new party led by the caller and starts following it.",
	}, s.createHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "party_join",
		Description: "Joins an existing party by code. Parties hold at most 8 members.",
	}, s.joinHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "party_rejoin",
		Description: "Rejoins the party saved from a previous run, if any.",
	}, s.rejoinHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "party_leave",
		Description: "Leaves the current party. The last member to leave deletes it.",
	}, s.leaveHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "party_show",
		Description: "Returns the current party with its members and route in display order.",
	}, s.showHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "party_nickname",
		Description: "Changes the caller's nickname in the current party.",
	}, s.nicknameHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "treasure_add",
		Description: "Appends a treasure to the end of the shared route.",
	}, s.addHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "treasure_remove",
		Description: "Removes a route entry. Removing a missing entry succeeds.",
	}, s.removeHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "treasure_toggle",
		Description: "Flips a route entry between pending and completed.",
	}, s.toggleHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "treasure_swap",
		Description: "Swaps the order of two route entries atomically.",
	}, s.swapHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "treasure_order",
		Description: "Sets the order value of one route entry.",
	}, s.orderHandler)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "route_clear_completed",
		Description: "Removes every completed entry from the route.",
	}, s.clearHandler)
}

func (s *Service) createHandler(ctx context.Context, _ *mcp.CallToolRequest, input CreateInput) (*mcp.CallToolResult, SessionResult, error) {
	session, err := s.repo.Create(ctx, input.Nickname)
	if err != nil {
		return nil, SessionResult{}, err
	}
	s.follow(ctx, session)
	return nil, sessionResult(session), nil
}

func (s *Service) joinHandler(ctx context.Context, _ *mcp.CallToolRequest, input JoinInput) (*mcp.CallToolResult, SessionResult, error) {
	session, err := s.repo.Join(ctx, input.Code, input.Nickname)
	if err != nil {
		return nil, SessionResult{}, err
	}
	s.follow(ctx, session)
	return nil, sessionResult(session), nil
}

func (s *Service) rejoinHandler(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, SessionResult, error) {
	if s.reconnector == nil {
		return nil, SessionResult{}, errRejoinUnavailable
	}
	session, err := s.reconnector.TryRejoin(ctx)
	if err != nil {
		return nil, SessionResult{}, err
	}
	s.follow(ctx, session)
	return nil, sessionResult(session), nil
}

func (s *Service) leaveHandler(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, OKResult, error) {
	session := s.current()
	// Stop syncing first so a reconnect cannot restore the membership.
	s.unfollow()
	if err := s.repo.Leave(ctx, session); err != nil {
		if session.Active() {
			s.follow(ctx, session)
		}
		return nil, OKResult{}, err
	}
	if s.reconnector != nil {
		s.reconnector.Reset()
	}
	return nil, OKResult{OK: true}, nil
}

func (s *Service) showHandler(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, PartyResult, error) {
	party, err := s.repo.Party(ctx, s.current())
	if err != nil {
		return nil, PartyResult{}, err
	}
	return nil, partyResult(party), nil
}

func (s *Service) nicknameHandler(ctx context.Context, _ *mcp.CallToolRequest, input NicknameInput) (*mcp.CallToolResult, SessionResult, error) {
	session, err := s.repo.UpdateNickname(ctx, s.current(), input.Nickname)
	if err != nil {
		return nil, SessionResult{}, err
	}
	s.mu.Lock()
	if s.session.Code == session.Code {
		s.session = session
	}
	s.mu.Unlock()
	return nil, sessionResult(session), nil
}

func (s *Service) addHandler(ctx context.Context, _ *mcp.CallToolRequest, input TreasureAddInput) (*mcp.CallToolResult, EntryIDResult, error) {
	entryID, err := s.repo.AddTreasure(ctx, s.current(), domain.Treasure{
		Ref:         input.TreasureRef,
		MapID:       input.MapID,
		Coords:      domain.Coords{X: input.X, Y: input.Y},
		GradeItemID: input.GradeItemID,
		PartySize:   input.PartySize,
	})
	if err != nil {
		return nil, EntryIDResult{}, err
	}
	return nil, EntryIDResult{EntryID: entryID}, nil
}

func (s *Service) removeHandler(ctx context.Context, _ *mcp.CallToolRequest, input EntryInput) (*mcp.CallToolResult, OKResult, error) {
	if err := s.repo.RemoveTreasure(ctx, s.current(), input.EntryID); err != nil {
		return nil, OKResult{}, err
	}
	return nil, OKResult{OK: true}, nil
}

func (s *Service) toggleHandler(ctx context.Context, _ *mcp.CallToolRequest, input EntryInput) (*mcp.CallToolResult, ToggleResult, error) {
	completed, err := s.repo.ToggleComplete(ctx, s.current(), input.EntryID)
	if err != nil {
		return nil, ToggleResult{}, err
	}
	return nil, ToggleResult{Completed: completed}, nil
}

func (s *Service) swapHandler(ctx context.Context, _ *mcp.CallToolRequest, input SwapInput) (*mcp.CallToolResult, OKResult, error) {
	if err := s.repo.SwapOrder(ctx, s.current(), input.EntryA, input.EntryB); err != nil {
		return nil, OKResult{}, err
	}
	return nil, OKResult{OK: true}, nil
}

func (s *Service) orderHandler(ctx context.Context, _ *mcp.CallToolRequest, input OrderInput) (*mcp.CallToolResult, OKResult, error) {
	if err := s.repo.UpdateOrder(ctx, s.current(), input.EntryID, input.Order); err != nil {
		return nil, OKResult{}, err
	}
	return nil, OKResult{OK: true}, nil
}

func (s *Service) clearHandler(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, ClearResult, error) {
	removed, err := s.repo.ClearCompleted(ctx, s.current())
	if err != nil {
		return nil, ClearResult{}, err
	}
	return nil, ClearResult{Removed: removed}, nil
}

func sessionResult(session domain.Session) SessionResult {
	return SessionResult{
		Code:      session.Code,
		MemberID:  session.MemberID,
		Nickname:  session.Nickname,
		ExpiresAt: formatTime(session.ExpiresAt),
	}
}

func partyResult(party domain.Party) PartyResult {
	result := PartyResult{
		Code:      party.Code,
		CreatedBy: party.Meta.CreatedBy,
		ExpiresAt: formatTime(party.Meta.ExpiresAtTime()),
		Members:   make([]MemberResult, 0, len(party.Members)),
		Route:     make([]EntryResult, 0, len(party.Route)),
	}
	for _, m := range party.Members {
		result.Members = append(result.Members, MemberResult{ID: m.ID, Nickname: m.Nickname, IsLeader: m.IsLeader})
	}
	for _, e := range party.Route {
		result.Route = append(result.Route, EntryResult{
			EntryID:     e.Key,
			TreasureRef: e.Ref,
			MapID:       e.MapID,
			X:           e.Coords.X,
			Y:           e.Coords.Y,
			GradeItemID: e.GradeItemID,
			PartySize:   e.PartySize,
			AddedBy:     e.AddedByNickname,
			Order:       e.Order,
			Completed:   e.Completed,
		})
	}
	return result
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
