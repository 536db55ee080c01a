package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treasureparty/partysync/internal/services/party/domain"
	"github.com/treasureparty/partysync/internal/services/party/repository"
	"github.com/treasureparty/partysync/internal/services/party/sessioncache"
	"github.com/treasureparty/partysync/internal/services/party/watcher"
)

const (
	serverName    = "partysync"
	serverVersion = "0.1.0"

	// PartyResourceURI addresses the followed party.
	PartyResourceURI = "party://current"
)

var errRejoinUnavailable = errors.New("no session cache configured")

// Service binds MCP tools to one party client.
type Service struct {
	repo        *repository.Repository
	reconnector *sessioncache.Reconnector
	watcher     *watcher.Watcher
	server      *mcp.Server

	mu      sync.Mutex
	session domain.Session
}

// New builds the MCP server. reconnector and w may be nil; without a
// watcher the resource is never reported as updated.
func New(repo *repository.Repository, reconnector *sessioncache.Reconnector, w *watcher.Watcher) *Service {
	s := &Service{repo: repo, reconnector: reconnector, watcher: w}
	s.server = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, &mcp.ServerOptions{
		SubscribeHandler:   subscribeHandler,
		UnsubscribeHandler: unsubscribeHandler,
	})
	s.registerTools()
	s.server.AddResource(&mcp.Resource{
		Name:        "party_current",
		Title:       "Current Party",
		Description: "Members and route of the party this server follows",
		MIMEType:    "application/json",
		URI:         PartyResourceURI,
	}, s.partyResourceHandler)
	return s
}

// Server returns the underlying MCP server.
func (s *Service) Server() *mcp.Server {
	return s.server
}

// Session returns the followed party session.
func (s *Service) Session() domain.Session {
	return s.current()
}

// Run serves transport until ctx ends or the peer disconnects.
func (s *Service) Run(ctx context.Context, transport mcp.Transport) error {
	defer s.unfollow()
	err := s.server.Run(ctx, transport)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunStdio serves MCP over stdin and stdout.
func (s *Service) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

func (s *Service) current() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// follow makes session current and starts watching it so subscribed
// clients hear about changes.
func (s *Service) follow(ctx context.Context, session domain.Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	if s.watcher == nil {
		return
	}
	notify := func() {
		if err := s.server.ResourceUpdated(context.Background(), &mcp.ResourceUpdatedNotificationParams{URI: PartyResourceURI}); err != nil {
			log.Printf("party mcp resource notify: %v", err)
		}
	}
	s.watcher.SetCallbacks(watcher.Callbacks{
		OnMembersChange:   func(watcher.MembersChange) { notify() },
		OnTreasuresChange: func(watcher.TreasuresChange) { notify() },
		OnMetaChange:      func(watcher.MetaChange) { notify() },
		OnError: func(err error) {
			log.Printf("party mcp sync code=%s: %v", session.Code, err)
		},
	})
	if err := s.watcher.StartSync(ctx, session); err != nil {
		log.Printf("party mcp start sync code=%s: %v", session.Code, err)
	}
}

func (s *Service) unfollow() {
	s.mu.Lock()
	s.session = domain.Session{}
	s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.StopSync()
	}
}

func (s *Service) partyResourceHandler(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := PartyResourceURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}
	party, err := s.repo.Party(ctx, s.current())
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(partyResult(party), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal party: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}

func subscribeHandler(_ context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("resource uri is required")
	}
	return checkResourceURI(req.Params.URI)
}

func unsubscribeHandler(_ context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("resource uri is required")
	}
	return checkResourceURI(req.Params.URI)
}

func checkResourceURI(uri string) error {
	switch strings.TrimSpace(uri) {
	case "":
		return fmt.Errorf("resource uri is required")
	case PartyResourceURI:
		return nil
	default:
		return fmt.Errorf("unknown resource %q", uri)
	}
}
