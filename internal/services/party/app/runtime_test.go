package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/treasureparty/partysync/internal/services/party/domain"
	"github.com/treasureparty/partysync/internal/services/party/sessioncache"
	"github.com/treasureparty/partysync/internal/services/party/watcher"
	realtimeserver "github.com/treasureparty/partysync/internal/services/realtime/app"
)

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatal("expected error without data dir")
	}
}

func TestLocalRuntimeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	session, err := first.Repository.Create(ctx, "Ann")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := first.Repository.AddTreasure(ctx, session, domain.Treasure{Ref: "g1", MapID: "m"}); err != nil {
		t.Fatalf("AddTreasure() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()

	record, ok, err := second.Reconnector.Check()
	if err != nil || !ok || record.PartyCode != session.Code {
		t.Fatalf("Check() = %+v, %v, %v", record, ok, err)
	}
	rejoined, err := second.Reconnector.TryRejoin(ctx)
	if err != nil {
		t.Fatalf("TryRejoin() error = %v", err)
	}
	if rejoined.MemberID != session.MemberID {
		t.Fatalf("identity changed: %q != %q", rejoined.MemberID, session.MemberID)
	}
	party, err := second.Repository.Party(ctx, rejoined)
	if err != nil {
		t.Fatalf("Party() error = %v", err)
	}
	if len(party.Route) != 1 || len(party.Members) != 1 || !party.Members[0].IsLeader {
		t.Fatalf("party = %+v", party)
	}
	if second.Reconnector.State() != sessioncache.StateActive {
		t.Fatalf("state = %s", second.Reconnector.State())
	}
}

func TestRemoteRuntimes(t *testing.T) {
	ctx := context.Background()
	server, err := realtimeserver.New(ctx, realtimeserver.Options{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("server New() error = %v", err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- server.Serve(serveCtx) }()
	defer func() {
		cancel()
		<-done
	}()
	url := "ws://" + server.Addr() + realtimeserver.WebsocketPath

	aliceDir := t.TempDir()
	alice, err := Open(ctx, Options{StoreURL: url, DataDir: aliceDir, SignInTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("alice Open() error = %v", err)
	}
	bob, err := Open(ctx, Options{StoreURL: url, DataDir: t.TempDir(), SignInTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("bob Open() error = %v", err)
	}
	defer bob.Close()

	session, err := alice.Repository.Create(ctx, "Alice")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	members := make(chan watcher.MembersChange, 16)
	alice.Watcher.OnMembersChange(func(c watcher.MembersChange) { members <- c })
	if err := alice.Watcher.StartSync(ctx, session); err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}

	if _, err := bob.Repository.Join(ctx, session.Code, "Bob"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	waitFor(t, func() bool {
		select {
		case c := <-members:
			return len(c.Members) == 2 && c.Origin == watcher.OriginRemote
		default:
			return false
		}
	})
	waitFor(t, alice.Watcher.PresenceRegistered)
	firstID := session.MemberID
	if err := alice.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	again, err := Open(ctx, Options{StoreURL: url, DataDir: aliceDir, SignInTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer again.Close()
	userID, err := again.Identity.EnsureSignedIn(ctx)
	if err != nil {
		t.Fatalf("EnsureSignedIn() error = %v", err)
	}
	if userID != firstID {
		t.Fatalf("user id = %q, want %q", userID, firstID)
	}

	// Alice's presence hook removes her once the server sees the close.
	waitFor(t, func() bool {
		party, err := again.Repository.Party(ctx, session)
		if err != nil {
			t.Fatalf("Party() error = %v", err)
		}
		for _, m := range party.Members {
			if m.ID == firstID {
				return false
			}
		}
		return len(party.Members) == 1
	})
	if _, err := again.Repository.Join(ctx, "zzzz", "x"); !errors.Is(err, domain.ErrInvalidCodeFormat) {
		t.Fatalf("Join() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
