package partyctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/treasureparty/partysync/internal/services/party/app"
	"github.com/treasureparty/partysync/internal/services/party/domain"
	"github.com/treasureparty/partysync/internal/services/party/sessioncache"
	"github.com/treasureparty/partysync/internal/services/party/watcher"
)

type command struct {
	name string
	run  func(context.Context) error
}

type commander struct {
	rt   *app.Runtime
	out  io.Writer
	args docopt.Opts

	mu sync.Mutex
}

func (c *commander) commands() []command {
	return []command{
		{"create", c.create},
		{"join", c.join},
		{"rejoin", c.rejoin},
		{"leave", c.leave},
		{"show", c.show},
		{"nick", c.nick},
		{"add", c.add},
		{"remove", c.remove},
		{"toggle", c.toggle},
		{"swap", c.swap},
		{"order", c.order},
		{"clear", c.clear},
		{"watch", c.watch},
	}
}

func (c *commander) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// session rejoins the saved party so a fresh process can act in it.
func (c *commander) session(ctx context.Context) (domain.Session, error) {
	session, err := c.rt.Reconnector.TryRejoin(ctx)
	if errors.Is(err, sessioncache.ErrNoSavedSession) {
		return domain.Session{}, errors.New("not in a party: run create or join first")
	}
	return session, err
}

func (c *commander) create(ctx context.Context) error {
	session, err := c.rt.Repository.Create(ctx, stringArg(c.args, "--nick"))
	if err != nil {
		return err
	}
	c.printSession("created", session)
	return nil
}

func (c *commander) join(ctx context.Context) error {
	session, err := c.rt.Repository.Join(ctx, stringArg(c.args, "<code>"), stringArg(c.args, "--nick"))
	if err != nil {
		return err
	}
	c.printSession("joined", session)
	return nil
}

func (c *commander) rejoin(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	c.printSession("rejoined", session)
	return nil
}

func (c *commander) leave(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	if err := c.rt.Repository.Leave(ctx, session); err != nil {
		return err
	}
	c.rt.Reconnector.Reset()
	c.printf("left party %s\n", session.Code)
	return nil
}

func (c *commander) show(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	party, err := c.rt.Repository.Party(ctx, session)
	if err != nil {
		return err
	}
	c.printf("party %s expires %s\n", party.Code, party.Meta.ExpiresAtTime().Format(time.RFC3339))
	c.printMembers(party.Members, session.MemberID)
	c.printRoute(party.Route)
	return nil
}

func (c *commander) nick(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	session, err = c.rt.Repository.UpdateNickname(ctx, session, stringArg(c.args, "<nickname>"))
	if err != nil {
		return err
	}
	c.printf("nickname %s\n", session.Nickname)
	return nil
}

func (c *commander) add(ctx context.Context) error {
	treasure, err := treasureArgs(c.args)
	if err != nil {
		return err
	}
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	key, err := c.rt.Repository.AddTreasure(ctx, session, treasure)
	if err != nil {
		return err
	}
	c.printf("added %s\n", key)
	return nil
}

func (c *commander) remove(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	entry := stringArg(c.args, "<entry>")
	if err := c.rt.Repository.RemoveTreasure(ctx, session, entry); err != nil {
		return err
	}
	c.printf("removed %s\n", entry)
	return nil
}

func (c *commander) toggle(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	entry := stringArg(c.args, "<entry>")
	completed, err := c.rt.Repository.ToggleComplete(ctx, session, entry)
	if err != nil {
		return err
	}
	c.printf("%s completed=%t\n", entry, completed)
	return nil
}

func (c *commander) swap(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	a, b := stringArg(c.args, "<entry>"), stringArg(c.args, "<other>")
	if err := c.rt.Repository.SwapOrder(ctx, session, a, b); err != nil {
		return err
	}
	c.printf("swapped %s and %s\n", a, b)
	return nil
}

func (c *commander) order(ctx context.Context) error {
	order, err := strconv.ParseFloat(stringArg(c.args, "<order>"), 64)
	if err != nil {
		return fmt.Errorf("parse order: %w", err)
	}
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	entry := stringArg(c.args, "<entry>")
	if err := c.rt.Repository.UpdateOrder(ctx, session, entry, order); err != nil {
		return err
	}
	c.printf("%s order=%g\n", entry, order)
	return nil
}

func (c *commander) clear(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	removed, err := c.rt.Repository.ClearCompleted(ctx, session)
	if err != nil {
		return err
	}
	c.printf("cleared %d completed\n", removed)
	return nil
}

// watch prints party changes until the context ends.
func (c *commander) watch(ctx context.Context) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	w := c.rt.Watcher
	w.SetCallbacks(watcher.Callbacks{
		OnMembersChange: func(change watcher.MembersChange) {
			c.printf("members (%s):\n", change.Origin)
			c.printMembers(change.Members, session.MemberID)
		},
		OnTreasuresChange: func(change watcher.TreasuresChange) {
			c.printf("route (%s):\n", change.Origin)
			c.printRoute(change.Entries)
		},
		OnConnectionChange: func(connected bool) {
			c.printf("connected=%t\n", connected)
		},
		OnMetaChange: func(change watcher.MetaChange) {
			if !change.Exists {
				c.printf("party %s no longer exists\n", session.Code)
			}
		},
		OnError: func(err error) {
			c.printf("error: %v\n", err)
		},
	})
	if err := w.StartSync(ctx, session); err != nil {
		return err
	}
	defer w.StopSync()
	c.printf("watching party %s\n", session.Code)
	<-ctx.Done()
	return nil
}

func (c *commander) printSession(verb string, session domain.Session) {
	c.printf("%s party %s as %s\n", verb, session.Code, session.Nickname)
}

func (c *commander) printMembers(members []domain.Member, self string) {
	c.printf("members %d/%d:\n", len(members), c.rt.Repository.MaxMembers())
	for _, m := range members {
		marker := " "
		if m.ID == self {
			marker = "*"
		}
		role := ""
		if m.IsLeader {
			role = " (leader)"
		}
		c.printf("  %s %s%s\n", marker, m.Nickname, role)
	}
}

func (c *commander) printRoute(route []domain.RouteEntry) {
	c.printf("route %d:\n", len(route))
	for _, e := range route {
		check := " "
		if e.Completed {
			check = "x"
		}
		c.printf("  [%s] %g %s map=%s (%g, %g) by %s\n", check, e.Order, e.Key, e.MapID, e.Coords.X, e.Coords.Y, e.AddedByNickname)
	}
}

func treasureArgs(args docopt.Opts) (domain.Treasure, error) {
	x, err := args.Float64("<x>")
	if err != nil {
		return domain.Treasure{}, fmt.Errorf("parse x: %w", err)
	}
	y, err := args.Float64("<y>")
	if err != nil {
		return domain.Treasure{}, fmt.Errorf("parse y: %w", err)
	}
	treasure := domain.Treasure{
		Ref:         stringArg(args, "--ref"),
		MapID:       stringArg(args, "<map>"),
		Coords:      domain.Coords{X: x, Y: y},
		GradeItemID: stringArg(args, "--grade"),
	}
	if size := stringArg(args, "--size"); size != "" {
		treasure.PartySize, err = strconv.Atoi(size)
		if err != nil {
			return domain.Treasure{}, fmt.Errorf("parse size: %w", err)
		}
	}
	return treasure, nil
}
