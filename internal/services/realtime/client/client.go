// Package client connects to the realtime server over a websocket and
// exposes it as a store.Store. The connection is re-established with
// exponential backoff; subscriptions survive reconnects and the identity
// token is persisted so the user id stays stable.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/treasureparty/partysync/internal/platform/timeouts"
	"github.com/treasureparty/partysync/internal/services/realtime/link"
	"github.com/treasureparty/partysync/internal/services/realtime/protocol"
	"github.com/treasureparty/partysync/internal/services/realtime/store"
)

// Settings tunes the connection loop.
type Settings struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	PingPeriod       time.Duration
	AuthTimeout      time.Duration
	SendBuffer       int
}

// DefaultSettings returns production settings.
func DefaultSettings() Settings {
	return Settings{
		ReconnectInitial: 250 * time.Millisecond,
		ReconnectMax:     15 * time.Second,
		WriteTimeout:     timeouts.WebsocketWrite,
		PongTimeout:      timeouts.WebsocketPong,
		PingPeriod:       timeouts.WebsocketPing,
		AuthTimeout:      timeouts.WebsocketAuth,
		SendBuffer:       64,
	}
}

// Config configures Dial.
type Config struct {
	// URL is the websocket endpoint, for example ws://localhost:8095/ws.
	URL string
	// Tokens persists the identity token. Nil keeps it in memory only.
	Tokens   TokenStore
	Settings Settings
}

// Client is a store.Store over a websocket connection.
type Client struct {
	*link.Link

	url      string
	tokens   TokenStore
	settings Settings
	dialer   *websocket.Dialer
	nextID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	identityMu sync.Mutex
	userID     string
	signedIn   chan struct{}
	signInOnce sync.Once

	transportMu sync.Mutex
	ws          *websocket.Conn
}

// Dial starts connecting in the background and returns immediately. Store
// operations fail with store.ErrDisconnected until the first connection is
// up; EnsureSignedIn waits for it.
func Dial(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime url is required")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = &memoryTokens{}
	}
	if cfg.Settings == (Settings{}) {
		cfg.Settings = DefaultSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Link:     link.New(),
		url:      cfg.URL,
		tokens:   cfg.Tokens,
		settings: cfg.Settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Settings.AuthTimeout,
		},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		signedIn: make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// EnsureSignedIn waits until the first connection is up and the server has
// assigned an identity, then returns the stable user id.
func (c *Client) EnsureSignedIn(ctx context.Context) (string, error) {
	select {
	case <-c.signedIn:
		c.identityMu.Lock()
		defer c.identityMu.Unlock()
		return c.userID, nil
	case <-c.done:
		return "", store.ErrClosed
	case <-ctx.Done():
		return "", fmt.Errorf("sign in: %w", ctx.Err())
	}
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	c.Link.Close()
	return nil
}

// DropConnection closes the live websocket without stopping the client, as
// a network failure would. The loop reconnects with backoff.
func (c *Client) DropConnection() {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

func (c *Client) run() {
	defer close(c.done)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = c.settings.ReconnectInitial
	reconnect.MaxInterval = c.settings.ReconnectMax

	for {
		ws, identity, err := c.connect()
		if err != nil {
			glog.Infof("[c]connect %s error = %s\n", c.url, err)
		} else {
			reconnect.Reset()
			c.serve(ws, identity)
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (c *Client) connect() (*websocket.Conn, protocol.Identity, error) {
	ws, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		return nil, protocol.Identity{}, err
	}
	success := false
	defer func() {
		if !success {
			_ = ws.Close()
		}
	}()

	saved, err := c.tokens.LoadToken()
	if err != nil {
		glog.Infof("[c]load token error = %s\n", err)
	}
	auth, err := protocol.Encode(protocol.Request{ID: c.nextID.Add(1), Op: protocol.OpAuth, Token: saved})
	if err != nil {
		return nil, protocol.Identity{}, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, auth); err != nil {
		return nil, protocol.Identity{}, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.settings.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, protocol.Identity{}, err
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return nil, protocol.Identity{}, err
	}
	if msg.Error != nil {
		return nil, protocol.Identity{}, msg.Error.Err()
	}
	if msg.Identity == nil || msg.Identity.UserID == "" {
		return nil, protocol.Identity{}, errors.New("auth reply without identity")
	}
	identity := *msg.Identity
	if identity.Token != saved {
		if err := c.tokens.SaveToken(identity.Token); err != nil {
			glog.Infof("[c]save token error = %s\n", err)
		}
	}

	c.identityMu.Lock()
	c.userID = identity.UserID
	c.identityMu.Unlock()

	success = true
	return ws, identity, nil
}

// serve runs one connection until it drops.
func (c *Client) serve(ws *websocket.Conn, identity protocol.Identity) {
	connCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	defer ws.Close()

	c.transportMu.Lock()
	c.ws = ws
	c.transportMu.Unlock()
	defer func() {
		c.transportMu.Lock()
		c.ws = nil
		c.transportMu.Unlock()
	}()

	t := newTransport(connCtx, identity.ConnectionID, &c.nextID, c.settings.SendBuffer)
	glog.V(1).Infof("[c]connected %s user=%s\n", identity.ConnectionID, identity.UserID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(connCtx, ws, t)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(connCtx, ws, t)
	}()

	c.Link.Attach(connCtx, t)
	c.signInOnce.Do(func() { close(c.signedIn) })
	<-connCtx.Done()
	c.Link.Detach()
	_ = ws.Close()
	wg.Wait()
	glog.V(1).Infof("[c]disconnected %s\n", identity.ConnectionID)
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, t *wsTransport) {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.settings.WriteTimeout))
			return
		case data := <-t.send:
			_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Infof("[cs]%s-> error = %s\n", t.id, err)
				return
			}
			glog.V(2).Infof("[cs]%s->\n", t.id)
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, t *wsTransport) {
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	}
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })
	ws.SetPingHandler(func(appData string) error {
		_ = extend()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.settings.WriteTimeout))
	})

	for ctx.Err() == nil {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				glog.Infof("[cr]%s<- error = %s\n", t.id, err)
			}
			return
		}
		_ = extend()
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			glog.Infof("[cr]%s<- drop = %s\n", t.id, err)
			continue
		}
		switch {
		case msg.Event != nil:
			c.Link.Deliver(msg.Sub, msg.Event.Path, msg.Event.Value, msg.Event.Writer)
		case msg.ID != 0:
			t.resolve(msg)
		default:
			if msg.Error != nil {
				glog.Infof("[cr]%s<- error reply = %s\n", t.id, msg.Error.Message)
			}
		}
	}
}
