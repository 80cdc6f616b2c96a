// Package client is an assistant client for simulators and tests. It dials
// the live endpoint, performs the session handshake, dispatches inbound
// messages to a handler, and reconnects with bounded exponential backoff
// when the connection drops. Server-side session state is disposable; a
// reconnect simply starts a fresh session.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/auralens/auralens/pkg/wire"
)

// ErrNotConnected is returned by Send while the client is between
// connections.
var ErrNotConnected = errors.New("client: not connected")

// handshakeTimeout bounds the wait for session_ready after dialing.
const handshakeTimeout = 5 * time.Second

// Config wires a Client.
type Config struct {
	URL         string // ws:// or wss:// endpoint
	SessionID   string // optional; server assigns one when empty
	Mode        string
	Sensitivity int

	// Handler receives every inbound message after session_ready. Called
	// from the read loop; it must not block.
	Handler func(m wire.Msg)

	// MaxElapsed bounds the total reconnect backoff. Zero means a 30s bound.
	MaxElapsed time.Duration

	Log *slog.Logger
}

// Client maintains one logical session over possibly many connections.
type Client struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
	ws *websocket.Conn

	sessionMu sync.Mutex
	sessionID string
}

// New creates a Client. Call Run to connect.
func New(cfg Config) *Client {
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}
}

// SessionID returns the server-acknowledged session ID of the current
// connection, or empty when not connected.
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// Send writes a message on the current connection.
func (c *Client) Send(m wire.Msg) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Run connects and serves inbound messages until ctx is done or the
// reconnect backoff is exhausted. It blocks.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.connect(ctx); err != nil {
			return err
		}
		err := c.readLoop(ctx)
		c.disconnect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost, reconnecting", "error", err)
	}
}

// End sends session_end and closes the connection.
func (c *Client) End(reason string) error {
	err := c.Send(&wire.SessionEnd{Reason: reason})
	c.disconnect()
	return err
}

// connect dials with bounded exponential backoff and completes the session
// handshake.
func (c *Client) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxElapsed

	return backoff.Retry(func() error {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.log.Debug("dial failed", "url", c.cfg.URL, "error", err)
			return err
		}
		if err := c.handshake(ws); err != nil {
			ws.Close()
			return err
		}
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) handshake(ws *websocket.Conn) error {
	data, err := wire.Marshal(&wire.SessionStart{
		SessionID:   c.cfg.SessionID,
		Mode:        c.cfg.Mode,
		Sensitivity: c.cfg.Sensitivity,
	})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, resp, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	_ = ws.SetReadDeadline(time.Time{})

	m, err := wire.Unmarshal(resp)
	if err != nil {
		return err
	}
	ready, ok := m.(*wire.SessionReady)
	if !ok {
		return fmt.Errorf("client: expected session_ready, got %s", m.MsgType())
	}

	c.sessionMu.Lock()
	c.sessionID = ready.SessionID
	c.sessionMu.Unlock()
	c.log.Info("session ready", "session", ready.SessionID)
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	// Unblock the read when the context ends.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		m, err := wire.Unmarshal(data)
		if err != nil {
			c.log.Warn("bad message dropped", "error", err)
			continue
		}
		if _, closed := m.(*wire.SessionClosed); closed {
			return errors.New("client: session closed by server")
		}
		if c.cfg.Handler != nil {
			c.cfg.Handler(m)
		}
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
	c.sessionMu.Lock()
	c.sessionID = ""
	c.sessionMu.Unlock()
}
