// Package bridgeclient keeps a local agent connected to the gateway and turns
// incoming messages into session turns.
package bridgeclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"agentbridge/internal/adapter"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
	"agentbridge/internal/session"

	"nhooyr.io/websocket"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectInitial  = 1 * time.Second
	DefaultReconnectMax      = 60 * time.Second

	registerTimeout = 10 * time.Second
	writeTimeout    = 10 * time.Second
	readLimit       = 1 << 20
)

var (
	// ErrRejected is returned by Run when the gateway refuses registration.
	ErrRejected = errors.New("registration rejected")

	errNotConnected = errors.New("not connected to gateway")
)

type Options struct {
	GatewayURL   string
	AgentID      string
	Token        string
	AgentType    string
	Capabilities []string

	HeartbeatInterval time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = DefaultReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = o.ReconnectInitial
	}
	if len(o.Capabilities) == 0 {
		o.Capabilities = adapter.Capabilities(o.AgentType)
	}
}

// Client owns the persistent connection. Sessions outlive reconnects; turn
// output is written to whichever connection is current when it is produced.
type Client struct {
	opts    Options
	pool    *session.Pool
	started time.Time

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func New(opts Options, pool *session.Pool) *Client {
	opts.setDefaults()
	return &Client{opts: opts, pool: pool, started: time.Now()}
}

// Run connects and serves until ctx is done or registration is rejected.
func (c *Client) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	backoff := c.opts.ReconnectInitial

	for {
		registered, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if registered {
			backoff = c.opts.ReconnectInitial
		}
		if err != nil {
			logger.Warn("gateway connection ended", "err", err.Error(), "retry_in", backoff.String())
		} else {
			logger.Warn("gateway connection closed", "retry_in", backoff.String())
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.GatewayURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.opts.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectAndServe runs one connection. registered reports whether the
// handshake completed, which resets the backoff.
func (c *Client) connectAndServe(ctx context.Context) (registered bool, err error) {
	logger := logging.FromContext(ctx)

	target, err := c.dialURL()
	if err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(connCtx, registerTimeout)
	ws, _, err := websocket.Dial(dialCtx, target, nil)
	dialCancel()
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	if err := c.register(connCtx, ws); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == ws {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	logger.Info("agent registered",
		"agent_id", c.opts.AgentID,
		"agent_type", c.opts.AgentType,
		"gateway", c.opts.GatewayURL,
		"active_sessions", c.pool.Len(),
	)

	go c.heartbeatLoop(connCtx, ws)
	return true, c.readLoop(connCtx, ws)
}

func (c *Client) register(ctx context.Context, ws *websocket.Conn) error {
	reg := protocol.Register{
		AgentID:       c.opts.AgentID,
		Token:         c.opts.Token,
		BridgeVersion: protocol.Version,
		AgentType:     c.opts.AgentType,
		Capabilities:  c.opts.Capabilities,
	}
	if err := c.write(ctx, ws, reg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	for {
		_, data, err := ws.Read(rctx)
		if err != nil {
			return fmt.Errorf("await registered: %w", err)
		}
		f, err := protocol.Decode(data)
		if err != nil {
			return fmt.Errorf("await registered: %w", err)
		}
		ack, ok := f.(protocol.Registered)
		if !ok {
			continue
		}
		if ack.Status != protocol.StatusOK {
			reason := ack.Error
			if reason == "" {
				reason = "no reason given"
			}
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("%w: %s", ErrRejected, reason)
		}
		return nil
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	logger := logging.FromContext(ctx)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return nil
			}
			return err
		}
		f, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("invalid frame from gateway", "err", err.Error())
			continue
		}
		switch m := f.(type) {
		case protocol.Message:
			c.handleMessage(ctx, m)
		case protocol.Cancel:
			c.handleCancel(ctx, m)
		default:
			logger.Debug("ignoring frame", "type", f.FrameType())
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, m protocol.Message) {
	logger := logging.FromContext(ctx)
	if m.SessionID == "" || m.RequestID == "" {
		c.reply(ctx, protocol.Error{
			SessionID: m.SessionID,
			RequestID: m.RequestID,
			Code:      protocol.CodeInvalidMessage,
			Message:   "message requires session_id and request_id",
		})
		return
	}

	logger.Debug("message received", "session_id", m.SessionID, "request_id", m.RequestID, "bytes", len(m.Content))
	// Turns outlive the connection they arrived on.
	turnCtx := context.WithoutCancel(ctx)
	err := c.pool.Begin(turnCtx, m.SessionID, m.RequestID, m.Content, m.Attachments, c.sink(turnCtx, m.SessionID))
	if err != nil {
		logger.Warn("turn rejected", "session_id", m.SessionID, "request_id", m.RequestID, "err", err.Error())
		c.reply(ctx, protocol.Error{
			SessionID: m.SessionID,
			RequestID: m.RequestID,
			Code:      session.ErrorCode(err),
			Message:   err.Error(),
		})
	}
}

func (c *Client) handleCancel(ctx context.Context, m protocol.Cancel) {
	s, ok := c.pool.Get(m.SessionID)
	if !ok {
		return
	}
	if s.Cancel(m.RequestID) {
		logging.FromContext(ctx).Info("request cancelled", "session_id", m.SessionID, "request_id", m.RequestID)
	}
}

// sink turns session events into frames for the gateway.
func (c *Client) sink(ctx context.Context, sessionID string) session.Sink {
	return func(ev adapter.Event) {
		switch ev.Kind {
		case adapter.EventChunk:
			c.reply(ctx, protocol.Chunk{SessionID: sessionID, RequestID: ev.RequestID, Delta: ev.Delta})
		case adapter.EventDone:
			c.reply(ctx, protocol.Done{SessionID: sessionID, RequestID: ev.RequestID})
		case adapter.EventError:
			c.reply(ctx, protocol.Error{SessionID: sessionID, RequestID: ev.RequestID, Code: ev.Code, Message: ev.Message})
		}
	}
}

func (c *Client) reply(ctx context.Context, f protocol.Frame) {
	if err := c.send(ctx, f); err != nil {
		logging.FromContext(ctx).Warn("dropping reply",
			"type", f.FrameType(),
			"request_id", protocol.RequestID(f),
			"err", err.Error(),
		)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hb := protocol.Heartbeat{
				ActiveSessions: c.pool.Len(),
				UptimeMs:       time.Since(c.started).Milliseconds(),
			}
			if err := c.write(ctx, ws, hb); err != nil {
				logging.FromContext(ctx).Debug("heartbeat failed", "err", err.Error())
			}
		}
	}
}

// send writes f on the current connection.
func (c *Client) send(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return errNotConnected
	}
	return c.write(ctx, ws, f)
}

func (c *Client) write(ctx context.Context, ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.Write(wctx, websocket.MessageText, data)
}

// Connected reports whether a registered connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
