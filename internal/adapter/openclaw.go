package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	DefaultOpenClawURL = "ws://127.0.0.1:18789"

	openClawProtocol = 3
	handshakeTimeout = 10 * time.Second
	probeTimeout     = 5 * time.Second
)

type openClawRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type openClawClient struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type openClawConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      openClawClient `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Commands    []string       `json:"commands"`
	Permissions map[string]any `json:"permissions"`
	Auth        struct {
		Token string `json:"token"`
	} `json:"auth"`
}

type openClawAgentParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type openClawMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Event   string `json:"event"`
	Payload *struct {
		Type     string `json:"type"`
		Status   string `json:"status"`
		Response string `json:"response"`
		Stream   string `json:"stream"`
		Data     *struct {
			Text  string `json:"text"`
			Phase string `json:"phase"`
		} `json:"data"`
	} `json:"payload"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (m openClawMessage) errorText() string {
	if m.Error != nil && m.Error.Message != "" {
		return m.Error.Message
	}
	if m.Message != "" {
		return m.Message
	}
	return "unknown"
}

// SocketHandle talks to a local OpenClaw gateway over one websocket, opened
// on the first turn and reused afterwards. OpenClaw reports the assistant's
// reply as cumulative text, which is diffed into deltas here.
type SocketHandle struct {
	*emitter

	sessionID  string
	sessionKey string
	url        string
	token      string
	logger     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ws       *websocket.Conn
	turn     string
	fullText string

	connMu  sync.Mutex
	writeMu sync.Mutex
}

func NewSocket(sessionID string, cfg Config) *SocketHandle {
	url := cfg.GatewayURL
	if url == "" {
		url = DefaultOpenClawURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketHandle{
		emitter:    newEmitter(),
		sessionID:  sessionID,
		sessionKey: "bridge:" + sessionID,
		url:        url,
		token:      cfg.GatewayToken,
		logger:     cfg.logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Send reserves the turn and returns. Connecting and submitting the agent
// request happen in the background; failures arrive as an error event.
func (h *SocketHandle) Send(_ context.Context, requestID, text string, attachments []protocol.Attachment) error {
	if h.terminated() {
		return ErrTerminated
	}

	h.mu.Lock()
	if h.turn != "" {
		h.mu.Unlock()
		return ErrBusy
	}
	h.turn = requestID
	h.fullText = ""
	h.mu.Unlock()

	go h.startTurn(requestID, withAttachments(text, attachments))
	return nil
}

func (h *SocketHandle) startTurn(requestID, message string) {
	ws, err := h.ensureConn()
	if err != nil {
		h.failTurn(requestID, err.Error())
		return
	}
	if !h.isTurn(requestID) {
		// Interrupted while connecting.
		return
	}

	req := openClawRequest{
		Type:   "req",
		ID:     uuid.NewString(),
		Method: "agent",
		Params: openClawAgentParams{
			Message:        message,
			SessionKey:     h.sessionKey,
			IdempotencyKey: fmt.Sprintf("idem-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8]),
		},
	}
	if err := h.write(h.ctx, ws, req); err != nil {
		h.drop(ws)
		h.failTurn(requestID, fmt.Sprintf("send agent request: %v", err))
	}
}

// ensureConn returns the open socket, dialing and handshaking if there is
// none.
func (h *SocketHandle) ensureConn() (*websocket.Conn, error) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	h.mu.Lock()
	ws := h.ws
	h.mu.Unlock()
	if ws != nil {
		return ws, nil
	}

	ws, err := h.connect(h.ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.terminated() {
		h.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, ErrTerminated
	}
	h.ws = ws
	h.mu.Unlock()
	go h.readLoop(ws)
	return ws, nil
}

func (h *SocketHandle) isTurn(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turn == requestID
}

// failTurn ends requestID with an error if it is still the running turn.
func (h *SocketHandle) failTurn(requestID, msg string) {
	h.mu.Lock()
	if h.turn != requestID {
		h.mu.Unlock()
		return
	}
	h.turn = ""
	h.mu.Unlock()
	if h.terminated() {
		return
	}
	h.logger.Warn("openclaw turn failed", "session_id", h.sessionID, "request_id", requestID, "err", msg)
	h.emit(requestID, failure(protocol.CodeAdapterCrash, msg))
}

// Interrupt abandons the running turn. OpenClaw has no abort request, so the
// run continues remotely; its remaining output is dropped.
func (h *SocketHandle) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turn = ""
	h.fullText = ""
}

// connect dials the gateway and completes the operator handshake.
func (h *SocketHandle) connect(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dctx, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to openclaw at %s: %w", h.url, err)
	}
	ws.SetReadLimit(4 << 20)

	params := openClawConnectParams{
		MinProtocol: openClawProtocol,
		MaxProtocol: openClawProtocol,
		Client: openClawClient{
			ID:          "gateway-client",
			DisplayName: "Agent Bridge",
			Version:     protocol.Version,
			Platform:    "go",
			Mode:        "backend",
		},
		Role:        "operator",
		Scopes:      []string{"operator.read", "operator.write"},
		Caps:        []string{},
		Commands:    []string{},
		Permissions: map[string]any{},
	}
	params.Auth.Token = h.token
	if err := h.write(dctx, ws, openClawRequest{Type: "req", ID: uuid.NewString(), Method: "connect", Params: params}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send connect: %w", err)
	}

	for {
		_, data, err := ws.Read(dctx)
		if err != nil {
			_ = ws.Close(websocket.StatusInternalError, "")
			return nil, fmt.Errorf("openclaw handshake: %w", err)
		}
		var msg openClawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "res":
			if msg.OK && msg.Payload != nil && msg.Payload.Type == "hello-ok" {
				h.logger.Debug("openclaw handshake complete", "session_id", h.sessionID, "url", h.url)
				return ws, nil
			}
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("openclaw auth failed: %s", msg.errorText())
		case "error":
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("openclaw error: %s", msg.errorText())
		}
		// Events such as connect.challenge precede the response.
	}
}

func (h *SocketHandle) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(h.ctx)
		if err != nil {
			h.lost(ws, err)
			return
		}
		var msg openClawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed openclaw frame", "session_id", h.sessionID, "err", err.Error())
			continue
		}
		h.handle(ws, msg)
	}
}

func (h *SocketHandle) handle(ws *websocket.Conn, msg openClawMessage) {
	switch msg.Type {
	case "event":
		if msg.Event != "agent" || msg.Payload == nil || msg.Payload.Data == nil {
			return
		}
		switch msg.Payload.Stream {
		case "assistant":
			h.mu.Lock()
			turn := h.turn
			delta, ok := nextDelta(h.fullText, msg.Payload.Data.Text)
			if ok && turn != "" {
				h.fullText = msg.Payload.Data.Text
			}
			h.mu.Unlock()
			if ok && turn != "" {
				h.emit(turn, chunk(delta))
			}
		case "lifecycle":
			if msg.Payload.Data.Phase == "end" {
				if turn := h.finishTurn(); turn != "" {
					h.emit(turn, done())
				}
			}
		}

	case "res":
		if msg.OK && msg.Payload != nil && msg.Payload.Status == "accepted" {
			return
		}
		turn := h.finishTurn()
		if turn == "" {
			return
		}
		if !msg.OK {
			h.emit(turn, failure(protocol.CodeAdapterCrash, "OpenClaw error: "+msg.errorText()))
			return
		}
		// Direct, non-streamed reply.
		if msg.Payload != nil && msg.Payload.Response != "" {
			h.emit(turn, chunk(msg.Payload.Response))
		}
		h.emit(turn, done())

	case "error":
		turn := h.finishTurn()
		text := "OpenClaw error: " + msg.errorText()
		if turn == "" {
			h.logger.Warn("openclaw error with no active turn", "session_id", h.sessionID, "err", text)
		} else {
			h.emit(turn, failure(protocol.CodeAdapterCrash, text))
		}
		h.drop(ws)
	}
}

// nextDelta returns the suffix cur adds to prev. Anything that is not a
// strict extension of prev yields no delta.
func nextDelta(prev, cur string) (string, bool) {
	if len(cur) <= len(prev) || !strings.HasPrefix(cur, prev) {
		return "", false
	}
	return cur[len(prev):], true
}

func (h *SocketHandle) finishTurn() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	turn := h.turn
	h.turn = ""
	return turn
}

// lost handles the socket going away. A turn in progress fails; the next
// Send reconnects.
func (h *SocketHandle) lost(ws *websocket.Conn, err error) {
	h.mu.Lock()
	if h.ws != ws {
		h.mu.Unlock()
		return
	}
	h.ws = nil
	turn := h.turn
	h.turn = ""
	h.mu.Unlock()

	if h.terminated() {
		return
	}
	h.logger.Debug("openclaw connection closed", "session_id", h.sessionID, "err", err.Error())
	if turn != "" {
		h.emit(turn, failure(protocol.CodeAdapterCrash, "OpenClaw connection closed"))
	}
}

func (h *SocketHandle) drop(ws *websocket.Conn) {
	h.mu.Lock()
	if h.ws == ws {
		h.ws = nil
	}
	h.mu.Unlock()
	go func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()
}

func (h *SocketHandle) write(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handshakeTimeout)
	defer cancel()
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return ws.Write(wctx, websocket.MessageText, data)
}

func (h *SocketHandle) Terminate() {
	if !h.markDone() {
		return
	}
	h.mu.Lock()
	ws := h.ws
	h.ws = nil
	h.turn = ""
	h.mu.Unlock()
	h.cancel()
	if ws != nil {
		go func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()
	}
}

// ProbeOpenClaw reports whether a gateway accepts websocket connections at
// url.
func ProbeOpenClaw(ctx context.Context, url string) error {
	if url == "" {
		url = DefaultOpenClawURL
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("openclaw gateway not reachable at %s: %w", url, err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	return nil
}

func withAttachments(text string, attachments []protocol.Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nAttachments:")
	for _, a := range attachments {
		fmt.Fprintf(&b, "\n- %s (%s): %s", a.Name, a.Type, a.URL)
	}
	return b.String()
}
