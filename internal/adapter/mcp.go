package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var defaultCodexArgs = []string{"mcp-server"}

// DefaultMCPConnectTimeout bounds server startup plus the initialize
// handshake.
const DefaultMCPConnectTimeout = 30 * time.Second

// MCPHandle drives Codex through its MCP server. The first turn calls the
// codex tool; later turns continue the conversation with codex-reply.
type MCPHandle struct {
	*emitter

	sessionID string
	cfg       Config
	logger    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	newTransport   func() sdk.Transport
	connectTimeout time.Duration

	mu             sync.Mutex
	session        *sdk.ClientSession
	conversationID string
	turnCancel     context.CancelFunc
}

func NewMCP(sessionID string, cfg Config) *MCPHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &MCPHandle{
		emitter:        newEmitter(),
		sessionID:      sessionID,
		cfg:            cfg,
		logger:         cfg.logger(),
		ctx:            ctx,
		cancel:         cancel,
		connectTimeout: DefaultMCPConnectTimeout,
	}
	h.newTransport = func() sdk.Transport {
		args := cfg.Args
		if len(args) == 0 {
			args = defaultCodexArgs
		}
		cmd := exec.Command(cfg.command("codex"), args...)
		cmd.Dir = cfg.WorkDir
		cmd.Env = append(os.Environ(), cfg.Env...)
		return &sdk.CommandTransport{Command: cmd}
	}
	return h
}

// Send returns once the turn is reserved. Starting the server and the tool
// call run in the background; failures arrive as an error event.
func (h *MCPHandle) Send(_ context.Context, requestID, text string, attachments []protocol.Attachment) error {
	if h.terminated() {
		return ErrTerminated
	}

	h.mu.Lock()
	if h.turnCancel != nil {
		h.mu.Unlock()
		return ErrBusy
	}
	turnCtx, turnCancel := context.WithCancel(h.ctx)
	h.turnCancel = turnCancel
	h.mu.Unlock()

	go h.runTurn(turnCtx, requestID, withAttachments(text, attachments))
	return nil
}

// ensureSession returns the live MCP session, starting the server if there
// is none.
func (h *MCPHandle) ensureSession(ctx context.Context) (*sdk.ClientSession, error) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session != nil {
		return session, nil
	}

	session, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.terminated() {
		h.mu.Unlock()
		_ = session.Close()
		return nil, ErrTerminated
	}
	h.session = session
	h.mu.Unlock()
	return session, nil
}

func (h *MCPHandle) connect(ctx context.Context) (*sdk.ClientSession, error) {
	impl := &sdk.Implementation{
		Name:    "agent-bridge",
		Version: protocol.Version,
	}
	client := sdk.NewClient(impl, &sdk.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *sdk.ProgressNotificationClientRequest) {
			if req == nil || req.Params == nil || req.Params.Message == "" {
				return
			}
			h.logger.Debug("codex progress", "session_id", h.sessionID, "message", req.Params.Message)
		},
		LoggingMessageHandler: func(_ context.Context, req *sdk.LoggingMessageRequest) {
			if req == nil || req.Params == nil {
				return
			}
			h.logger.Debug("codex log", "session_id", h.sessionID, "level", string(req.Params.Level), "data", req.Params.Data)
		},
		KeepAlive: 30 * time.Second,
	})
	cctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()
	session, err := client.Connect(cctx, h.newTransport(), nil)
	if err != nil {
		return nil, fmt.Errorf("start codex mcp server: %w", err)
	}
	return session, nil
}

func (h *MCPHandle) runTurn(ctx context.Context, requestID, prompt string) {
	defer h.endTurn()

	session, err := h.ensureSession(ctx)
	if err != nil {
		if ctx.Err() == nil && !h.terminated() {
			h.logger.Warn("codex mcp server unavailable", "session_id", h.sessionID, "err", err.Error())
			h.emit(requestID, failure(protocol.CodeAdapterCrash, err.Error()))
		}
		return
	}

	h.mu.Lock()
	conv := h.conversationID
	h.mu.Unlock()

	params := &sdk.CallToolParams{
		Name:      "codex",
		Arguments: map[string]any{"prompt": prompt},
	}
	if conv != "" {
		params.Name = "codex-reply"
		params.Arguments = map[string]any{"conversationId": conv, "prompt": prompt}
	}

	res, err := session.CallTool(ctx, params)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		h.logger.Warn("codex tool call failed", "session_id", h.sessionID, "tool", params.Name, "err", err.Error())
		h.resetSession(session)
		h.emit(requestID, failure(protocol.CodeAdapterCrash, fmt.Sprintf("codex %s failed: %v", params.Name, err)))
		return
	case res == nil:
		h.emit(requestID, failure(protocol.CodeAdapterCrash, "codex returned no result"))
		return
	}

	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "codex reported an error"
		}
		h.emit(requestID, failure(protocol.CodeAdapterCrash, text))
		return
	}
	if id := conversationID(res); id != "" {
		h.mu.Lock()
		h.conversationID = id
		h.mu.Unlock()
	}
	if text != "" {
		h.emit(requestID, chunk(text))
	}
	h.emit(requestID, done())
}

func resultText(res *sdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func conversationID(res *sdk.CallToolResult) string {
	m, ok := res.StructuredContent.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"conversationId", "threadId"} {
		if id, ok := m[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// resetSession drops a broken MCP session; the next turn starts a fresh
// server and a fresh conversation.
func (h *MCPHandle) resetSession(session *sdk.ClientSession) {
	h.mu.Lock()
	if h.session != session {
		h.mu.Unlock()
		return
	}
	h.session = nil
	h.conversationID = ""
	h.mu.Unlock()
	_ = session.Close()
}

func (h *MCPHandle) endTurn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turnCancel != nil {
		h.turnCancel()
		h.turnCancel = nil
	}
}

// Interrupt cancels the in-flight tool call.
func (h *MCPHandle) Interrupt() {
	h.mu.Lock()
	cancel := h.turnCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *MCPHandle) Terminate() {
	if !h.markDone() {
		return
	}
	h.cancel()
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}
