package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentbridge/internal/adapter"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
	"agentbridge/internal/session"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ToolSendMessage  = "send_message"
	ToolEndSession   = "end_session"
	ToolListSessions = "list_sessions"
)

// SessionServer exposes the local session pool as MCP tools, so an MCP host
// can hold conversations with the agent without a gateway.
type SessionServer struct {
	logger    logging.Logger
	pool      *session.Pool
	agentType string

	server *sdk.Server
}

func NewSessionServer(logger logging.Logger, pool *session.Pool, agentType string) *SessionServer {
	if logger == nil {
		logger = logging.Nop()
	}
	impl := &sdk.Implementation{
		Name:    "agent-bridge",
		Version: protocol.Version,
	}

	mcpServer := sdk.NewServer(impl, &sdk.ServerOptions{
		Instructions: fmt.Sprintf("Conversations with the local %s agent. Reuse a session_id to continue a conversation.", agentType),
		HasTools:     true,
	})

	s := &SessionServer{
		logger:    logger,
		pool:      pool,
		agentType: agentType,
		server:    mcpServer,
	}
	s.installTools()
	return s
}

func (s *SessionServer) Run(ctx context.Context, transport sdk.Transport) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if s.pool == nil {
		return errors.New("session pool is nil")
	}
	return s.server.Run(ctx, transport)
}

func (s *SessionServer) installTools() {
	s.server.AddTool(&sdk.Tool{
		Name:        ToolSendMessage,
		Description: fmt.Sprintf("Send a message to the %s agent and wait for its reply. Partial output is reported as progress.", s.agentType),
		InputSchema: objectSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Conversation id; created on first use."},
			"content":    map[string]any{"type": "string", "description": "Message text."},
		}, "session_id", "content"),
	}, s.sendMessage)

	s.server.AddTool(&sdk.Tool{
		Name:        ToolEndSession,
		Description: "Terminate a conversation and its agent process.",
		InputSchema: objectSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, "session_id"),
	}, s.endSession)

	s.server.AddTool(&sdk.Tool{
		Name:        ToolListSessions,
		Description: "List the open conversations.",
		InputSchema: objectSchema(nil),
	}, s.listSessions)
}

func (s *SessionServer) sendMessage(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	if strings.TrimSpace(args.SessionID) == "" || args.Content == "" {
		return errorResult("session_id and content are required"), nil
	}

	requestID := "mcp_" + uuid.NewString()
	events := make(chan adapter.Event, 64)
	finished := make(chan struct{})
	defer close(finished)
	sink := func(ev adapter.Event) {
		select {
		case events <- ev:
		case <-finished:
		}
	}

	if err := s.pool.Start(ctx, args.SessionID, requestID, args.Content, nil, sink); err != nil {
		return errorResult(fmt.Sprintf("%s: %v", session.ErrorCode(err), err)), nil
	}

	token := req.Params.GetProgressToken()
	var reply strings.Builder
	chunks := 0
	for {
		select {
		case <-ctx.Done():
			if sess, ok := s.pool.Get(args.SessionID); ok {
				sess.Cancel(requestID)
			}
			return errorResult("canceled"), nil

		case ev := <-events:
			switch ev.Kind {
			case adapter.EventChunk:
				reply.WriteString(ev.Delta)
				chunks++
				if token != nil && req.Session != nil {
					_ = req.Session.NotifyProgress(ctx, &sdk.ProgressNotificationParams{
						ProgressToken: token,
						Message:       ev.Delta,
						Progress:      float64(chunks),
					})
				}
			case adapter.EventDone:
				text := reply.String()
				return &sdk.CallToolResult{
					Content: []sdk.Content{&sdk.TextContent{Text: text}},
					StructuredContent: map[string]any{
						"session_id": args.SessionID,
						"request_id": requestID,
						"text":       text,
					},
				}, nil
			case adapter.EventError:
				s.logger.Warn("mcp turn failed", "session_id", args.SessionID, "code", ev.Code.String(), "err", ev.Message)
				return errorResult(fmt.Sprintf("%s: %s", ev.Code, ev.Message)), nil
			}
		}
	}
}

func (s *SessionServer) endSession(_ context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	if !s.pool.Destroy(args.SessionID) {
		return errorResult(fmt.Sprintf("%s: %s", protocol.CodeSessionNotFound, args.SessionID)), nil
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: "session ended"}},
	}, nil
}

func (s *SessionServer) listSessions(context.Context, *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
	ids := s.pool.IDs()
	return &sdk.CallToolResult{
		Content:           []sdk.Content{&sdk.TextContent{Text: mustJSON(ids)}},
		StructuredContent: map[string]any{"sessions": ids},
	}, nil
}

func decodeArgs(req *sdk.CallToolRequest, v any) *sdk.CallToolResult {
	if req == nil || req.Params == nil {
		return errorResult("missing request params")
	}
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func errorResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		IsError: true,
		Content: []sdk.Content{&sdk.TextContent{Text: text}},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
