package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"agentbridge/internal/protocol"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

var (
	errExpectedRegister = errors.New("first message must be register")
	errAgentIDMismatch  = errors.New("agent_id does not match connection url")
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}
	ws.SetReadLimit(readLimit)

	ctx := r.Context()
	connID := "ws_" + uuid.NewString()

	c, err := s.authenticate(ctx, ws, connID, r.URL.Query().Get("agent_id"))
	if err != nil {
		s.logger.Warn("agent registration rejected", "remote", r.RemoteAddr, "conn_id", connID, "err", err.Error())
		return
	}
	defer s.disconnect(c)

	s.logger.Info("agent registered", "agent_id", c.agentID, "agent_type", c.agentType, "conn_id", c.id)
	s.readLoop(ctx, c)
}

// authenticate runs the register handshake. On failure the socket has
// already been answered and closed.
func (s *Server) authenticate(ctx context.Context, ws *websocket.Conn, connID, queryAgentID string) (*Conn, error) {
	regCtx, cancel := context.WithTimeout(ctx, s.opts.RegisterTimeout)
	defer cancel()

	_, data, err := ws.Read(regCtx)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "register timeout")
		return nil, err
	}

	f, err := protocol.Decode(data)
	if err != nil {
		s.reject(ctx, ws, "Invalid JSON", "Invalid JSON")
		return nil, err
	}
	reg, ok := f.(protocol.Register)
	if !ok {
		s.reject(ctx, ws, errExpectedRegister.Error(), "Expected register")
		return nil, errExpectedRegister
	}
	if err := reg.Validate(); err != nil {
		s.reject(ctx, ws, err.Error(), "Invalid register")
		return nil, err
	}
	agentID, _ := protocol.CanonicalIdentity(reg.AgentID)
	if queryAgentID != "" {
		if q, err := protocol.CanonicalIdentity(queryAgentID); err != nil || q != agentID {
			s.reject(ctx, ws, errAgentIDMismatch.Error(), "Agent id mismatch")
			return nil, errAgentIDMismatch
		}
	}
	if s.validator != nil {
		if err := s.validator.Validate(ctx, reg.Token, agentID); err != nil {
			s.reject(ctx, ws, "Authentication failed", "Auth failed")
			return nil, err
		}
	}

	c := &Conn{
		id:           connID,
		agentID:      agentID,
		agentType:    reg.AgentType,
		capabilities: reg.Capabilities,
		connectedAt:  time.Now().UTC(),
		ws:           ws,
	}
	if prev := s.conns.Put(c); prev != nil {
		s.logger.Info("replacing agent connection", "agent_id", c.agentID, "old_conn_id", prev.id, "conn_id", c.id)
		go prev.close(websocket.StatusNormalClosure, "Replaced by new connection")
	}

	if err := s.registry.Set(ctx, c.agentID, c.record(s.opts.InstanceID, c.connectedAt, 0), s.opts.RegistryTTL); err != nil {
		s.logger.Warn("registry write failed", "agent_id", c.agentID, "err", err.Error())
	}

	if err := c.Send(ctx, protocol.Registered{Status: protocol.StatusOK}); err != nil {
		s.disconnect(c)
		return nil, err
	}
	return c, nil
}

func (s *Server) reject(ctx context.Context, ws *websocket.Conn, message, closeReason string) {
	if data, err := protocol.Encode(protocol.Registered{Status: protocol.StatusError, Error: message}); err == nil {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = ws.Write(wctx, websocket.MessageText, data)
		cancel()
	}
	_ = ws.Close(websocket.StatusPolicyViolation, closeReason)
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				s.logger.Debug("agent connection read ended", "agent_id", c.agentID, "conn_id", c.id, "err", err.Error())
			} else {
				s.logger.Info("agent connection closed", "agent_id", c.agentID, "conn_id", c.id, "status", int(status))
			}
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("malformed frame from agent", "agent_id", c.agentID, "err", err.Error())
			c.close(websocket.StatusPolicyViolation, "Invalid JSON")
			return
		}

		switch v := f.(type) {
		case protocol.Heartbeat:
			s.heartbeat(ctx, c, v)
		case protocol.Chunk, protocol.Done, protocol.Error:
			s.relays.Handle(f)
		default:
			s.logger.Debug("ignoring frame", "agent_id", c.agentID, "type", f.FrameType())
		}
	}
}

func (s *Server) heartbeat(ctx context.Context, c *Conn, hb protocol.Heartbeat) {
	if cur, ok := s.conns.Get(c.agentID); !ok || cur != c {
		return
	}
	now := time.Now().UTC()
	rec, ok, err := s.registry.Get(ctx, c.agentID)
	if err != nil {
		s.logger.Warn("registry read failed", "agent_id", c.agentID, "err", err.Error())
	}
	if !ok || rec.ConnID != c.id {
		// Expired or never written; rebuild from the live connection.
		rec = c.record(s.opts.InstanceID, now, hb.ActiveSessions)
	}
	rec.LastHeartbeat = now
	rec.ActiveSessions = hb.ActiveSessions
	if err := s.registry.Set(ctx, c.agentID, rec, s.opts.RegistryTTL); err != nil {
		s.logger.Warn("registry write failed", "agent_id", c.agentID, "err", err.Error())
	}
}

// disconnect drops c's connection entry and registry record, unless c has
// already been replaced.
func (s *Server) disconnect(c *Conn) {
	c.close(websocket.StatusNormalClosure, "")
	if !s.conns.RemoveIf(c) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, ok, err := s.registry.Get(ctx, c.agentID)
	if err == nil && ok && rec.ConnID != "" && rec.ConnID != c.id {
		return
	}
	if err := s.registry.Delete(ctx, c.agentID); err != nil {
		s.logger.Warn("registry delete failed", "agent_id", c.agentID, "err", err.Error())
	}
	s.logger.Info("agent disconnected", "agent_id", c.agentID, "conn_id", c.id)
}
