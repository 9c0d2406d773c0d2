package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"agentbridge/internal/auth"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
	"agentbridge/internal/registry"
	"agentbridge/internal/relay"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	DefaultListenAddr      = ":8787"
	DefaultWSPath          = "/ws"
	DefaultRegisterTimeout = 10 * time.Second

	platformSecretHeader = "X-Platform-Secret"
)

type Options struct {
	ListenAddr string
	WSPath     string

	// PlatformSecret guards the /api routes. Empty disables the check.
	PlatformSecret string

	// InstanceID is written into registry records so that other instances
	// can tell which gateway owns a connection.
	InstanceID string

	RegistryTTL     time.Duration
	RelayDeadline   time.Duration
	RegisterTimeout time.Duration

	// AllowOrigin is sent as Access-Control-Allow-Origin. Defaults to "*".
	AllowOrigin string
}

func (o *Options) setDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.WSPath == "" {
		o.WSPath = DefaultWSPath
	}
	if o.InstanceID == "" {
		o.InstanceID = defaultInstanceID()
	}
	if o.RegistryTTL <= 0 {
		o.RegistryTTL = registry.DefaultTTL
	}
	if o.RelayDeadline <= 0 {
		o.RelayDeadline = relay.DefaultDeadline
	}
	if o.RegisterTimeout <= 0 {
		o.RegisterTimeout = DefaultRegisterTimeout
	}
	if o.AllowOrigin == "" {
		o.AllowOrigin = "*"
	}
}

// Server accepts agent connections and relays platform requests to them.
type Server struct {
	opts      Options
	conns     *Connections
	registry  registry.Store
	validator auth.Validator
	relays    *relay.Correlator
	logger    logging.Logger
	started   time.Time
}

// New builds a gateway. A nil validator accepts every well-formed register
// frame; a nil store falls back to an in-memory registry.
func New(opts Options, store registry.Store, validator auth.Validator, logger logging.Logger) *Server {
	opts.setDefaults()
	if store == nil {
		store = registry.NewMemoryStore()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	conns := NewConnections()
	return &Server{
		opts:      opts,
		conns:     conns,
		registry:  store,
		validator: validator,
		relays:    relay.NewCorrelator(conns, relay.WithDeadline(opts.RelayDeadline), relay.WithLogger(logger)),
		logger:    logger,
		started:   time.Now(),
	}
}

func (s *Server) Connections() *Connections    { return s.conns }
func (s *Server) Correlator() *relay.Correlator { return s.relays }
func (s *Server) InstanceID() string           { return s.opts.InstanceID }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.opts.WSPath, s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/agents/{id}/status", s.handleAgentStatus)
	mux.HandleFunc("POST /api/relay", s.handleRelay)
	mux.HandleFunc("OPTIONS /", s.handlePreflight)
	return s.cors(mux)
}

func (s *Server) Run(ctx context.Context) error {
	if s.validator == nil {
		s.logger.Warn("no agent credential validator configured; every register frame is accepted")
	}
	if s.opts.PlatformSecret == "" {
		s.logger.Warn("no platform secret configured; /api routes are unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websockets are not tracked by Shutdown.
		s.conns.CloseAll(websocket.StatusGoingAway, "gateway shutting down")
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway listening", "addr", s.opts.ListenAddr, "ws_path", s.opts.WSPath, "instance_id", s.opts.InstanceID)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connected_agents": s.conns.Len(),
	})
}

type statusResponse struct {
	Online         bool       `json:"online"`
	AgentType      string     `json:"agent_type,omitempty"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	ActiveSessions *int       `json:"active_sessions,omitempty"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkPlatformAuth(w, r) {
		return
	}
	agentID, err := protocol.CanonicalIdentity(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, err.Error())
		return
	}
	rec, ok, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		s.logger.Error("registry read failed", "agent_id", agentID, "err", err.Error())
		writeError(w, http.StatusInternalServerError, protocol.CodeInternalError, "registry unavailable")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Online: false})
		return
	}
	caps := rec.Capabilities
	if caps == nil {
		caps = []string{}
	}
	active := rec.ActiveSessions
	writeJSON(w, http.StatusOK, statusResponse{
		Online:         true,
		AgentType:      rec.AgentType,
		Capabilities:   caps,
		ConnectedAt:    &rec.ConnectedAt,
		LastHeartbeat:  &rec.LastHeartbeat,
		ActiveSessions: &active,
	})
}

type relayRequest struct {
	AgentID     string                `json:"agent_id"`
	SessionID   string                `json:"session_id"`
	RequestID   string                `json:"request_id"`
	Content     string                `json:"content"`
	Attachments []protocol.Attachment `json:"attachments"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !s.checkPlatformAuth(w, r) {
		return
	}
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "Invalid JSON body")
		return
	}
	if req.AgentID == "" || req.SessionID == "" || req.RequestID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "Missing required fields: agent_id, session_id, request_id, content")
		return
	}
	agentID, err := protocol.CanonicalIdentity(req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, err.Error())
		return
	}
	req.AgentID = agentID

	if _, ok := s.conns.Get(req.AgentID); !ok {
		s.writeNotConnected(w, r, req.AgentID)
		return
	}

	stream, err := s.relays.Relay(r.Context(), relay.Request{
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
		RequestID:   req.RequestID,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrAgentOffline):
		writeError(w, http.StatusNotFound, protocol.CodeAgentOffline, "Agent is not connected")
		return
	case errors.Is(err, relay.ErrSendFailed):
		writeError(w, http.StatusBadGateway, protocol.CodeAgentOffline, "Failed to send message to agent")
		return
	case errors.Is(err, relay.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, protocol.CodeInvalidMessage, "request_id already in flight")
		return
	default:
		writeError(w, http.StatusInternalServerError, protocol.CodeInternalError, err.Error())
		return
	}
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range stream.Events() {
		line, err := ev.SSE()
		if err != nil {
			s.logger.Error("encode relay event failed", "request_id", req.RequestID, "err", err.Error())
			continue
		}
		if _, err := w.Write(line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeNotConnected distinguishes an agent that lives on another gateway
// instance from one that is not connected anywhere.
func (s *Server) writeNotConnected(w http.ResponseWriter, r *http.Request, agentID string) {
	rec, ok, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		s.logger.Warn("registry read failed", "agent_id", agentID, "err", err.Error())
	}
	if ok && rec.GatewayID != s.opts.InstanceID {
		writeError(w, http.StatusBadGateway, protocol.CodeAgentBusy, "Agent is connected to a different gateway instance")
		return
	}
	writeError(w, http.StatusNotFound, protocol.CodeAgentOffline, "Agent is not connected")
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != s.opts.WSPath {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+platformSecretHeader)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkPlatformAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.PlatformSecret == "" {
		return true
	}
	got := r.Header.Get(platformSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.PlatformSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "Invalid or missing "+platformSecretHeader)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code protocol.Code, message string) {
	writeJSON(w, status, map[string]string{"error": code.String(), "message": message})
}

func defaultInstanceID() string {
	h, _ := os.Hostname()
	h = strings.TrimSpace(h)
	if h == "" {
		h = "gateway"
	}
	return h + "-" + uuid.NewString()
}
