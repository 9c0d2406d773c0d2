package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentbridge/internal/adapter"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
)

// Factory opens the handle for a new session.
type Factory func(sessionID string) (adapter.Handle, error)

// Pool maps session ids to live sessions. Entries are created on first
// reference and leave the pool on Destroy or when their handle terminates
// on its own.
type Pool struct {
	factory Factory
	logger  logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Pool)

func WithLogger(l logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPool(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:  factory,
		logger:   logging.Nop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the session for id, opening a handle if there is none.
func (p *Pool) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		s.touch(p.now())
		return s, nil
	}

	h, err := p.factory(id)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	s := newSession(id, h, p.logger, p.now())
	p.sessions[id] = s
	go s.pump(func() { p.forget(id, s) })
	p.logger.Info("session created", "session_id", id, "active_sessions", len(p.sessions))
	return s, nil
}

// Get looks up id and marks it used.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if ok {
		s.touch(p.now())
	}
	return s, ok
}

// Start runs one turn on session id, creating the session if needed. A
// session whose handle died since the lookup is replaced once.
func (p *Pool) Start(ctx context.Context, id, requestID, text string, attachments []protocol.Attachment, sink Sink) error {
	for attempt := 0; ; attempt++ {
		s, err := p.GetOrCreate(id)
		if err != nil {
			return err
		}
		err = s.Start(ctx, requestID, text, attachments, sink)
		if !errors.Is(err, ErrClosed) || attempt > 0 {
			return err
		}
		p.forget(id, s)
	}
}

// Begin is Start without waiting on the adapter. See Session.Begin.
func (p *Pool) Begin(ctx context.Context, id, requestID, text string, attachments []protocol.Attachment, sink Sink) error {
	for attempt := 0; ; attempt++ {
		s, err := p.GetOrCreate(id)
		if err != nil {
			return err
		}
		err = s.Begin(ctx, requestID, text, attachments, sink)
		if !errors.Is(err, ErrClosed) || attempt > 0 {
			return err
		}
		p.forget(id, s)
	}
}

// Destroy terminates and removes session id.
func (p *Pool) Destroy(id string) bool {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.handle.Terminate()
	p.logger.Info("session destroyed", "session_id", id)
	return true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) IDs() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Clear terminates every session.
func (p *Pool) Clear() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.handle.Terminate()
	}
}

// forget removes id only if it still maps to s.
func (p *Pool) forget(id string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[id] == s {
		delete(p.sessions, id)
		p.logger.Info("session closed", "session_id", id, "active_sessions", len(p.sessions))
	}
}
