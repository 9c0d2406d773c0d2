package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
)

// DefaultDeadline bounds how long a caller waits for a terminal frame.
const DefaultDeadline = 120 * time.Second

const streamBuffer = 64

var (
	ErrAgentOffline     = errors.New("agent offline")
	ErrSendFailed       = errors.New("send to agent failed")
	ErrDuplicateRequest = errors.New("request already in flight")
)

// Sender is a live agent connection.
type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
}

// Lookup resolves the live connection for an agent identity.
type Lookup interface {
	Lookup(agentID string) (Sender, bool)
}

type Request struct {
	AgentID     string
	SessionID   string
	RequestID   string
	Content     string
	Attachments []protocol.Attachment
}

// Correlator pairs relay requests with the frames agents stream back.
type Correlator struct {
	conns    Lookup
	deadline time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingRelay
}

type Option func(*Correlator)

func WithDeadline(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.deadline = d
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCorrelator(conns Lookup, opts ...Option) *Correlator {
	c := &Correlator{
		conns:    conns,
		deadline: DefaultDeadline,
		logger:   logging.Nop(),
		pending:  make(map[string]*pendingRelay),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pending returns the number of in-flight relays.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Relay forwards req to its agent and returns the stream of output events.
// The stream ends after a done or error event; cancelling ctx or calling
// Stream.Close abandons it.
func (c *Correlator) Relay(ctx context.Context, req Request) (*Stream, error) {
	conn, ok := c.conns.Lookup(req.AgentID)
	if !ok {
		return nil, ErrAgentOffline
	}

	p := newPendingRelay(req)

	c.mu.Lock()
	if _, exists := c.pending[req.RequestID]; exists {
		c.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	c.pending[req.RequestID] = p
	c.mu.Unlock()

	// Registered before sending so that a fast first chunk is not dropped.
	msg := protocol.Message{
		SessionID:   req.SessionID,
		RequestID:   req.RequestID,
		Content:     req.Content,
		Attachments: req.Attachments,
	}
	if err := conn.Send(ctx, msg); err != nil {
		c.remove(p)
		p.abandon()
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	p.setTimer(time.AfterFunc(c.deadline, func() { c.expire(p) }))

	s := &Stream{c: c, p: p, conn: conn}
	go s.watch(ctx)

	c.logger.Debug("relay started", "agent_id", req.AgentID, "session_id", req.SessionID, "request_id", req.RequestID)
	return s, nil
}

// Handle routes a chunk, done or error frame to its pending relay. Frames
// for unknown or finished requests are dropped.
func (c *Correlator) Handle(f protocol.Frame) {
	var (
		ev  Event
		rid string
	)
	switch v := f.(type) {
	case protocol.Chunk:
		ev, rid = ChunkEvent(v.Delta), v.RequestID
	case protocol.Done:
		ev, rid = DoneEvent(), v.RequestID
	case protocol.Error:
		ev, rid = ErrorEvent(v.Code, v.Message), v.RequestID
	default:
		return
	}

	p := c.get(rid)
	if p == nil {
		c.logger.Debug("dropping frame for unknown request", "type", f.FrameType(), "request_id", rid)
		return
	}

	if !ev.Terminal() {
		if !p.emit(ev, false) {
			// The caller went away; clean up without waiting for the deadline.
			c.finish(p)
		}
		return
	}
	c.finish(p)
	p.emit(ev, true)
}

func (c *Correlator) expire(p *pendingRelay) {
	if !c.remove(p) {
		return
	}
	c.logger.Warn("relay timed out", "agent_id", p.req.AgentID, "request_id", p.req.RequestID, "after", c.deadline.String())
	p.emit(ErrorEvent(protocol.CodeTimeout, fmt.Sprintf("Agent did not respond within %d seconds", int(c.deadline.Seconds()))), true)
}

// finish removes p and stops its timer.
func (c *Correlator) finish(p *pendingRelay) {
	c.remove(p)
	p.stopTimer()
}

func (c *Correlator) get(requestID string) *pendingRelay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[requestID]
}

// remove deletes p if it is still the registered relay for its request id.
func (c *Correlator) remove(p *pendingRelay) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[p.req.RequestID]; ok && cur == p {
		delete(c.pending, p.req.RequestID)
		return true
	}
	return false
}

// Stream is the caller's view of one relay.
type Stream struct {
	c    *Correlator
	p    *pendingRelay
	conn Sender

	closeOnce sync.Once
}

// Events yields output events; the channel closes after the terminal event
// or once the stream is abandoned.
func (s *Stream) Events() <-chan Event {
	return s.p.events
}

func (s *Stream) RequestID() string {
	return s.p.req.RequestID
}

// Close abandons the stream. If the relay was still in flight the agent is
// told to cancel, without waiting for an acknowledgement.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		wasPending := s.c.remove(s.p)
		s.p.abandon()
		s.p.stopTimer()
		if !wasPending {
			return
		}
		req := s.p.req
		s.c.logger.Debug("relay cancelled by caller", "agent_id", req.AgentID, "request_id", req.RequestID)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.conn.Send(ctx, protocol.Cancel{SessionID: req.SessionID, RequestID: req.RequestID}); err != nil {
				s.c.logger.Debug("send cancel failed", "request_id", req.RequestID, "err", err.Error())
			}
		}()
	})
}

func (s *Stream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.p.finished:
	}
}

// pendingRelay queues events without bound so the agent's read loop never
// waits on a slow caller; forward drains the queue into events. The relay
// deadline bounds how long a queue can grow.
type pendingRelay struct {
	req    Request
	events chan Event

	// finished closes when the events channel has been closed.
	finished chan struct{}
	// gone closes when the caller stops listening.
	gone     chan struct{}
	goneOnce sync.Once
	wake     chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
	timer  *time.Timer
}

func newPendingRelay(req Request) *pendingRelay {
	p := &pendingRelay{
		req:      req,
		events:   make(chan Event, streamBuffer),
		finished: make(chan struct{}),
		gone:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	go p.forward()
	return p
}

// emit queues ev; a terminal ev is the last one accepted. It never blocks
// and reports false when the stream was already closed or the caller is
// gone.
func (p *pendingRelay) emit(ev Event, terminal bool) bool {
	select {
	case <-p.gone:
		return false
	default:
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, ev)
	if terminal {
		p.closed = true
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// forward is the only writer to events. It closes events after the
// terminal event, or at once when the caller goes away.
func (p *pendingRelay) forward() {
	defer func() {
		close(p.events)
		close(p.finished)
	}()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-p.wake:
				continue
			case <-p.gone:
				return
			}
		}
		ev := p.queue[0]
		p.queue[0] = Event{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.events <- ev:
		case <-p.gone:
			return
		}
	}
}

func (p *pendingRelay) abandon() {
	p.goneOnce.Do(func() { close(p.gone) })
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.queue = nil
}

func (p *pendingRelay) setTimer(t *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Stop()
		return
	}
	p.timer = t
}

func (p *pendingRelay) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}
