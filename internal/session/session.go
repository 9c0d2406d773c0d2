// Package session keeps one adapter handle per conversation and routes each
// turn's output back to whoever started it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentbridge/internal/adapter"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
)

var (
	ErrBusy   = errors.New("session is processing another request")
	ErrClosed = errors.New("session closed")
)

// Sink receives the events of one turn, ending with exactly one terminal
// event unless the turn is cancelled.
type Sink func(adapter.Event)

// Session serializes turns on one handle. Only one turn runs at a time.
type Session struct {
	id     string
	handle adapter.Handle
	logger logging.Logger

	mu       sync.Mutex
	active   string
	sink     Sink
	lastUsed time.Time
}

func newSession(id string, h adapter.Handle, logger logging.Logger, now time.Time) *Session {
	return &Session{id: id, handle: h, logger: logger, lastUsed: now}
}

func (s *Session) ID() string { return s.id }

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Active returns the request id of the running turn, or "".
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

// Start begins the turn requestID. Its events go to sink. A returned error
// means the turn never started and sink will not be called.
func (s *Session) Start(ctx context.Context, requestID, text string, attachments []protocol.Attachment, sink Sink) error {
	if err := s.reserve(requestID, sink); err != nil {
		return err
	}
	if err := s.send(ctx, requestID, text, attachments); err != nil {
		s.clear(requestID)
		return err
	}
	return nil
}

// Begin reserves the turn and hands it to the adapter in the background, so
// a slow backend never holds up the caller. Busy and closed sessions are
// still reported as errors; later failures reach sink as an error event.
func (s *Session) Begin(ctx context.Context, requestID, text string, attachments []protocol.Attachment, sink Sink) error {
	if err := s.reserve(requestID, sink); err != nil {
		return err
	}
	go func() {
		err := s.send(ctx, requestID, text, attachments)
		if err == nil {
			if s.Active() != requestID {
				// Cancelled before the adapter took the turn.
				if in, ok := s.handle.(adapter.Interrupter); ok {
					in.Interrupt()
				}
			}
			return
		}
		if !s.clear(requestID) {
			return
		}
		s.logger.Warn("turn failed to start", "session_id", s.id, "request_id", requestID, "err", err.Error())
		sink(adapter.Event{
			RequestID: requestID,
			Kind:      adapter.EventError,
			Code:      ErrorCode(err),
			Message:   err.Error(),
		})
	}()
	return nil
}

func (s *Session) reserve(requestID string, sink Sink) error {
	select {
	case <-s.handle.Done():
		return ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return fmt.Errorf("%w (request %s)", ErrBusy, s.active)
	}
	s.active = requestID
	s.sink = sink
	return nil
}

func (s *Session) send(ctx context.Context, requestID, text string, attachments []protocol.Attachment) error {
	err := s.handle.Send(ctx, requestID, text, attachments)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, adapter.ErrBusy):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case errors.Is(err, adapter.ErrTerminated):
		return ErrClosed
	}
	return err
}

// Cancel interrupts requestID if it is the running turn. No terminal event
// is delivered for a cancelled turn.
func (s *Session) Cancel(requestID string) bool {
	if !s.clear(requestID) {
		return false
	}
	if in, ok := s.handle.(adapter.Interrupter); ok {
		in.Interrupt()
	}
	s.logger.Debug("turn cancelled", "session_id", s.id, "request_id", requestID)
	return true
}

func (s *Session) clear(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" || s.active != requestID {
		return false
	}
	s.active = ""
	s.sink = nil
	return true
}

// pump delivers handle events until the handle terminates, then calls
// onClose.
func (s *Session) pump(onClose func()) {
	for {
		select {
		case ev := <-s.handle.Events():
			s.deliver(ev)
		case <-s.handle.Done():
			s.drain()
			s.abort()
			onClose()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case ev := <-s.handle.Events():
			s.deliver(ev)
		default:
			return
		}
	}
}

func (s *Session) deliver(ev adapter.Event) {
	s.mu.Lock()
	if ev.RequestID == "" || ev.RequestID != s.active {
		s.mu.Unlock()
		s.logger.Debug("dropping event for inactive turn", "session_id", s.id, "request_id", ev.RequestID, "kind", ev.Kind.String())
		return
	}
	sink := s.sink
	if ev.Terminal() {
		s.active = ""
		s.sink = nil
	}
	s.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

// abort fails a turn still running when the handle went away.
func (s *Session) abort() {
	s.mu.Lock()
	requestID, sink := s.active, s.sink
	s.active = ""
	s.sink = nil
	s.mu.Unlock()
	if requestID == "" || sink == nil {
		return
	}
	sink(adapter.Event{
		RequestID: requestID,
		Kind:      adapter.EventError,
		Code:      protocol.CodeAdapterCrash,
		Message:   "session terminated",
	})
}

// ErrorCode maps a Start error onto the wire taxonomy.
func ErrorCode(err error) protocol.Code {
	switch {
	case errors.Is(err, ErrBusy):
		return protocol.CodeAgentBusy
	case errors.Is(err, ErrClosed):
		return protocol.CodeSessionNotFound
	default:
		return protocol.CodeAdapterCrash
	}
}
