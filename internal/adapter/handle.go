// Package adapter drives local agent backends. Each session owns one Handle;
// a Handle runs turns and reports their output as a single stream of events.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
)

// DefaultIdleTimeout terminates a process-backed handle that has seen no
// input or output for this long.
const DefaultIdleTimeout = 5 * time.Minute

var (
	ErrTerminated = errors.New("session handle terminated")
	ErrBusy       = errors.New("a turn is already running")
)

type EventKind int

const (
	EventChunk EventKind = iota + 1
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one item of a turn's output. RequestID names the turn; Code and
// Message are set on errors.
type Event struct {
	RequestID string
	Kind      EventKind
	Delta     string
	Code      protocol.Code
	Message   string
}

func chunk(delta string) Event { return Event{Kind: EventChunk, Delta: delta} }
func done() Event              { return Event{Kind: EventDone} }

func failure(code protocol.Code, msg string) Event {
	return Event{Kind: EventError, Code: code, Message: msg}
}

func (e Event) Terminal() bool { return e.Kind == EventDone || e.Kind == EventError }

// Handle is a live connection to one backend session.
//
// Send starts the turn identified by requestID and returns once it is
// underway; its output arrives on Events, tagged with requestID, as chunks
// followed by exactly one done or error. A returned error means the turn
// never started. Terminate is idempotent and safe from any state. Done
// closes once the handle is terminated, whether by Terminate or on its own.
type Handle interface {
	Send(ctx context.Context, requestID, text string, attachments []protocol.Attachment) error
	Events() <-chan Event
	Terminate()
	Done() <-chan struct{}
}

// Interrupter is implemented by handles that can abort the running turn
// without being terminated.
type Interrupter interface {
	Interrupt()
}

type Config struct {
	// Command overrides the backend binary.
	Command string
	// Args replaces the default arguments.
	Args    []string
	WorkDir string
	Env     []string

	GatewayURL   string
	GatewayToken string

	IdleTimeout time.Duration
	Logger      logging.Logger
}

func (c Config) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Nop()
	}
	return c.Logger
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return c.IdleTimeout
}

func (c Config) command(def string) string {
	if c.Command != "" {
		return c.Command
	}
	return def
}

const eventBuffer = 64

// emitter is the event side shared by every handle. The events channel is
// never closed; consumers select on done as well.
type emitter struct {
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (e *emitter) Events() <-chan Event  { return e.events }
func (e *emitter) Done() <-chan struct{} { return e.done }

func (e *emitter) emit(requestID string, ev Event) bool {
	ev.RequestID = requestID
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *emitter) markDone() bool {
	closed := false
	e.doneOnce.Do(func() {
		close(e.done)
		closed = true
	})
	return closed
}

func (e *emitter) terminated() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
