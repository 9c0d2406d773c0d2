package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Version is reported by the bridge client in its register frame.
const Version = "0.1.0"

const (
	// agent -> platform
	TypeRegister  = "register"
	TypeChunk     = "chunk"
	TypeDone      = "done"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"

	// platform -> agent
	TypeRegistered = "registered"
	TypeMessage    = "message"
	TypeCancel     = "cancel"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrInvalidIdentity = errors.New("invalid agent identity")
)

// Frame is one JSON message on the persistent connection.
type Frame interface {
	FrameType() string
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Register must be the first frame a bridge sends on a new connection.
type Register struct {
	Type          string   `json:"type"`
	AgentID       string   `json:"agent_id"`
	Token         string   `json:"token"`
	BridgeVersion string   `json:"bridge_version"`
	AgentType     string   `json:"agent_type"`
	Capabilities  []string `json:"capabilities"`
}

type Chunk struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Delta     string `json:"delta"`
}

type Done struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
}

type Heartbeat struct {
	Type           string `json:"type"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeMs       int64  `json:"uptime_ms"`
}

type Registered struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Message struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id"`
	RequestID   string       `json:"request_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
}

type Cancel struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

// Unknown is any frame whose type this version does not understand.
// Receivers ignore it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Register) FrameType() string   { return TypeRegister }
func (Chunk) FrameType() string      { return TypeChunk }
func (Done) FrameType() string       { return TypeDone }
func (Error) FrameType() string      { return TypeError }
func (Heartbeat) FrameType() string  { return TypeHeartbeat }
func (Registered) FrameType() string { return TypeRegistered }
func (Message) FrameType() string    { return TypeMessage }
func (Cancel) FrameType() string     { return TypeCancel }
func (u Unknown) FrameType() string  { return u.Type }

// RequestID returns the correlation id of relay-path frames and "" for others.
func RequestID(f Frame) string {
	switch v := f.(type) {
	case Chunk:
		return v.RequestID
	case Done:
		return v.RequestID
	case Error:
		return v.RequestID
	case Message:
		return v.RequestID
	case Cancel:
		return v.RequestID
	}
	return ""
}

// ValidateIdentity checks that id is a UUID.
func ValidateIdentity(id string) error {
	_, err := CanonicalIdentity(id)
	return err
}

// CanonicalIdentity returns id in the lower-case hyphenated form. Every
// spelling uuid.Parse accepts maps to the same identity, so maps and
// registry keys must only ever hold the canonical form.
func CanonicalIdentity(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: missing agent_id", ErrInvalidIdentity)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a uuid", ErrInvalidIdentity, id)
	}
	return u.String(), nil
}

func (r Register) Validate() error {
	if err := ValidateIdentity(r.AgentID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: register missing token", ErrInvalidFrame)
	}
	return nil
}
