package relay

import (
	"encoding/json"

	"agentbridge/internal/protocol"
)

const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// Event is one item of a relay output stream.
type Event struct {
	Type    string
	Delta   string
	Code    protocol.Code
	Message string
}

func ChunkEvent(delta string) Event { return Event{Type: EventChunk, Delta: delta} }
func DoneEvent() Event              { return Event{Type: EventDone} }

func ErrorEvent(code protocol.Code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventChunk:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
		}{e.Type, e.Delta})
	case EventError:
		return json.Marshal(struct {
			Type    string        `json:"type"`
			Code    protocol.Code `json:"code"`
			Message string        `json:"message"`
		}{e.Type, e.Code, e.Message})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	}
}

// SSE renders the event as one server-sent-events data line.
func (e Event) SSE() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	out = append(out, "\n\n"...)
	return out, nil
}
