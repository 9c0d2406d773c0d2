package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentbridge/internal/protocol"
)

// streamJSONLine is the subset of Claude Code stream-json output the bridge
// cares about.
type streamJSONLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Delta   *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	// Event wraps a raw API stream event when partial messages are enabled.
	Event   json.RawMessage `json:"event"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// streamClassifier turns stream-json lines into events for one turn. Once
// incremental deltas have been seen, whole assistant messages are assumed to
// repeat them and are skipped.
type streamClassifier struct {
	sawDelta bool
	sawText  bool
}

func (c *streamClassifier) classify(line []byte) ([]Event, error) {
	var ev streamJSONLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("parse stream-json line: %w", err)
	}
	return c.classifyEvent(ev)
}

func (c *streamClassifier) classifyEvent(ev streamJSONLine) ([]Event, error) {
	switch ev.Type {
	case "stream_event":
		if len(ev.Event) == 0 {
			return nil, nil
		}
		var inner streamJSONLine
		if err := json.Unmarshal(ev.Event, &inner); err != nil {
			return nil, fmt.Errorf("parse stream_event payload: %w", err)
		}
		if inner.Type == "stream_event" {
			return nil, nil
		}
		return c.classifyEvent(inner)

	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return c.delta(ev.Delta.Text), nil
		}
		return nil, nil

	case "assistant":
		switch ev.Subtype {
		case "text_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				return c.delta(ev.Delta.Text), nil
			}
			return nil, nil
		case "end":
			return []Event{done()}, nil
		}
		if c.sawDelta || ev.Message == nil {
			return nil, nil
		}
		var b strings.Builder
		for _, block := range ev.Message.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return nil, nil
		}
		c.sawText = true
		return []Event{chunk(b.String())}, nil

	case "result":
		if ev.IsError {
			msg := ev.Result
			if msg == "" {
				msg = "claude reported an error"
				if ev.Subtype != "" {
					msg += ": " + ev.Subtype
				}
			}
			return []Event{failure(protocol.CodeAdapterCrash, msg)}, nil
		}
		if !c.sawDelta && !c.sawText && ev.Result != "" {
			return []Event{chunk(ev.Result), done()}, nil
		}
		return []Event{done()}, nil
	}
	return nil, nil
}

func (c *streamClassifier) delta(text string) []Event {
	c.sawDelta = true
	return []Event{chunk(text)}
}
