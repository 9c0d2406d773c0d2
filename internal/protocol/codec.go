package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses one frame. Malformed JSON or a missing type is an error;
// an unrecognized type decodes to Unknown.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}

	switch head.Type {
	case TypeRegister:
		return decodeAs[Register](data)
	case TypeChunk:
		return decodeAs[Chunk](data)
	case TypeDone:
		return decodeAs[Done](data)
	case TypeError:
		return decodeAs[Error](data)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](data)
	case TypeRegistered:
		return decodeAs[Registered](data)
	case TypeMessage:
		return decodeAs[Message](data)
	case TypeCancel:
		return decodeAs[Cancel](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: head.Type, Raw: raw}, nil
	}
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return v, nil
}

// Encode serializes f, filling in its type tag.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Register:
		v.Type = TypeRegister
		return json.Marshal(v)
	case Chunk:
		v.Type = TypeChunk
		return json.Marshal(v)
	case Done:
		v.Type = TypeDone
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	case Heartbeat:
		v.Type = TypeHeartbeat
		return json.Marshal(v)
	case Registered:
		v.Type = TypeRegistered
		return json.Marshal(v)
	case Message:
		v.Type = TypeMessage
		if v.Attachments == nil {
			v.Attachments = []Attachment{}
		}
		return json.Marshal(v)
	case Cancel:
		v.Type = TypeCancel
		return json.Marshal(v)
	case Unknown:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return json.Marshal(map[string]string{"type": v.Type})
	case nil:
		return nil, fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	default:
		return nil, fmt.Errorf("%w: unsupported frame %T", ErrInvalidFrame, f)
	}
}
