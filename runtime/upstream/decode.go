package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// DecodeError reports an upstream frame that could not be parsed. It is
	// never fatal to an answer.
	DecodeError struct {
		// Frame is the raw frame, truncated for logging.
		Frame string
		Err   error
	}

	rawEvent struct {
		Type      string    `json:"type"`
		Delta     string    `json:"delta"`
		CallID    string    `json:"callID"`
		Tool      string    `json:"tool"`
		State     *rawState `json:"state"`
		Text      string    `json:"text"`
		Reasoning string    `json:"reasoning"`
		Tools     []rawTool `json:"tools"`
		Message   string    `json:"message"`
		Tag       string    `json:"tag"`
	}

	rawState struct {
		Status string `json:"status"`
	}

	rawTool struct {
		CallID string    `json:"callID"`
		Tool   string    `json:"tool"`
		State  *rawState `json:"state"`
	}
)

const maxFrameLog = 256

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode upstream event %q: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one upstream JSON event.
func Decode(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, decodeError(data, err)
	}
	switch raw.Type {
	case KindMeta:
		return Meta{}, nil
	case KindTextDelta:
		return TextDelta{Delta: raw.Delta}, nil
	case KindReasoningDelta:
		return ReasoningDelta{Delta: raw.Delta}, nil
	case KindToolUpdated:
		if raw.CallID == "" {
			return nil, decodeError(data, errors.New("tool.updated without callID"))
		}
		return ToolUpdated{CallID: raw.CallID, Tool: raw.Tool, Status: raw.State.status()}, nil
	case KindDone:
		tools := make([]Tool, 0, len(raw.Tools))
		for i, t := range raw.Tools {
			if t.CallID == "" {
				return nil, decodeError(data, fmt.Errorf("done tool %d without callID", i))
			}
			tools = append(tools, Tool{CallID: t.CallID, Tool: t.Tool, Status: t.State.status()})
		}
		return Done{Text: raw.Text, Reasoning: raw.Reasoning, Tools: tools}, nil
	case KindError:
		return Error{Message: raw.Message, Tag: raw.Tag}, nil
	case "":
		return nil, decodeError(data, errors.New("missing event type"))
	default:
		return nil, decodeError(data, fmt.Errorf("unknown event type %q", raw.Type))
	}
}

func (s *rawState) status() string {
	if s == nil {
		return ""
	}
	return s.Status
}

func decodeError(data []byte, err error) *DecodeError {
	frame := string(data)
	if len(frame) > maxFrameLog {
		frame = frame[:maxFrameLog]
	}
	return &DecodeError{Frame: frame, Err: err}
}
