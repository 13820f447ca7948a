// Package event defines the canonical, transport-agnostic events the relay
// streams to callers, and the mapping from raw engine messages onto them.
package event

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindSessionID  Kind = "session_id"
	KindTextDelta  Kind = "text_delta"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindDone       Kind = "done"
	KindError      Kind = "error"
	KindUnknown    Kind = "unknown"
)

// Terminal reports whether the kind ends a turn.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Event is one canonical event. Only the fields belonging to Kind are set.
type Event struct {
	Kind Kind

	// session_id
	SessionID string

	// text_delta. Snapshot marks text taken from a complete assistant message
	// rather than a streamed fragment.
	Text     string
	Snapshot bool

	// tool_use
	ID    string
	Name  string
	Input map[string]any

	// tool_result
	ToolUseID string
	Content   any
	IsError   bool

	// done
	TurnCount int
	TotalCost float64

	// error
	Message string

	// unknown
	RawType string
}

func SessionIDEvent(id string) Event {
	return Event{Kind: KindSessionID, SessionID: id}
}

func TextDelta(text string) Event {
	return Event{Kind: KindTextDelta, Text: text}
}

func Done(turnCount int, totalCost float64) Event {
	return Event{Kind: KindDone, TurnCount: turnCount, TotalCost: totalCost}
}

func Error(message string) Event {
	return Event{Kind: KindError, Message: message}
}

// FromError converts a failure into an error event.
func FromError(err error) Event {
	if err == nil {
		return Error("unknown error")
	}
	return Error(err.Error())
}

func (e Event) String() string {
	switch e.Kind {
	case KindSessionID:
		return fmt.Sprintf("session_id(%s)", e.SessionID)
	case KindTextDelta:
		return fmt.Sprintf("text_delta(%q)", e.Text)
	case KindToolUse:
		return fmt.Sprintf("tool_use(%s %s)", e.ID, e.Name)
	case KindToolResult:
		return fmt.Sprintf("tool_result(%s error=%t)", e.ToolUseID, e.IsError)
	case KindDone:
		return fmt.Sprintf("done(turns=%d cost=%.6f)", e.TurnCount, e.TotalCost)
	case KindError:
		return fmt.Sprintf("error(%s)", e.Message)
	default:
		return fmt.Sprintf("unknown(%s)", e.RawType)
	}
}

type (
	sessionIDWire struct {
		Type      Kind   `json:"type"`
		SessionID string `json:"session_id"`
	}
	textDeltaWire struct {
		Type Kind   `json:"type"`
		Text string `json:"text"`
	}
	toolUseWire struct {
		Type  Kind           `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}
	toolResultWire struct {
		Type      Kind   `json:"type"`
		ToolUseID string `json:"tool_use_id"`
		Content   any    `json:"content"`
		IsError   bool   `json:"is_error"`
	}
	doneWire struct {
		Type      Kind    `json:"type"`
		TurnCount int     `json:"turn_count"`
		TotalCost float64 `json:"total_cost"`
	}
	errorWire struct {
		Type    Kind   `json:"type"`
		Message string `json:"message"`
	}
	unknownWire struct {
		Type    Kind   `json:"type"`
		RawType string `json:"raw_type,omitempty"`
	}
)

// MarshalJSON encodes the event as {"type": kind, ...payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindSessionID:
		return json.Marshal(sessionIDWire{e.Kind, e.SessionID})
	case KindTextDelta:
		return json.Marshal(textDeltaWire{e.Kind, e.Text})
	case KindToolUse:
		input := e.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(toolUseWire{e.Kind, e.ID, e.Name, input})
	case KindToolResult:
		return json.Marshal(toolResultWire{e.Kind, e.ToolUseID, e.Content, e.IsError})
	case KindDone:
		return json.Marshal(doneWire{e.Kind, e.TurnCount, e.TotalCost})
	case KindError:
		return json.Marshal(errorWire{e.Kind, e.Message})
	default:
		return json.Marshal(unknownWire{KindUnknown, e.RawType})
	}
}
