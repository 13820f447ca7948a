package engine

import (
	"encoding/json"
)

// Message is the closed set of raw engine message variants. Concrete types
// implement the unexported isMessage marker.
type Message interface {
	isMessage()
	// Session returns the engine session id carried by the message, if any.
	Session() string
}

// System subtypes emitted by engines.
const (
	SubtypeInit = "init"
)

// SystemMessage is a protocol/control message. The init subtype announces the
// engine session id at the start of every turn.
type SystemMessage struct {
	Subtype   string
	SessionID string
	Data      map[string]any
}

// AssistantMessage carries one complete assistant message of the turn.
type AssistantMessage struct {
	SessionID string
	Model     string
	Content   []Block
}

// UserMessage carries user-side content echoed by the engine; tool results
// travel here.
type UserMessage struct {
	SessionID string
	Content   []Block
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	Subtype      string
	SessionID    string
	NumTurns     int
	TotalCostUSD float64
	DurationMs   int64
	IsError      bool
	Result       string
	Usage        map[string]any
}

// Stream event types carried by StreamEvent.
const (
	StreamContentBlockDelta = "content_block_delta"
	StreamMessageStart      = "message_start"
	StreamMessageStop       = "message_stop"
)

// Delta types carried by a content_block_delta StreamEvent.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// StreamEvent is a partial-message fragment.
type StreamEvent struct {
	SessionID string
	Type      string
	Index     int
	DeltaType string
	Text      string
}

// UnknownMessage preserves message kinds this relay does not understand yet.
type UnknownMessage struct {
	Type      string
	SessionID string
	Raw       json.RawMessage
}

func (SystemMessage) isMessage()    {}
func (AssistantMessage) isMessage() {}
func (UserMessage) isMessage()      {}
func (ResultMessage) isMessage()    {}
func (StreamEvent) isMessage()      {}
func (UnknownMessage) isMessage()   {}

func (m SystemMessage) Session() string    { return m.SessionID }
func (m AssistantMessage) Session() string { return m.SessionID }
func (m UserMessage) Session() string      { return m.SessionID }
func (m ResultMessage) Session() string    { return m.SessionID }
func (m StreamEvent) Session() string      { return m.SessionID }
func (m UnknownMessage) Session() string   { return m.SessionID }

// Block is the closed set of content blocks inside assistant and user messages.
type Block interface{ isBlock() }

type TextBlock struct {
	Text string
}

type ThinkingBlock struct {
	Thinking string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

type ToolResultBlock struct {
	ToolUseID string
	// Content is a string or a list of JSON-like content items.
	Content any
	IsError bool
}

func (TextBlock) isBlock()       {}
func (ThinkingBlock) isBlock()   {}
func (ToolUseBlock) isBlock()    {}
func (ToolResultBlock) isBlock() {}
