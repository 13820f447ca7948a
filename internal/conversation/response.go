package conversation

import (
	"github.com/Chative-core-poc-v1/agentrelay/internal/event"
	"github.com/Chative-core-poc-v1/agentrelay/internal/history"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

// Request is one user turn addressed to the relay.
type Request struct {
	Content model.Content
	// ResumeID names an engine session to continue. Only used when creating.
	ResumeID string
	UserID   string
}

// ToolCall pairs a tool invocation with its result, when one arrived.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Result  any            `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// CompleteResponse aggregates one finished turn.
type CompleteResponse struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	TurnCount int           `json:"turn_count"`
	TotalCost float64       `json:"total_cost"`
	Error     string        `json:"error,omitempty"`
	Events    []event.Event `json:"-"`
}

// turn is the streaming context of one in-flight query.
type turn struct {
	text      history.TextBuffer
	calls     []ToolCall
	callIndex map[string]int
	numTurns  int
	totalCost float64
	sawDelta  bool
	sawResult bool
	resultErr string
	events    []event.Event
}

func newTurn() *turn {
	return &turn{callIndex: map[string]int{}}
}

func (t *turn) toolUse(ev event.Event) {
	t.callIndex[ev.ID] = len(t.calls)
	t.calls = append(t.calls, ToolCall{ID: ev.ID, Name: ev.Name, Input: ev.Input})
}

func (t *turn) toolResult(ev event.Event) {
	if i, ok := t.callIndex[ev.ToolUseID]; ok {
		t.calls[i].Result = ev.Content
		t.calls[i].IsError = ev.IsError
		return
	}
	t.calls = append(t.calls, ToolCall{ID: ev.ToolUseID, Result: ev.Content, IsError: ev.IsError})
}
