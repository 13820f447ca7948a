package chat

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
)

const DefaultMaxToolCalls = 10

// turnState is the graph-local state of one turn.
type turnState struct {
	SessionID string
	Model     string

	// History is everything fed to the model so far, system prompt included.
	History []*schema.Message
	// Produced holds the assistant and tool messages of this turn, in order.
	Produced []*schema.Message

	ToolCallCount        int
	ToolCallLimitReached bool
	ToolCallIDSeq        int

	ModelCalls       int
	PromptTokens     int
	CompletionTokens int
	TotalCostUSD     float64

	emit func(engine.Message) bool
}

type stateKey struct{}

// withState makes s the local state of the graph run started with ctx, so the
// caller can read the turn's totals after the run.
func withState(ctx context.Context, s *turnState) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

func stateFromContext(ctx context.Context) *turnState {
	if s, ok := ctx.Value(stateKey{}).(*turnState); ok {
		return s
	}
	return &turnState{}
}

// send forwards msg to the response stream. It reports false once the reader
// went away.
func (s *turnState) send(msg engine.Message) bool {
	if s.emit == nil {
		return true
	}
	return s.emit(msg)
}

// normalizeMaxToolCalls returns a sane default when the provided value is invalid.
func normalizeMaxToolCalls(n int) int {
	if n <= 0 {
		return DefaultMaxToolCalls
	}
	return n
}

// checkAndMarkToolLimit evaluates whether another tool call would exceed the
// limit and, if so, marks the state accordingly. Returns true when marked now.
func checkAndMarkToolLimit(state *turnState, max int) bool {
	max = normalizeMaxToolCalls(max)
	if !state.ToolCallLimitReached && state.ToolCallCount >= max {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}

// incrementToolCallAndCheck counts one tool round and marks the state if it
// exceeds the limit. Returns true when exceeded.
func incrementToolCallAndCheck(state *turnState, max int) bool {
	max = normalizeMaxToolCalls(max)
	state.ToolCallCount++
	if state.ToolCallCount > max {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}

// transcriptDelta returns the messages of this turn that belong in the
// session transcript. A trailing assistant message whose tool calls never got
// results is dropped so the transcript stays valid for the next request.
func (s *turnState) transcriptDelta() []*schema.Message {
	out := s.Produced
	if n := len(out); n > 0 && out[n-1].Role == schema.Assistant && len(out[n-1].ToolCalls) > 0 {
		out = out[:n-1]
	}
	return out
}
