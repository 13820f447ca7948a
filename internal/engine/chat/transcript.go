package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

// Transcripts holds the model-facing message log of every session the engine
// has served. It is shared by all connections of an Engine, so a session can
// continue on any pooled connection.
type Transcripts struct {
	mu       sync.Mutex
	sessions map[string][]*schema.Message
	// maxMessages caps the tail replayed to the model; <= 0 keeps everything.
	maxMessages int
	// history rebuilds sessions unknown to this process, if set.
	history model.HistoryRepository
}

func NewTranscripts(maxMessages int, history model.HistoryRepository) *Transcripts {
	return &Transcripts{
		sessions:    map[string][]*schema.Message{},
		maxMessages: maxMessages,
		history:     history,
	}
}

// Get returns the replayable tail of a session and whether the session was
// known. Unknown sessions are rebuilt from durable history when possible.
func (t *Transcripts) Get(ctx context.Context, sessionID string) ([]*schema.Message, bool, error) {
	t.mu.Lock()
	msgs, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if ok {
		return trimTail(msgs, t.maxMessages), true, nil
	}
	if t.history == nil {
		return nil, false, nil
	}

	h, err := t.history.Load(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("load history for %s: %w", sessionID, err)
	}
	msgs = fromHistory(h.Records)
	if len(msgs) == 0 {
		return nil, false, nil
	}
	t.mu.Lock()
	if _, raced := t.sessions[sessionID]; !raced {
		t.sessions[sessionID] = msgs
	}
	t.mu.Unlock()
	return trimTail(msgs, t.maxMessages), true, nil
}

// Append adds the messages of a finished turn.
func (t *Transcripts) Append(sessionID string, msgs ...*schema.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = append(t.sessions[sessionID], msgs...)
}

// Forget drops a session.
func (t *Transcripts) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Len reports the number of messages held for a session.
func (t *Transcripts) Len(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[sessionID])
}

// fromHistory replays user and assistant text. Tool traffic is not replayed:
// the log does not keep tool calls paired with the assistant turn that made
// them, and the final assistant text already reflects their results.
func fromHistory(records []model.HistoryRecord) []*schema.Message {
	var out []*schema.Message
	for _, r := range records {
		text := r.Content.PlainText()
		if text == "" {
			continue
		}
		switch r.Role {
		case model.RoleUser:
			out = append(out, schema.UserMessage(text))
		case model.RoleAssistant:
			out = append(out, schema.AssistantMessage(text, nil))
		}
	}
	return out
}

// trimTail returns a copy of the last max messages. The cut never starts on a
// tool result, whose tool call would be missing.
func trimTail(messages []*schema.Message, max int) []*schema.Message {
	source := messages
	if max > 0 && len(messages) > max {
		source = messages[len(messages)-max:]
		for len(source) > 0 && source[0].Role == schema.Tool {
			source = source[1:]
		}
	}
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
