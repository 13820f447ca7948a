package model

import (
	"context"
	"time"
)

// Role classifies a history record.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
	// RoleEvent marks conversationally meaningful system events, such as a
	// turn that failed before producing any text.
	RoleEvent Role = "event"
)

// HistoryRecord is one durable, append-only entry of a conversation.
type HistoryRecord struct {
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   Content        `json:"content"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HistoryRepository persists history records per session.
type HistoryRepository interface {
	// Append adds records to the end of the session's log, in order.
	Append(ctx context.Context, sessionID string, records ...HistoryRecord) error

	// Load returns the session's full log in append order. An unknown session
	// yields an empty log.
	Load(ctx context.Context, sessionID string) (*ConversationHistory, error)

	// Delete removes the whole session log.
	Delete(ctx context.Context, sessionID string) error

	// Count returns the number of records in the session's log.
	Count(ctx context.Context, sessionID string) (int, error)
}

// ConversationHistory represents a loaded session log.
type ConversationHistory struct {
	SessionID string
	Records   []HistoryRecord
}
