package event

import (
	"strings"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
)

// Normalize maps one raw engine message onto canonical events. It is pure:
// the same message always yields the same events.
//
// Assistant messages may carry several blocks and yield one event per
// meaningful block. Stream control fragments and user echoes yield nothing.
func Normalize(msg engine.Message) []Event {
	switch m := msg.(type) {
	case engine.SystemMessage:
		if m.Subtype == engine.SubtypeInit && m.SessionID != "" {
			return []Event{SessionIDEvent(m.SessionID)}
		}
		return []Event{{Kind: KindUnknown, RawType: "system:" + m.Subtype}}

	case engine.StreamEvent:
		if m.Type == engine.StreamContentBlockDelta && m.DeltaType == engine.DeltaText && m.Text != "" {
			return []Event{TextDelta(m.Text)}
		}
		return nil

	case engine.AssistantMessage:
		var out []Event
		for _, b := range m.Content {
			switch block := b.(type) {
			case engine.TextBlock:
				if block.Text != "" {
					out = append(out, Event{Kind: KindTextDelta, Text: block.Text, Snapshot: true})
				}
			case engine.ToolUseBlock:
				out = append(out, Event{Kind: KindToolUse, ID: block.ID, Name: block.Name, Input: block.Input})
			}
		}
		return out

	case engine.UserMessage:
		var out []Event
		for _, b := range m.Content {
			if block, ok := b.(engine.ToolResultBlock); ok {
				out = append(out, Event{Kind: KindToolResult, ToolUseID: block.ToolUseID, Content: block.Content, IsError: block.IsError})
			}
		}
		return out

	case engine.ResultMessage:
		if m.IsError {
			return []Event{Error(resultErrorMessage(m))}
		}
		return []Event{Done(m.NumTurns, m.TotalCostUSD)}

	case engine.UnknownMessage:
		return []Event{{Kind: KindUnknown, RawType: m.Type}}

	case nil:
		return nil

	default:
		return []Event{{Kind: KindUnknown}}
	}
}

func resultErrorMessage(m engine.ResultMessage) string {
	if s := strings.TrimSpace(m.Result); s != "" {
		return s
	}
	if m.Subtype != "" {
		return "engine error: " + m.Subtype
	}
	return "engine error"
}

// ToolResultText flattens tool result content (a string or a list of content
// items) into text.
func ToolResultText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, item := range c {
			switch v := item.(type) {
			case string:
				parts = append(parts, v)
			case map[string]any:
				if t, ok := v["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	case []map[string]any:
		items := make([]any, len(c))
		for i := range c {
			items[i] = c[i]
		}
		return ToolResultText(items)
	default:
		return ""
	}
}
