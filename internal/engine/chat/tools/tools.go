// Package tools holds the tools the chat engine offers its model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

const (
	ToolSearchHistory = "search_history"
	ToolCurrentTime   = "current_time"
)

type sessionKey struct{}

// WithSession tells tools which session the running turn belongs to.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session set by WithSession.
func SessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

// Default returns the standard tool set. A nil repository leaves out
// search_history.
func Default(history model.HistoryRepository, now func() time.Time) []tool.BaseTool {
	out := []tool.BaseTool{createCurrentTimeTool(now)}
	if history != nil {
		out = append(out, createSearchHistoryTool(history))
	}
	return out
}

// Infos collects the schema of every tool.
func Infos(ctx context.Context, tools []tool.BaseTool) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SanitizeArguments coerces model-produced arguments into the shapes the
// tools expect. It never fails: arguments it cannot parse pass through.
func SanitizeArguments(ctx context.Context, name, arguments string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(arguments), &m); err != nil {
		return arguments, nil
	}

	switch name {
	case ToolSearchHistory:
		if v, ok := m["query"]; ok {
			if s, isStr := v.(string); isStr {
				m["query"] = strings.TrimSpace(s)
			} else {
				m["query"] = strings.TrimSpace(fmt.Sprint(v))
			}
		}
		if v, ok := m["role"]; ok {
			s, isStr := v.(string)
			if !isStr {
				delete(m, "role")
			} else {
				m["role"] = strings.ToLower(strings.TrimSpace(s))
			}
		}
		if v, ok := m["max_results"]; ok {
			switch vv := v.(type) {
			case float64:
				m["max_results"] = clampInt(int(vv), 1, maxSearchResults)
			case string:
				if n, err := strconv.Atoi(strings.TrimSpace(vv)); err == nil {
					m["max_results"] = clampInt(n, 1, maxSearchResults)
				} else {
					delete(m, "max_results")
				}
			default:
				delete(m, "max_results")
			}
		}
	case ToolCurrentTime:
		if v, ok := m["timezone"]; ok {
			if s, isStr := v.(string); isStr {
				m["timezone"] = strings.TrimSpace(s)
			} else {
				delete(m, "timezone")
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return arguments, nil
	}
	return string(b), nil
}

// clampInt returns v limited to [min, max].
func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
