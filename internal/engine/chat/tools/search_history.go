package tools

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 20
	snippetRunes         = 400
)

type SearchHistoryInput struct {
	Query      string `json:"query"`
	Role       string `json:"role,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type HistoryMatch struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type SearchHistoryOutput struct {
	Matches []HistoryMatch `json:"matches"`
	Total   int            `json:"total"`
	Error   string         `json:"error,omitempty"`
}

func createSearchHistoryTool(history model.HistoryRepository) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolSearchHistory,
			Desc: "Search earlier messages of this conversation. Use it when the user refers to something said before that is no longer in view. Returns the most recent matching messages first.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     "string",
					Desc:     "Keywords to look for, matched case-insensitively against message text.",
					Required: true,
				},
				"role": {
					Type: "string",
					Desc: "Optional filter: user or assistant.",
					Enum: []string{string(model.RoleUser), string(model.RoleAssistant)},
				},
				"max_results": {
					Type: "number",
					Desc: "Maximum number of messages to return (default: 5, max: 20)",
				},
			}),
		},
		func(ctx context.Context, in *SearchHistoryInput) (*SearchHistoryOutput, error) {
			if strings.TrimSpace(in.Query) == "" {
				return &SearchHistoryOutput{Error: "query is required"}, nil
			}
			sid := SessionFrom(ctx)
			if sid == "" {
				return &SearchHistoryOutput{Error: "no session in scope"}, nil
			}
			limit := in.MaxResults
			if limit <= 0 {
				limit = defaultSearchResults
			}
			limit = clampInt(limit, 1, maxSearchResults)

			h, err := history.Load(ctx, sid)
			if err != nil {
				return &SearchHistoryOutput{Error: err.Error()}, nil
			}

			query := strings.ToLower(in.Query)
			matches := []HistoryMatch{}
			for i := len(h.Records) - 1; i >= 0 && len(matches) < limit; i-- {
				r := h.Records[i]
				if r.Role != model.RoleUser && r.Role != model.RoleAssistant {
					continue
				}
				if in.Role != "" && string(r.Role) != in.Role {
					continue
				}
				text := r.Content.PlainText()
				if !strings.Contains(strings.ToLower(text), query) {
					continue
				}
				matches = append(matches, HistoryMatch{
					Role:      string(r.Role),
					Text:      model.Text(text).Preview(snippetRunes),
					Timestamp: r.Timestamp,
				})
			}
			return &SearchHistoryOutput{Matches: matches, Total: len(matches)}, nil
		},
	)
}
