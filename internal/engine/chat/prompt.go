package chat

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/system_prompt.txt
var systemTemplate string

// systemPrompt renders the system message of every turn through an eino
// prompt template, so prompt callbacks observe it.
type systemPrompt struct {
	instructions string
	tools        []string
	now          func() time.Time
	tpl          prompt.ChatTemplate
}

func newSystemPrompt(instructions string, tools []*schema.ToolInfo, now func() time.Time) *systemPrompt {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, fmt.Sprintf("%s: %s", t.Name, t.Desc))
	}
	if now == nil {
		now = time.Now
	}
	return &systemPrompt{
		instructions: strings.TrimSpace(instructions),
		tools:        names,
		now:          now,
		tpl:          prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(systemTemplate)),
	}
}

// Render returns the system prompt text.
func (p *systemPrompt) Render(ctx context.Context) (string, error) {
	msgs, err := p.tpl.Format(ctx, map[string]any{
		"Instructions": p.instructions,
		"Tools":        p.tools,
		"Date":         p.now().Format("Monday, 2 January 2006"),
	})
	if err != nil {
		return "", fmt.Errorf("system prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("system prompt render: empty result")
	}
	return strings.TrimSpace(msgs[0].Content), nil
}
