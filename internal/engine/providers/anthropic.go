package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

// AnthropicChatModel adapts the Anthropic Messages API to eino.
type AnthropicChatModel struct {
	client anthropic.Client
	cfg    model.ChatModelConfig
	tools  []*schema.ToolInfo
	params []anthropic.ToolUnionParam
}

func NewAnthropic(cfg model.ChatModelConfig, opts ...option.RequestOption) (*AnthropicChatModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("anthropic: missing model")
	}
	var reqOpts []option.RequestOption
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)
	return &AnthropicChatModel{client: anthropic.NewClient(reqOpts...), cfg: cfg}, nil
}

func (m *AnthropicChatModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	params := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, info := range tools {
		s, err := paramsSchema(info)
		if err != nil {
			return nil, err
		}
		p := anthropic.ToolParam{
			Name:        info.Name,
			Description: anthropic.String(info.Desc),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: s["properties"],
				Required:   requiredList(s["required"]),
			},
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: &p})
	}
	cp := *m
	cp.tools = tools
	cp.params = params
	return &cp, nil
}

func (m *AnthropicChatModel) IsCallbacksEnabled() bool { return true }

func (m *AnthropicChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	sr, err := m.Stream(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return generate(sr)
}

func (m *AnthropicChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	temperature, maxTokens, name := m.cfg.Temperature, m.cfg.MaxTokens, m.cfg.Model
	o := einomodel.GetCommonOptions(&einomodel.Options{Temperature: &temperature, MaxTokens: &maxTokens, Model: &name}, opts...)

	system, messages := anthropicMessages(in)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(*o.Model),
		MaxTokens: int64(*o.MaxTokens),
		Messages:  messages,
		Tools:     m.params,
	}
	if o.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*o.Temperature))
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if b := int64(m.cfg.ThinkingBudget); b >= 1024 && b < params.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(b)
		params.Temperature = anthropic.Float(1)
	}

	input := &einomodel.CallbackInput{
		Messages: in,
		Tools:    m.tools,
		Config:   &einomodel.Config{Model: *o.Model, MaxTokens: *o.MaxTokens, Temperature: *o.Temperature},
	}
	return streamWithCallbacks(ctx, input, func(ctx context.Context, send func(*schema.Message) bool) error {
		stream := m.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		msg := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				return fmt.Errorf("anthropic: accumulate: %w", err)
			}
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					send(&schema.Message{Role: schema.Assistant, Content: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					send(&schema.Message{Role: schema.Assistant, ReasoningContent: delta.Thinking})
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic: %w", err)
		}

		final := &schema.Message{
			Role:         schema.Assistant,
			ResponseMeta: usageMeta(string(msg.StopReason), msg.Usage.InputTokens, msg.Usage.OutputTokens),
		}
		for _, block := range msg.Content {
			tu, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			idx := len(final.ToolCalls)
			args := strings.TrimSpace(string(tu.Input))
			if args == "" {
				args = "{}"
			}
			final.ToolCalls = append(final.ToolCalls, schema.ToolCall{
				Index:    &idx,
				ID:       tu.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: tu.Name, Arguments: args},
			})
		}
		send(final)
		return nil
	})
}

// anthropicMessages converts eino messages. Leading system messages become
// the system prompt; later ones travel as user text, since the API accepts
// system content only up front. Consecutive user-side content is merged.
func anthropicMessages(in []*schema.Message) ([]string, []anthropic.MessageParam) {
	var (
		system []string
		out    []anthropic.MessageParam
	)
	appendRole := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, msg := range in {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if len(out) == 0 {
				if s := strings.TrimSpace(msg.Content); s != "" {
					system = append(system, s)
				}
				continue
			}
			appendRole(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.Content))
		case schema.User:
			appendRole(anthropic.MessageParamRoleUser, anthropicUserBlocks(msg)...)
		case schema.Assistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any = map[string]any{}
				if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
					if err := json.Unmarshal([]byte(args), &input); err != nil {
						input = map[string]any{"raw": args}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			appendRole(anthropic.MessageParamRoleAssistant, blocks...)
		case schema.Tool:
			appendRole(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
	}
	return system, out
}

func anthropicUserBlocks(msg *schema.Message) []anthropic.ContentBlockParamUnion {
	if len(msg.MultiContent) == 0 {
		if msg.Content == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.MultiContent))
	for _, p := range msg.MultiContent {
		switch p.Type {
		case schema.ChatMessagePartTypeText:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case schema.ChatMessagePartTypeImageURL:
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := splitDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.ImageURL.URL}))
			}
		}
	}
	return blocks
}
