package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

// OpenAIChatModel adapts OpenAI chat completions (and compatible servers) to eino.
type OpenAIChatModel struct {
	client openai.Client
	cfg    model.ChatModelConfig
	tools  []*schema.ToolInfo
	params []openai.ChatCompletionToolParam
}

type aggCall struct{ id, name, args string }

func NewOpenAI(cfg model.ChatModelConfig, opts ...option.RequestOption) (*OpenAIChatModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai: missing model")
	}
	var reqOpts []option.RequestOption
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIChatModel{client: openai.NewClient(reqOpts...), cfg: cfg}, nil
}

func (m *OpenAIChatModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	params := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, info := range tools {
		s, err := paramsSchema(info)
		if err != nil {
			return nil, err
		}
		params = append(params, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        info.Name,
				Description: openai.String(info.Desc),
				Parameters:  openai.FunctionParameters(s),
			},
		})
	}
	cp := *m
	cp.tools = tools
	cp.params = params
	return &cp, nil
}

func (m *OpenAIChatModel) IsCallbacksEnabled() bool { return true }

func (m *OpenAIChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	sr, err := m.Stream(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return generate(sr)
}

func (m *OpenAIChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	temperature, maxTokens, name := m.cfg.Temperature, m.cfg.MaxTokens, m.cfg.Model
	o := einomodel.GetCommonOptions(&einomodel.Options{Temperature: &temperature, MaxTokens: &maxTokens, Model: &name}, opts...)

	params := openai.ChatCompletionNewParams{
		Messages:            openAIMessages(in),
		Model:               openai.ChatModel(*o.Model),
		Temperature:         openai.Float(float64(*o.Temperature)),
		MaxCompletionTokens: openai.Int(int64(*o.MaxTokens)),
		StreamOptions:       openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if len(m.params) > 0 {
		params.Tools = m.params
	}

	input := &einomodel.CallbackInput{
		Messages: in,
		Tools:    m.tools,
		Config:   &einomodel.Config{Model: *o.Model, MaxTokens: *o.MaxTokens, Temperature: *o.Temperature},
	}
	return streamWithCallbacks(ctx, input, func(ctx context.Context, send func(*schema.Message) bool) error {
		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			finish           string
			prompt, complete int64
		)
		calls := map[int64]*aggCall{}
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					send(&schema.Message{Role: schema.Assistant, Content: ch.Delta.Content})
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := calls[tc.Index]
					if !ok {
						ac = &aggCall{}
						calls[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				if ch.FinishReason != "" {
					finish = ch.FinishReason
				}
			}
			if ck.Usage.TotalTokens > 0 {
				prompt, complete = ck.Usage.PromptTokens, ck.Usage.CompletionTokens
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai: %w", err)
		}

		final := &schema.Message{Role: schema.Assistant, ResponseMeta: usageMeta(finish, prompt, complete)}
		indices := make([]int64, 0, len(calls))
		for idx := range calls {
			indices = append(indices, idx)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		for _, idx := range indices {
			ac := calls[idx]
			i := len(final.ToolCalls)
			args := strings.TrimSpace(ac.args)
			if args == "" {
				args = "{}"
			}
			final.ToolCalls = append(final.ToolCalls, schema.ToolCall{
				Index:    &i,
				ID:       ac.id,
				Type:     "function",
				Function: schema.FunctionCall{Name: ac.name, Arguments: args},
			})
		}
		send(final)
		return nil
	})
}

func openAIMessages(in []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for _, msg := range in {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(msg.Content))
		case schema.User:
			if len(msg.MultiContent) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.MultiContent))
			for _, p := range msg.MultiContent {
				switch {
				case p.Type == schema.ChatMessagePartTypeText:
					parts = append(parts, openai.TextContentPart(p.Text))
				case p.Type == schema.ChatMessagePartTypeImageURL && p.ImageURL != nil:
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL.URL}))
				}
			}
			out = append(out, openai.UserMessage(parts))
		case schema.Assistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			am := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				am.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: am})
		case schema.Tool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}
