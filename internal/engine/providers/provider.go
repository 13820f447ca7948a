// Package providers builds eino tool-calling chat models for the chat engine.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// New returns the chat model named by cfg.Provider.
func New(ctx context.Context, cfg model.ChatModelConfig) (einomodel.ToolCallingChatModel, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		return NewGemini(ctx, cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unsupported chat provider %q", cfg.Provider)
	}
}

// paramsSchema flattens a tool's parameter schema into a JSON object map.
func paramsSchema(info *schema.ToolInfo) (map[string]any, error) {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if info.ParamsOneOf == nil {
		return out, nil
	}
	s, err := info.ParamsOneOf.ToJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", info.Name, err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", info.Name, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", info.Name, err)
	}
	return out, nil
}

func requiredList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, r := range vv {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// splitDataURL splits "data:<mime>;base64,<data>". ok is false for other URLs.
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), data, true
}

// streamWithCallbacks runs produce in the background and returns its chunks
// as a stream, reporting the call to eino callbacks the way built-in models do.
func streamWithCallbacks(
	ctx context.Context,
	input *einomodel.CallbackInput,
	produce func(ctx context.Context, send func(*schema.Message) bool) error,
) (*schema.StreamReader[*schema.Message], error) {
	ctx = callbacks.OnStart(ctx, input)

	sr, sw := schema.Pipe[*einomodel.CallbackOutput](16)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				sw.Send(nil, fmt.Errorf("chat model panic: %v", p))
			}
			sw.Close()
		}()
		err := produce(ctx, func(m *schema.Message) bool {
			out := &einomodel.CallbackOutput{Message: m, Config: input.Config}
			if m.ResponseMeta != nil && m.ResponseMeta.Usage != nil {
				out.TokenUsage = &einomodel.TokenUsage{
					PromptTokens:     m.ResponseMeta.Usage.PromptTokens,
					CompletionTokens: m.ResponseMeta.Usage.CompletionTokens,
					TotalTokens:      m.ResponseMeta.Usage.TotalTokens,
				}
			}
			return !sw.Send(out, nil)
		})
		if err != nil {
			callbacks.OnError(ctx, err)
			sw.Send(nil, err)
		}
	}()

	_, nsr := callbacks.OnEndWithStreamOutput(ctx, sr)
	return schema.StreamReaderWithConvert(nsr, func(o *einomodel.CallbackOutput) (*schema.Message, error) {
		if o == nil || o.Message == nil {
			return nil, schema.ErrNoValue
		}
		return o.Message, nil
	}), nil
}

// generate drains a stream into one message.
func generate(sr *schema.StreamReader[*schema.Message]) (*schema.Message, error) {
	defer sr.Close()
	var chunks []*schema.Message
	for {
		m, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, m)
	}
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	return schema.ConcatMessages(chunks)
}

func usageMeta(finish string, prompt, completion int64) *schema.ResponseMeta {
	return &schema.ResponseMeta{
		FinishReason: finish,
		Usage: &schema.TokenUsage{
			PromptTokens:     int(prompt),
			CompletionTokens: int(completion),
			TotalTokens:      int(prompt + completion),
		},
	}
}

// userText returns the text of a user message, multi-part or not.
func userText(m *schema.Message) string {
	if len(m.MultiContent) == 0 {
		return m.Content
	}
	var parts []string
	for _, p := range m.MultiContent {
		if p.Type == schema.ChatMessagePartTypeText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
