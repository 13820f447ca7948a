package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/tidwall/gjson"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

const (
	NodeTurnInput    = "TurnInput"
	NodeChatModel    = "ChatModel"
	NodeToolExecutor = "ToolExecutor"
)

// turnInput starts one graph run.
type turnInput struct {
	SessionID  string
	Transcript []*schema.Message
	User       *schema.Message
}

// NewTurnInputPreHandler resets the per-turn counters.
func NewTurnInputPreHandler(modelName string) func(context.Context, *turnInput, *turnState) (*turnInput, error) {
	return func(ctx context.Context, in *turnInput, s *turnState) (*turnInput, error) {
		s.SessionID = in.SessionID
		s.Model = modelName
		s.ToolCallCount = 0
		s.ToolCallLimitReached = false
		s.ToolCallIDSeq = 0
		s.TotalCostUSD = 0
		return in, nil
	}
}

// NewTurnInputNode builds the model context: system prompt, prior transcript
// and the new user message.
func NewTurnInputNode(p *systemPrompt) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *turnInput) ([]*schema.Message, error) {
		sys, err := p.Render(ctx)
		if err != nil {
			return nil, err
		}
		messages := make([]*schema.Message, 0, len(in.Transcript)+2)
		if sys != "" {
			messages = append(messages, schema.SystemMessage(sys))
		}
		messages = append(messages, in.Transcript...)
		messages = append(messages, in.User)
		return messages, nil
	})
}

// NewChatModelPreHandler appends the node input to the running history and
// injects a wrap-up notice once the tool call budget is spent.
func NewChatModelPreHandler(maxToolCalls int) func(context.Context, []*schema.Message, *turnState) ([]*schema.Message, error) {
	return func(ctx context.Context, in []*schema.Message, state *turnState) ([]*schema.Message, error) {
		// some providers drop tool_call_id on results
		if len(in) > 0 {
			last := in[len(in)-1]
			if last != nil && last.Role == schema.Tool && strings.TrimSpace(last.ToolCallID) == "" {
				for i := len(state.History) - 1; i >= 0; i-- {
					msg := state.History[i]
					if msg == nil || msg.Role != schema.Assistant || len(msg.ToolCalls) == 0 {
						continue
					}
					if id := msg.ToolCalls[0].ID; strings.TrimSpace(id) != "" {
						last.ToolCallID = id
					}
					break
				}
			}
		}

		state.History = append(state.History, in...)

		if checkAndMarkToolLimit(state, maxToolCalls) {
			maxToolCalls = normalizeMaxToolCalls(maxToolCalls)
			state.History = append(state.History, &schema.Message{
				Role: schema.System,
				Content: fmt.Sprintf(
					"SYSTEM NOTICE: You have reached the maximum tool call limit (%d). "+
						"Please synthesize a helpful response using the information you've already gathered. "+
						"Acknowledge any limitations in your response if you couldn't complete all necessary tool calls.",
					maxToolCalls,
				),
			})
		}
		return state.History, nil
	}
}

// NewChatModelNode streams one model call, forwarding text fragments as they
// arrive, and returns the concatenated message.
func NewChatModelNode(cm einomodel.BaseChatModel, modelName string) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in []*schema.Message) (*schema.Message, error) {
		var (
			emit func(engine.Message) bool
			sid  string
		)
		_ = compose.ProcessState(ctx, func(_ context.Context, s *turnState) error {
			emit, sid = s.send, s.SessionID
			return nil
		})

		ctx = callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{
			Name:      modelName,
			Type:      "ChatModel",
			Component: components.ComponentOfChatModel,
		})
		sr, err := cm.Stream(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("model stream: %w", err)
		}
		defer sr.Close()

		emit(engine.StreamEvent{SessionID: sid, Type: engine.StreamMessageStart})
		var chunks []*schema.Message
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("model stream: %w", err)
			}
			if chunk == nil {
				continue
			}
			chunks = append(chunks, chunk)
			if chunk.ReasoningContent != "" {
				emit(engine.StreamEvent{SessionID: sid, Type: engine.StreamContentBlockDelta,
					DeltaType: engine.DeltaThinking, Text: chunk.ReasoningContent})
			}
			if chunk.Content != "" {
				emit(engine.StreamEvent{SessionID: sid, Type: engine.StreamContentBlockDelta,
					DeltaType: engine.DeltaText, Text: chunk.Content})
			}
		}
		emit(engine.StreamEvent{SessionID: sid, Type: engine.StreamMessageStop})

		if len(chunks) == 0 {
			return schema.AssistantMessage("", nil), nil
		}
		out, err := schema.ConcatMessages(chunks)
		if err != nil {
			return nil, fmt.Errorf("concat model stream: %w", err)
		}
		out.Role = schema.Assistant
		return out, nil
	})
}

// NewChatModelPostHandler accounts usage, normalizes tool call ids and
// publishes the complete assistant message.
func NewChatModelPostHandler(modelName string) func(context.Context, *schema.Message, *turnState) (*schema.Message, error) {
	pricing := model.ResolvePricing(modelName)
	return func(ctx context.Context, out *schema.Message, state *turnState) (*schema.Message, error) {
		state.ModelCalls++
		if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
			usage := out.ResponseMeta.Usage
			inC, outC, totalC := model.ComputeCost(usage, pricing)
			state.PromptTokens += usage.PromptTokens
			state.CompletionTokens += usage.CompletionTokens
			state.TotalCostUSD += totalC
			logx.Debug().
				Str("session_id", state.SessionID).
				Str("model", modelName).
				Int("prompt_tokens", usage.PromptTokens).
				Int("completion_tokens", usage.CompletionTokens).
				Float64("input_cost_usd", inC).
				Float64("output_cost_usd", outC).
				Float64("total_cost_usd", totalC).
				Msg("LLM usage")
		}

		// some providers omit tool call ids
		for i := range out.ToolCalls {
			if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
				state.ToolCallIDSeq++
				out.ToolCalls[i].ID = fmt.Sprintf("call_%d", state.ToolCallIDSeq)
			}
		}

		state.History = append(state.History, out)
		state.Produced = append(state.Produced, out)

		if blocks := assistantBlocks(out); len(blocks) > 0 {
			state.send(engine.AssistantMessage{SessionID: state.SessionID, Model: modelName, Content: blocks})
		}
		if len(out.ToolCalls) > 0 {
			logx.Debug().Str("session_id", state.SessionID).Int("tool_count", len(out.ToolCalls)).Msg("Calling tools")
		}
		return out, nil
	}
}

// NewToolExecutorCondition routes to the tool executor while the model asks
// for tools and the budget allows it.
func NewToolExecutorCondition() func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, input *schema.Message) (string, error) {
		var limitReached bool
		_ = compose.ProcessState(ctx, func(_ context.Context, state *turnState) error {
			limitReached = state.ToolCallLimitReached
			return nil
		})
		if limitReached {
			logx.Debug().Msg("Tool limit reached previously - routing to end")
			return compose.END, nil
		}
		if len(input.ToolCalls) > 0 {
			return NodeToolExecutor, nil
		}
		return compose.END, nil
	}
}

// NewToolExecutorPreHandler counts tool rounds against the budget.
func NewToolExecutorPreHandler(maxToolCalls int) func(context.Context, *schema.Message, *turnState) (*schema.Message, error) {
	return func(ctx context.Context, in *schema.Message, state *turnState) (*schema.Message, error) {
		if incrementToolCallAndCheck(state, maxToolCalls) {
			logx.Warn().
				Int("tool_call_count", state.ToolCallCount).
				Int("max_tool_calls", normalizeMaxToolCalls(maxToolCalls)).
				Str("session_id", state.SessionID).
				Msg("Tool call limit exceeded - flagging and continuing")
		}
		return in, nil
	}
}

// NewToolExecutorPostHandler publishes tool results as a user message.
func NewToolExecutorPostHandler() func(context.Context, []*schema.Message, *turnState) ([]*schema.Message, error) {
	return func(ctx context.Context, out []*schema.Message, state *turnState) ([]*schema.Message, error) {
		blocks := make([]engine.Block, 0, len(out))
		for _, m := range out {
			if m == nil {
				continue
			}
			state.Produced = append(state.Produced, m)
			blocks = append(blocks, engine.ToolResultBlock{
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
				IsError:   gjson.Get(m.Content, "error").Exists(),
			})
		}
		if len(blocks) > 0 {
			state.send(engine.UserMessage{SessionID: state.SessionID, Content: blocks})
		}
		return out, nil
	}
}

// assistantBlocks converts a model message into engine content blocks.
func assistantBlocks(m *schema.Message) []engine.Block {
	var blocks []engine.Block
	if strings.TrimSpace(m.ReasoningContent) != "" {
		blocks = append(blocks, engine.ThinkingBlock{Thinking: m.ReasoningContent})
	}
	if m.Content != "" {
		blocks = append(blocks, engine.TextBlock{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, engine.ToolUseBlock{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: toolInput(tc.Function.Arguments),
		})
	}
	return blocks
}

func toolInput(args string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(args) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return map[string]any{"raw": args}
	}
	return input
}
