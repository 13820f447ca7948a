package observers

import (
	"context"
	"errors"
	"io"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			if input == nil {
				return ctx
			}
			logx.Debug().
				Str("component", info.Name).
				Int("messages", len(input.Messages)).
				Int("tools", len(input.Tools)).
				Str("user", preview(lastUserContent(input.Messages))).
				Msg("model call started")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			if output != nil && output.Message != nil {
				logModelOutput(info, output.Message)
			}
			return ctx
		},
		OnEndWithStreamOutput: func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[*model.CallbackOutput]) context.Context {
			go func() {
				defer output.Close()
				var chunks []*schema.Message
				for {
					chunk, err := output.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						logx.Debug().Err(err).Str("component", info.Name).Msg("model stream observer stopped")
						return
					}
					if chunk != nil && chunk.Message != nil {
						chunks = append(chunks, chunk.Message)
					}
				}
				if len(chunks) == 0 {
					return
				}
				msg, err := schema.ConcatMessages(chunks)
				if err != nil {
					return
				}
				logModelOutput(info, msg)
			}()
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("component", info.Name).Msg("model call failed")
			return ctx
		},
	}
}

func logModelOutput(info *einocb.RunInfo, msg *schema.Message) {
	calls := make([]string, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, tc.Function.Name)
	}
	logx.Debug().
		Str("component", info.Name).
		Str("assistant", preview(strings.TrimSpace(msg.Content))).
		Strs("tool_calls", calls).
		Msg("model call finished")
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Role != schema.User {
			continue
		}
		if m.Content != "" {
			return strings.TrimSpace(m.Content)
		}
		for _, part := range m.MultiContent {
			if part.Type == schema.ChatMessagePartTypeText {
				return strings.TrimSpace(part.Text)
			}
		}
	}
	return ""
}
