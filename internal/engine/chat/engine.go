// Package chat is an in-process engine that drives an eino tool-calling chat
// model through a compiled turn graph. Every pooled connection shares the
// engine's transcripts, so a session may continue on any connection.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/chat/tools"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

// Result subtypes reported by the chat engine.
const (
	SubtypeSuccess     = "success"
	SubtypeInterrupted = "interrupted"
	SubtypeMaxTurns    = "error_max_turns"
	SubtypeError       = "error_during_execution"
)

var (
	errInterrupted  = errors.New("interrupted")
	errDisconnected = errors.New("disconnected")
)

// Config configures an Engine.
type Config struct {
	ChatModel einomodel.ToolCallingChatModel
	// ModelName labels usage and resolves pricing.
	ModelName    string
	Instructions string
	Tools        []tool.BaseTool
	MaxToolCalls int
	// MaxHistory caps the transcript tail replayed each turn; <= 0 replays all.
	MaxHistory int
	// History lets the engine resume sessions it has not seen in this process.
	History   model.HistoryRepository
	Callbacks []callbacks.Handler
	// Now is the prompt clock; defaults to time.Now.
	Now func() time.Time
}

// Engine is an engine.Connector for in-process chat models.
type Engine struct {
	cfg         Config
	runnable    compose.Runnable[*turnInput, *schema.Message]
	transcripts *Transcripts
	toolNames   []string
}

// New compiles the turn graph.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("chat engine: chat model is nil")
	}
	infos, err := tools.Infos(ctx, cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModel:    cfg.ChatModel,
		ModelName:    cfg.ModelName,
		Tools:        cfg.Tools,
		Prompt:       newSystemPrompt(cfg.Instructions, infos, cfg.Now),
		MaxToolCalls: cfg.MaxToolCalls,
	})
	if err != nil {
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	logx.Debug().Str("model", cfg.ModelName).Strs("tools", names).Msg("chat engine graph compiled")

	return &Engine{
		cfg:         cfg,
		runnable:    runnable,
		transcripts: NewTranscripts(cfg.MaxHistory, cfg.History),
		toolNames:   names,
	}, nil
}

// Transcripts exposes the shared session transcripts.
func (e *Engine) Transcripts() *Transcripts {
	return e.transcripts
}

func (e *Engine) Connect(ctx context.Context, opts engine.ConnectOptions) (engine.Client, error) {
	return &Client{engine: e, slot: opts.Slot, connected: true}, nil
}

// Client is one logical connection to an Engine.
type Client struct {
	engine *Engine
	slot   int

	mu        sync.Mutex
	connected bool
	pending   *engine.Request
	busy      bool
	cancel    context.CancelCauseFunc
}

func (c *Client) Query(ctx context.Context, req engine.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return engine.ErrNotConnected
	}
	if c.busy || c.pending != nil {
		return fmt.Errorf("chat engine: query while another response is in flight")
	}
	c.pending = &req
	return nil
}

func (c *Client) ReceiveResponse(ctx context.Context) (*schema.StreamReader[engine.Message], error) {
	c.mu.Lock()
	req := c.pending
	c.pending = nil
	if !c.connected {
		c.mu.Unlock()
		return nil, engine.ErrNotConnected
	}
	if req == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("chat engine: no pending query")
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	c.busy = true
	c.cancel = cancel
	c.mu.Unlock()

	sr, sw := schema.Pipe[engine.Message](64)
	go func() {
		defer func() {
			cancel(nil)
			c.mu.Lock()
			c.busy = false
			c.cancel = nil
			c.mu.Unlock()
			sw.Close()
		}()
		c.run(runCtx, *req, func(m engine.Message) bool {
			return !sw.Send(m, nil)
		})
	}()
	return sr, nil
}

// run executes one turn, always ending with a ResultMessage.
func (c *Client) run(ctx context.Context, req engine.Request, emit func(engine.Message) bool) {
	e := c.engine
	started := time.Now()

	sid := req.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	result := engine.ResultMessage{SessionID: sid}

	transcript, known, err := e.transcripts.Get(ctx, sid)
	if err != nil {
		result.Subtype, result.IsError, result.Result = SubtypeError, true, err.Error()
		emit(result)
		return
	}
	if req.SessionID != "" && !known {
		logx.Warn().Str("session_id", sid).Msg("resuming a session with no transcript; starting empty")
	}

	emit(engine.SystemMessage{
		Subtype:   engine.SubtypeInit,
		SessionID: sid,
		Data: map[string]any{
			"model": e.cfg.ModelName,
			"tools": e.toolNames,
			"slot":  c.slot,
		},
	})

	user := userMessage(req.Content)
	state := &turnState{emit: emit}
	var opts []compose.Option
	if len(e.cfg.Callbacks) > 0 {
		opts = append(opts, compose.WithCallbacks(e.cfg.Callbacks...))
	}
	out, runErr := e.runnable.Invoke(tools.WithSession(withState(ctx, state), sid), &turnInput{
		SessionID:  sid,
		Transcript: transcript,
		User:       user,
	}, opts...)

	e.transcripts.Append(sid, append([]*schema.Message{user}, state.transcriptDelta()...)...)

	result.NumTurns = state.ModelCalls
	result.TotalCostUSD = state.TotalCostUSD
	result.DurationMs = time.Since(started).Milliseconds()
	result.Usage = map[string]any{
		"input_tokens":  state.PromptTokens,
		"output_tokens": state.CompletionTokens,
	}
	switch cause := context.Cause(ctx); {
	case runErr == nil:
		result.Subtype = SubtypeSuccess
		if out != nil {
			result.Result = out.Content
		}
	case errors.Is(cause, errInterrupted):
		result.Subtype = SubtypeInterrupted
	case errors.Is(runErr, compose.ErrExceedMaxSteps):
		result.Subtype, result.IsError, result.Result = SubtypeMaxTurns, true, runErr.Error()
	default:
		if cause != nil {
			runErr = cause
		}
		result.Subtype, result.IsError, result.Result = SubtypeError, true, runErr.Error()
		logx.Warn().Err(runErr).Str("session_id", sid).Int("slot", c.slot).Msg("chat turn failed")
	}
	emit(result)
}

func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return engine.ErrNotConnected
	}
	if c.cancel != nil {
		c.cancel(errInterrupted)
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.pending = nil
	if c.cancel != nil {
		c.cancel(errDisconnected)
	}
	return nil
}

// userMessage converts relay content to a model message. Plain text stays
// plain; block content becomes multi-part input.
func userMessage(content model.Content) *schema.Message {
	if !content.IsBlocks() {
		return schema.UserMessage(content.String())
	}
	parts := make([]schema.ChatMessagePart, 0, len(content.BlockList()))
	textOnly := true
	for _, b := range content.BlockList() {
		switch b.Type {
		case model.BlockText:
			parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: b.Text})
		case model.BlockImage:
			textOnly = false
			mediaType, data := b.SourceData()
			url := b.SourceURL()
			if url == "" {
				url = "data:" + mediaType + ";base64," + data
			}
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: url, MIMEType: mediaType},
			})
		default:
			// unsupported blocks reach the model as a note
			textOnly = false
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: strings.TrimSpace(fmt.Sprintf("[%s attachment %s]", b.Type, b.Name)),
			})
		}
	}
	if textOnly {
		return schema.UserMessage(content.PlainText())
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}
