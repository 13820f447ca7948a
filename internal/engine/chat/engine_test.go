package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Chative-core-poc-v1/agentrelay/internal/core"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/chat/tools"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	"github.com/Chative-core-poc-v1/agentrelay/internal/repo"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

func TestMain(m *testing.M) {
	logx.Init(logx.LoggerOpts{Environment: core.Testing, Output: io.Discard})
	goleak.VerifyTestMain(m)
}

// fakeModel answers each call with the chunks its script returns. A nil
// chunk list blocks until the call's context ends.
type fakeModel struct {
	script func(call int, in []*schema.Message) ([]*schema.Message, error)

	mu     sync.Mutex
	calls  [][]*schema.Message
	tools  []*schema.ToolInfo
	called chan struct{}
}

func newFakeModel(script func(call int, in []*schema.Message) ([]*schema.Message, error)) *fakeModel {
	return &fakeModel{script: script, called: make(chan struct{}, 16)}
}

func (f *fakeModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	sr, err := f.Stream(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	defer sr.Close()
	var chunks []*schema.Message
	for {
		c, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return schema.ConcatMessages(chunks)
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}

func (f *fakeModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]*schema.Message(nil), in...))
	n := len(f.calls)
	f.mu.Unlock()
	f.called <- struct{}{}

	chunks, err := f.script(n, in)
	if err != nil {
		return nil, err
	}
	if chunks != nil {
		return schema.StreamReaderFromArray(chunks), nil
	}
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}

func (f *fakeModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
	return f, nil
}

func (f *fakeModel) call(i int) []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeModel) numCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textChunks(parts ...string) []*schema.Message {
	out := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		out = append(out, &schema.Message{Role: schema.Assistant, Content: p})
	}
	return out
}

func toolCallChunk(id, name, args string) []*schema.Message {
	idx := 0
	return []*schema.Message{{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			Index:    &idx,
			ID:       id,
			Function: schema.FunctionCall{Name: name, Arguments: args},
		}},
	}}
}

var fixedNow = func() time.Time { return time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC) }

func newTestEngine(t *testing.T, fm *fakeModel, tweak ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		ChatModel:    fm,
		ModelName:    "gemini-2.5-flash",
		Instructions: "Be brief.",
		Now:          fixedNow,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return e
}

// turn runs one query on a fresh connection and collects the response.
func turn(t *testing.T, e *Engine, req engine.Request) []engine.Message {
	t.Helper()
	ctx := context.Background()
	c, err := e.Connect(ctx, engine.ConnectOptions{})
	require.NoError(t, err)
	defer c.Disconnect(ctx)
	require.NoError(t, c.Query(ctx, req))
	sr, err := c.ReceiveResponse(ctx)
	require.NoError(t, err)
	return drain(t, sr)
}

func drain(t *testing.T, sr *schema.StreamReader[engine.Message]) []engine.Message {
	t.Helper()
	defer sr.Close()
	var out []engine.Message
	for {
		m, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, m)
	}
}

func result(t *testing.T, msgs []engine.Message) engine.ResultMessage {
	t.Helper()
	require.NotEmpty(t, msgs)
	r, ok := msgs[len(msgs)-1].(engine.ResultMessage)
	require.True(t, ok, "last message is %T", msgs[len(msgs)-1])
	return r
}

func ofType[T engine.Message](msgs []engine.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestTurnStreamsAndEnds(t *testing.T) {
	fm := newFakeModel(func(int, []*schema.Message) ([]*schema.Message, error) {
		return textChunks("Hel", "lo"), nil
	})
	e := newTestEngine(t, fm)

	msgs := turn(t, e, engine.Request{Content: model.Text("hi")})

	initMsg, ok := msgs[0].(engine.SystemMessage)
	require.True(t, ok)
	assert.Equal(t, engine.SubtypeInit, initMsg.Subtype)
	sid := initMsg.SessionID
	require.NotEmpty(t, sid)

	var deltas []string
	for _, ev := range ofType[engine.StreamEvent](msgs) {
		if ev.DeltaType == engine.DeltaText {
			deltas = append(deltas, ev.Text)
		}
	}
	assert.Equal(t, []string{"Hel", "lo"}, deltas)

	assistant := ofType[engine.AssistantMessage](msgs)
	require.Len(t, assistant, 1)
	assert.Equal(t, []engine.Block{engine.TextBlock{Text: "Hello"}}, assistant[0].Content)
	assert.Equal(t, "gemini-2.5-flash", assistant[0].Model)

	r := result(t, msgs)
	assert.Equal(t, SubtypeSuccess, r.Subtype)
	assert.False(t, r.IsError)
	assert.Equal(t, "Hello", r.Result)
	assert.Equal(t, 1, r.NumTurns)
	for _, m := range msgs {
		assert.Equal(t, sid, m.Session())
	}

	in := fm.call(0)
	require.Len(t, in, 2)
	assert.Equal(t, schema.System, in[0].Role)
	assert.Contains(t, in[0].Content, "Be brief.")
	assert.Contains(t, in[0].Content, "Friday, 14 March 2025")
	assert.Equal(t, "hi", in[1].Content)
}

func TestFollowUpReplaysTranscript(t *testing.T) {
	fm := newFakeModel(func(call int, _ []*schema.Message) ([]*schema.Message, error) {
		if call == 1 {
			return textChunks("first answer"), nil
		}
		return textChunks("second answer"), nil
	})
	e := newTestEngine(t, fm)

	first := turn(t, e, engine.Request{Content: model.Text("one")})
	sid := result(t, first).SessionID

	second := turn(t, e, engine.Request{SessionID: sid, Content: model.Text("two")})
	assert.Equal(t, sid, result(t, second).SessionID)

	in := fm.call(1)
	require.Len(t, in, 4)
	assert.Equal(t, "one", in[1].Content)
	assert.Equal(t, "first answer", in[2].Content)
	assert.Equal(t, "two", in[3].Content)
	assert.Equal(t, 4, e.Transcripts().Len(sid))
}

func TestToolRound(t *testing.T) {
	fm := newFakeModel(func(call int, in []*schema.Message) ([]*schema.Message, error) {
		if call == 1 {
			return toolCallChunk("", tools.ToolCurrentTime, `{"timezone":" UTC "}`), nil
		}
		return textChunks("It is morning."), nil
	})
	e := newTestEngine(t, fm, func(c *Config) { c.Tools = tools.Default(nil, fixedNow) })

	msgs := turn(t, e, engine.Request{Content: model.Text("what time is it?")})

	assistant := ofType[engine.AssistantMessage](msgs)
	require.Len(t, assistant, 2)
	use, ok := assistant[0].Content[0].(engine.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "call_1", use.ID)
	assert.Equal(t, tools.ToolCurrentTime, use.Name)

	results := ofType[engine.UserMessage](msgs)
	require.Len(t, results, 1)
	res := results[0].Content[0].(engine.ToolResultBlock)
	assert.Equal(t, "call_1", res.ToolUseID)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "2025-03-14T09:26:00Z")

	r := result(t, msgs)
	assert.Equal(t, 2, r.NumTurns)
	assert.Equal(t, "It is morning.", r.Result)

	second := fm.call(1)
	last := second[len(second)-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	require.Len(t, fm.tools, 1)
}

func TestToolLimitWrapsUp(t *testing.T) {
	fm := newFakeModel(func(call int, _ []*schema.Message) ([]*schema.Message, error) {
		return toolCallChunk("", tools.ToolCurrentTime, `{}`), nil
	})
	e := newTestEngine(t, fm, func(c *Config) {
		c.Tools = tools.Default(nil, fixedNow)
		c.MaxToolCalls = 1
	})

	msgs := turn(t, e, engine.Request{Content: model.Text("loop forever")})

	r := result(t, msgs)
	assert.Equal(t, SubtypeSuccess, r.Subtype)
	assert.Equal(t, 2, fm.numCalls())
	wrap := fm.call(1)
	assert.Equal(t, schema.System, wrap[len(wrap)-1].Role)
	assert.Contains(t, wrap[len(wrap)-1].Content, "maximum tool call limit (1)")

	// the dangling tool call is not kept
	sid := r.SessionID
	kept, _, err := e.Transcripts().Get(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, kept, 3)
	assert.Equal(t, schema.Tool, kept[2].Role)
}

func TestUnknownToolIsReportedAsError(t *testing.T) {
	fm := newFakeModel(func(call int, _ []*schema.Message) ([]*schema.Message, error) {
		if call == 1 {
			return toolCallChunk("t1", "launch_rocket", `{}`), nil
		}
		return textChunks("cannot"), nil
	})
	e := newTestEngine(t, fm, func(c *Config) { c.Tools = tools.Default(nil, fixedNow) })

	msgs := turn(t, e, engine.Request{Content: model.Text("go")})

	results := ofType[engine.UserMessage](msgs)
	require.Len(t, results, 1)
	res := results[0].Content[0].(engine.ToolResultBlock)
	assert.Equal(t, "t1", res.ToolUseID)
	assert.True(t, res.IsError)
}

func TestModelFailureEndsWithErrorResult(t *testing.T) {
	fm := newFakeModel(func(int, []*schema.Message) ([]*schema.Message, error) {
		return nil, errors.New("quota exceeded")
	})
	e := newTestEngine(t, fm)

	msgs := turn(t, e, engine.Request{Content: model.Text("hi")})

	r := result(t, msgs)
	assert.True(t, r.IsError)
	assert.Equal(t, SubtypeError, r.Subtype)
	assert.Contains(t, r.Result, "quota exceeded")
}

func TestInterruptEndsTurn(t *testing.T) {
	fm := newFakeModel(func(int, []*schema.Message) ([]*schema.Message, error) {
		return nil, nil
	})
	e := newTestEngine(t, fm)
	ctx := context.Background()

	c, err := e.Connect(ctx, engine.ConnectOptions{Slot: 3})
	require.NoError(t, err)
	defer c.Disconnect(ctx)
	require.NoError(t, c.Query(ctx, engine.Request{Content: model.Text("long story")}))
	sr, err := c.ReceiveResponse(ctx)
	require.NoError(t, err)

	<-fm.called
	require.NoError(t, c.Interrupt(ctx))

	r := result(t, drain(t, sr))
	assert.Equal(t, SubtypeInterrupted, r.Subtype)
	assert.False(t, r.IsError)

	// the connection serves the next query
	require.NoError(t, c.Query(ctx, engine.Request{SessionID: r.SessionID, Content: model.Text("again")}))
}

func TestQueryWhileBusy(t *testing.T) {
	fm := newFakeModel(func(int, []*schema.Message) ([]*schema.Message, error) {
		return nil, nil
	})
	e := newTestEngine(t, fm)
	ctx := context.Background()

	c, err := e.Connect(ctx, engine.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Query(ctx, engine.Request{Content: model.Text("a")}))
	sr, err := c.ReceiveResponse(ctx)
	require.NoError(t, err)
	<-fm.called

	assert.Error(t, c.Query(ctx, engine.Request{Content: model.Text("b")}))

	require.NoError(t, c.Disconnect(ctx))
	r := result(t, drain(t, sr))
	assert.True(t, r.IsError)
	assert.ErrorIs(t, c.Query(ctx, engine.Request{Content: model.Text("c")}), engine.ErrNotConnected)
}

func TestResumeRebuildsFromHistory(t *testing.T) {
	hist := repo.NewMemoryHistoryRepository()
	now := fixedNow()
	require.NoError(t, hist.Append(context.Background(), "old-1",
		model.HistoryRecord{SessionID: "old-1", Role: model.RoleUser, Content: model.Text("my name is Ada"), Timestamp: now},
		model.HistoryRecord{SessionID: "old-1", Role: model.RoleToolUse, Content: model.Text("{}"), ToolName: "x", Timestamp: now},
		model.HistoryRecord{SessionID: "old-1", Role: model.RoleAssistant, Content: model.Text("Hello Ada"), Timestamp: now},
	))
	fm := newFakeModel(func(int, []*schema.Message) ([]*schema.Message, error) {
		return textChunks("Ada"), nil
	})
	e := newTestEngine(t, fm, func(c *Config) { c.History = hist })

	msgs := turn(t, e, engine.Request{SessionID: "old-1", Content: model.Text("what is my name?")})

	assert.Equal(t, "old-1", result(t, msgs).SessionID)
	in := fm.call(0)
	require.Len(t, in, 4)
	assert.Equal(t, "my name is Ada", in[1].Content)
	assert.Equal(t, "Hello Ada", in[2].Content)
}

func TestUsageCost(t *testing.T) {
	fm := newFakeModel(func(int, []*schema.Message) ([]*schema.Message, error) {
		chunks := textChunks("ok")
		chunks = append(chunks, &schema.Message{
			Role: schema.Assistant,
			ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{
				PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000,
			}},
		})
		return chunks, nil
	})
	e := newTestEngine(t, fm)

	r := result(t, turn(t, e, engine.Request{Content: model.Text("hi")}))
	assert.InDelta(t, 2.80, r.TotalCostUSD, 1e-9)
	assert.Equal(t, 1_000_000, r.Usage["input_tokens"])
}

func TestImageContentBecomesMultiPart(t *testing.T) {
	msg := userMessage(model.Blocks(model.TextBlock("look"), model.ImageBlock("image/png", "AAAA")))
	require.Len(t, msg.MultiContent, 2)
	assert.Equal(t, "data:image/png;base64,AAAA", msg.MultiContent[1].ImageURL.URL)

	plain := userMessage(model.Blocks(model.TextBlock("a"), model.TextBlock("b")))
	assert.Equal(t, "a\nb", plain.Content)
	assert.Empty(t, plain.MultiContent)
}

func TestTrimTailSkipsOrphanToolResults(t *testing.T) {
	msgs := []*schema.Message{
		schema.UserMessage("q"),
		schema.AssistantMessage("", []schema.ToolCall{{ID: "1"}}),
		schema.ToolMessage("r", "1"),
		schema.AssistantMessage("a", nil),
	}
	assert.Len(t, trimTail(msgs, 0), 4)
	got := trimTail(msgs, 2)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)
}
