// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/cloudwego/eino/schema"
)

// Turn describes the query a Script responds to.
type Turn struct {
	Request   engine.Request
	SessionID string
	Slot      int
	// N counts queries across the whole engine, starting at 1.
	N int
}

// Step is one scripted action of a response. Exactly one field is meaningful.
type Step struct {
	Msg   engine.Message
	Err   error
	Wait  <-chan struct{}
	Sleep time.Duration
}

// Script produces the steps of one response.
type Script func(t Turn) []Step

// Engine is an engine.Connector whose clients replay a Script.
type Engine struct {
	Script     Script
	ConnectErr error

	mu       sync.Mutex
	queries  []Turn
	sessions map[string]int
	nextID   int

	connects    atomic.Int32
	disconnects atomic.Int32
	interrupts  atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	total       atomic.Int32
}

// New returns an engine replaying script. A nil script answers every query
// with Reply("ok").
func New(script Script) *Engine {
	if script == nil {
		script = Reply("ok")
	}
	return &Engine{Script: script, sessions: map[string]int{}}
}

func (e *Engine) Connect(ctx context.Context, opts engine.ConnectOptions) (engine.Client, error) {
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	e.connects.Add(1)
	return &Client{engine: e, slot: opts.Slot, connected: true}, nil
}

// Connects reports how many clients were created.
func (e *Engine) Connects() int { return int(e.connects.Load()) }

// Disconnects reports how many clients were torn down.
func (e *Engine) Disconnects() int { return int(e.disconnects.Load()) }

// Interrupts reports how many interrupt signals reached the engine.
func (e *Engine) Interrupts() int { return int(e.interrupts.Load()) }

// InFlight reports how many responses are still being produced.
func (e *Engine) InFlight() int { return int(e.inFlight.Load()) }

// MaxInFlight reports the highest number of concurrently produced responses.
func (e *Engine) MaxInFlight() int { return int(e.maxInFlight.Load()) }

// Queries returns a copy of all queries received so far.
func (e *Engine) Queries() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Turn(nil), e.queries...)
}

func (e *Engine) begin(slot int, req engine.Request) Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	sid := req.SessionID
	if sid == "" {
		e.nextID++
		sid = fmt.Sprintf("sess-%d", e.nextID)
	}
	e.sessions[sid]++
	t := Turn{Request: req, SessionID: sid, Slot: slot, N: int(e.total.Add(1))}
	e.queries = append(e.queries, t)
	return t
}

// Client is one scripted connection.
type Client struct {
	engine *Engine
	slot   int

	mu        sync.Mutex
	connected bool
	pending   *Turn
	busy      bool
	interrupt chan struct{}
}

func (c *Client) Query(ctx context.Context, req engine.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return engine.ErrNotConnected
	}
	if c.busy {
		return errors.New("enginetest: query while another response is in flight")
	}
	t := c.engine.begin(c.slot, req)
	c.pending = &t
	c.busy = true
	c.interrupt = make(chan struct{})
	return nil
}

func (c *Client) ReceiveResponse(ctx context.Context) (*schema.StreamReader[engine.Message], error) {
	c.mu.Lock()
	t := c.pending
	c.pending = nil
	stop := c.interrupt
	c.mu.Unlock()
	if t == nil {
		return nil, errors.New("enginetest: no pending query")
	}

	n := c.engine.inFlight.Add(1)
	for {
		m := c.engine.maxInFlight.Load()
		if n <= m || c.engine.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	steps := c.engine.Script(*t)
	sr, sw := schema.Pipe[engine.Message](len(steps) + 1)
	go func() {
		defer func() {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			c.engine.inFlight.Add(-1)
			sw.Close()
		}()
		for _, st := range steps {
			switch {
			case st.Wait != nil:
				select {
				case <-st.Wait:
				case <-stop:
					sw.Send(Result(t.SessionID, "interrupted", false), nil)
					return
				}
			case st.Sleep > 0:
				select {
				case <-time.After(st.Sleep):
				case <-stop:
					sw.Send(Result(t.SessionID, "interrupted", false), nil)
					return
				}
			case st.Err != nil:
				sw.Send(nil, st.Err)
				return
			case st.Msg != nil:
				if closed := sw.Send(st.Msg, nil); closed {
					return
				}
			}
		}
	}()
	return sr, nil
}

func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return engine.ErrNotConnected
	}
	c.engine.interrupts.Add(1)
	if c.busy && c.interrupt != nil {
		select {
		case <-c.interrupt:
		default:
			close(c.interrupt)
		}
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.connected = false
		c.engine.disconnects.Add(1)
	}
	return nil
}

// Init builds the init system message announcing sid.
func Init(sid string) engine.Message {
	return engine.SystemMessage{Subtype: engine.SubtypeInit, SessionID: sid, Data: map[string]any{"session_id": sid}}
}

// Delta builds a streamed text fragment.
func Delta(sid, text string) engine.Message {
	return engine.StreamEvent{SessionID: sid, Type: engine.StreamContentBlockDelta, DeltaType: engine.DeltaText, Text: text}
}

// Assistant builds a complete assistant message.
func Assistant(sid string, blocks ...engine.Block) engine.Message {
	return engine.AssistantMessage{SessionID: sid, Model: "scripted", Content: blocks}
}

// ToolResult builds the user message carrying a tool result.
func ToolResult(sid, toolUseID string, content any, isErr bool) engine.Message {
	return engine.UserMessage{SessionID: sid, Content: []engine.Block{engine.ToolResultBlock{ToolUseID: toolUseID, Content: content, IsError: isErr}}}
}

// Result builds the terminal message of a turn.
func Result(sid, subtype string, isErr bool) engine.Message {
	return engine.ResultMessage{Subtype: subtype, SessionID: sid, NumTurns: 1, TotalCostUSD: 0.001, IsError: isErr}
}

// Msgs wraps messages as steps.
func Msgs(msgs ...engine.Message) []Step {
	steps := make([]Step, 0, len(msgs))
	for _, m := range msgs {
		steps = append(steps, Step{Msg: m})
	}
	return steps
}

// Reply answers every query by streaming chunks as deltas, then the joined
// text as the authoritative assistant message.
func Reply(chunks ...string) Script {
	return func(t Turn) []Step {
		msgs := []engine.Message{Init(t.SessionID)}
		for _, c := range chunks {
			msgs = append(msgs, Delta(t.SessionID, c))
		}
		msgs = append(msgs,
			Assistant(t.SessionID, engine.TextBlock{Text: strings.Join(chunks, "")}),
			Result(t.SessionID, "success", false),
		)
		return Msgs(msgs...)
	}
}

// Blocking behaves like Reply but holds the response after the first delta
// until release is closed or the turn is interrupted.
func Blocking(release <-chan struct{}, chunks ...string) Script {
	return func(t Turn) []Step {
		steps := Msgs(Init(t.SessionID))
		for i, c := range chunks {
			steps = append(steps, Step{Msg: Delta(t.SessionID, c)})
			if i == 0 {
				steps = append(steps, Step{Wait: release})
			}
		}
		steps = append(steps, Msgs(
			Assistant(t.SessionID, engine.TextBlock{Text: strings.Join(chunks, "")}),
			Result(t.SessionID, "success", false),
		)...)
		return steps
	}
}

// FailAfter streams chunks, then fails the stream with err.
func FailAfter(err error, chunks ...string) Script {
	return func(t Turn) []Step {
		steps := Msgs(Init(t.SessionID))
		for _, c := range chunks {
			steps = append(steps, Step{Msg: Delta(t.SessionID, c)})
		}
		return append(steps, Step{Err: err})
	}
}
