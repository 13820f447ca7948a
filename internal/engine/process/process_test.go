package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

const helperEnv = "AGENTRELAY_FAKE_ENGINE"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		fakeEngine()
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

// fakeEngine is a tiny stream-json engine run from the test binary. It echoes
// each user text, reports the --resume session, and understands "hang" and
// "crash" as special prompts.
func fakeEngine() {
	sid := "fresh-session"
	resumed := ""
	for i, a := range os.Args {
		if a == "--resume" && i+1 < len(os.Args) {
			sid, resumed = os.Args[i+1], os.Args[i+1]
		}
	}
	out := json.NewEncoder(os.Stdout)
	emit := func(v map[string]any) { _ = out.Encode(v) }

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := gjson.ParseBytes(in.Bytes())
		if line.Get("type").String() != "user" {
			continue
		}
		text := line.Get("message.content.0.text").String()
		if text == "crash" {
			fmt.Fprintln(os.Stderr, "boom")
			os.Exit(3)
		}
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": sid, "resumed": resumed})
		if text == "hang" {
			emit(map[string]any{"type": "stream_event", "session_id": sid, "event": map[string]any{"type": "message_start"}})
			for in.Scan() {
				ctl := gjson.ParseBytes(in.Bytes())
				if ctl.Get("request.subtype").String() == "interrupt" {
					emit(map[string]any{"type": "control_response", "response": map[string]any{"subtype": "success"}})
					break
				}
			}
			emit(map[string]any{"type": "result", "subtype": "error_during_execution", "session_id": sid, "is_error": true, "result": "interrupted"})
			continue
		}
		reply := "echo: " + text
		emit(map[string]any{"type": "stream_event", "session_id": sid, "event": map[string]any{
			"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": reply},
		}})
		emit(map[string]any{"type": "assistant", "session_id": sid, "message": map[string]any{
			"model": "fake", "content": []any{map[string]any{"type": "text", "text": reply}},
		}})
		emit(map[string]any{"type": "result", "subtype": "success", "session_id": sid, "num_turns": 1, "total_cost_usd": 0.01, "result": reply})
	}
}

func newTestClient(t *testing.T) engine.Client {
	t.Helper()
	conn, err := NewConnector(Config{Command: os.Args[0], Env: []string{helperEnv + "=1"}})
	require.NoError(t, err)
	c, err := conn.Connect(context.Background(), engine.ConnectOptions{Slot: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func turn(t *testing.T, c engine.Client, sid, text string) []engine.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Query(ctx, engine.Request{SessionID: sid, Content: model.Text(text)}))
	sr, err := c.ReceiveResponse(ctx)
	require.NoError(t, err)
	defer sr.Close()

	var msgs []engine.Message
	for {
		m, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
}

func TestClientTurn(t *testing.T) {
	c := newTestClient(t)

	msgs := turn(t, c, "", "hello")
	require.Len(t, msgs, 4)
	assert.Equal(t, "fresh-session", msgs[0].(engine.SystemMessage).SessionID)
	assert.Equal(t, "echo: hello", msgs[1].(engine.StreamEvent).Text)
	res := msgs[3].(engine.ResultMessage)
	assert.Equal(t, "success", res.Subtype)
	assert.Equal(t, "echo: hello", res.Result)
}

func TestClientReusesProcessForSameSession(t *testing.T) {
	c := newTestClient(t)

	turn(t, c, "", "one")
	msgs := turn(t, c, "fresh-session", "two")
	init := msgs[0].(engine.SystemMessage)
	assert.Equal(t, "fresh-session", init.SessionID)
	assert.Equal(t, "", init.Data["resumed"], "the bound process serves its own session without a restart")
}

func TestClientResumesOtherSession(t *testing.T) {
	c := newTestClient(t)

	turn(t, c, "", "one")
	msgs := turn(t, c, "older-session", "two")
	init := msgs[0].(engine.SystemMessage)
	assert.Equal(t, "older-session", init.SessionID)
	assert.Equal(t, "older-session", init.Data["resumed"])

	msgs = turn(t, c, "", "three")
	assert.Equal(t, "fresh-session", msgs[0].(engine.SystemMessage).SessionID)
}

func TestClientInterrupt(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Query(ctx, engine.Request{Content: model.Text("hang")}))
	sr, err := c.ReceiveResponse(ctx)
	require.NoError(t, err)
	defer sr.Close()

	_, err = sr.Recv() // init
	require.NoError(t, err)
	_, err = sr.Recv() // message_start
	require.NoError(t, err)
	require.NoError(t, c.Interrupt(ctx))

	m, err := sr.Recv()
	require.NoError(t, err)
	assert.True(t, m.(engine.ResultMessage).IsError)
	_, err = sr.Recv()
	assert.ErrorIs(t, err, io.EOF)

	// the process survives an interrupt
	msgs := turn(t, c, "fresh-session", "after")
	assert.Equal(t, "echo: after", msgs[len(msgs)-1].(engine.ResultMessage).Result)
}

func TestClientProcessCrash(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Query(ctx, engine.Request{Content: model.Text("crash")}))
	sr, err := c.ReceiveResponse(ctx)
	require.NoError(t, err)
	defer sr.Close()

	_, err = sr.Recv()
	require.ErrorIs(t, err, ErrProcessExited)
	assert.Contains(t, err.Error(), "boom")

	// a fresh process replaces the dead one
	msgs := turn(t, c, "", "again")
	assert.Equal(t, "echo: again", msgs[len(msgs)-1].(engine.ResultMessage).Result)
}

func TestClientDisconnected(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.Disconnect(context.Background()))

	err := c.Query(context.Background(), engine.Request{Content: model.Text("hi")})
	assert.ErrorIs(t, err, engine.ErrNotConnected)
	_, err = c.ReceiveResponse(context.Background())
	assert.ErrorIs(t, err, engine.ErrNotConnected)
}

func TestNewConnectorRequiresCommand(t *testing.T) {
	_, err := NewConnector(Config{Command: " "})
	assert.Error(t, err)
}
