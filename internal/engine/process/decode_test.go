package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

func TestDecodeSystemInit(t *testing.T) {
	m, err := Decode([]byte(`{"type":"system","subtype":"init","session_id":"s-1","model":"claude-sonnet","tools":["Bash"]}`))
	require.NoError(t, err)

	sys, ok := m.(engine.SystemMessage)
	require.True(t, ok)
	assert.Equal(t, engine.SubtypeInit, sys.Subtype)
	assert.Equal(t, "s-1", sys.SessionID)
	assert.Equal(t, "claude-sonnet", sys.Data["model"])
}

func TestDecodeAssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","session_id":"s-1","message":{"model":"m","content":[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"let me check"},
		{"type":"tool_use","id":"toolu_1","name":"Read","input":{"path":"a.txt"}}]}}`
	m, err := Decode([]byte(line))
	require.NoError(t, err)

	msg, ok := m.(engine.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "m", msg.Model)
	require.Len(t, msg.Content, 3)
	assert.Equal(t, engine.ThinkingBlock{Thinking: "hmm"}, msg.Content[0])
	assert.Equal(t, engine.TextBlock{Text: "let me check"}, msg.Content[1])
	assert.Equal(t, engine.ToolUseBlock{ID: "toolu_1", Name: "Read", Input: map[string]any{"path": "a.txt"}}, msg.Content[2])
}

func TestDecodeToolResults(t *testing.T) {
	line := `{"type":"user","session_id":"s-1","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"toolu_1","content":"file body"},
		{"type":"tool_result","tool_use_id":"toolu_2","content":[{"type":"text","text":"x"}],"is_error":true}]}}`
	m, err := Decode([]byte(line))
	require.NoError(t, err)

	msg, ok := m.(engine.UserMessage)
	require.True(t, ok)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, engine.ToolResultBlock{ToolUseID: "toolu_1", Content: "file body"}, msg.Content[0])

	second := msg.Content[1].(engine.ToolResultBlock)
	assert.True(t, second.IsError)
	assert.Equal(t, []any{map[string]any{"type": "text", "text": "x"}}, second.Content)
}

func TestDecodeResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"s-1","num_turns":3,"total_cost_usd":0.042,
		"duration_ms":1200,"is_error":false,"result":"done","usage":{"input_tokens":10,"output_tokens":5}}`
	m, err := Decode([]byte(line))
	require.NoError(t, err)

	res, ok := m.(engine.ResultMessage)
	require.True(t, ok)
	assert.Equal(t, "success", res.Subtype)
	assert.Equal(t, 3, res.NumTurns)
	assert.InDelta(t, 0.042, res.TotalCostUSD, 1e-9)
	assert.EqualValues(t, 1200, res.DurationMs)
	assert.Equal(t, "done", res.Result)
	assert.EqualValues(t, 10, res.Usage["input_tokens"])
}

func TestDecodeErrorResultJoinsErrors(t *testing.T) {
	m, err := Decode([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, "a; b", m.(engine.ResultMessage).Result)
}

func TestDecodeStreamDeltas(t *testing.T) {
	cases := []struct {
		line      string
		deltaType string
		text      string
	}{
		{`{"type":"stream_event","session_id":"s","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`, engine.DeltaText, "Hel"},
		{`{"type":"stream_event","session_id":"s","event":{"type":"content_block_delta","index":1,"delta":{"type":"thinking_delta","thinking":"so"}}}`, engine.DeltaThinking, "so"},
		{`{"type":"stream_event","session_id":"s","event":{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"a\""}}}`, engine.DeltaInputJSON, `{"a"`},
	}
	for _, tc := range cases {
		m, err := Decode([]byte(tc.line))
		require.NoError(t, err)
		ev := m.(engine.StreamEvent)
		assert.Equal(t, engine.StreamContentBlockDelta, ev.Type)
		assert.Equal(t, tc.deltaType, ev.DeltaType)
		assert.Equal(t, tc.text, ev.Text)
	}

	m, err := Decode([]byte(`{"type":"stream_event","event":{"type":"message_stop"}}`))
	require.NoError(t, err)
	assert.Equal(t, engine.StreamMessageStop, m.(engine.StreamEvent).Type)
}

func TestDecodeUnknownAndControl(t *testing.T) {
	m, err := Decode([]byte(`{"type":"rate_limit","session_id":"s"}`))
	require.NoError(t, err)
	unk := m.(engine.UnknownMessage)
	assert.Equal(t, "rate_limit", unk.Type)
	assert.JSONEq(t, `{"type":"rate_limit","session_id":"s"}`, string(unk.Raw))

	m, err = Decode([]byte(`{"type":"control_response","response":{"subtype":"success"}}`))
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEncodeUser(t *testing.T) {
	line, err := EncodeUser("s-1", model.Blocks(
		model.TextBlock("what is this?"),
		model.ImageBlock("image/png", "iVBOR"),
		model.Block{Type: model.BlockImage, URL: "https://example.com/a.png"},
	))
	require.NoError(t, err)
	require.Equal(t, byte('\n'), line[len(line)-1])

	root := gjson.ParseBytes(line)
	assert.Equal(t, "user", root.Get("type").String())
	assert.Equal(t, "s-1", root.Get("session_id").String())
	assert.Equal(t, "what is this?", root.Get("message.content.0.text").String())
	assert.Equal(t, "base64", root.Get("message.content.1.source.type").String())
	assert.Equal(t, "image/png", root.Get("message.content.1.source.media_type").String())
	assert.Equal(t, "url", root.Get("message.content.2.source.type").String())

	_, err = EncodeUser("", model.Text(""))
	assert.Error(t, err)
	_, err = EncodeUser("", model.Blocks(model.Block{Type: "audio"}))
	assert.Error(t, err)
}

func TestEncodeInterrupt(t *testing.T) {
	line, err := EncodeInterrupt("req_1")
	require.NoError(t, err)
	root := gjson.ParseBytes(line)
	assert.Equal(t, "control_request", root.Get("type").String())
	assert.Equal(t, "interrupt", root.Get("request.subtype").String())
}
