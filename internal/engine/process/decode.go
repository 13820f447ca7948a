package process

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

// Decode parses one stream-json line. Lines that only acknowledge control
// requests decode to nil.
func Decode(line []byte) (engine.Message, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("invalid stream-json line: %.80q", line)
	}
	root := gjson.ParseBytes(line)
	typ := root.Get("type").String()
	sid := root.Get("session_id").String()

	switch typ {
	case "system":
		data := map[string]any{}
		if m, ok := root.Value().(map[string]any); ok {
			data = m
		}
		return engine.SystemMessage{Subtype: root.Get("subtype").String(), SessionID: sid, Data: data}, nil

	case "assistant":
		msg := root.Get("message")
		return engine.AssistantMessage{
			SessionID: sid,
			Model:     msg.Get("model").String(),
			Content:   decodeBlocks(msg.Get("content")),
		}, nil

	case "user":
		return engine.UserMessage{SessionID: sid, Content: decodeBlocks(root.Get("message.content"))}, nil

	case "result":
		res := engine.ResultMessage{
			Subtype:      root.Get("subtype").String(),
			SessionID:    sid,
			NumTurns:     int(root.Get("num_turns").Int()),
			TotalCostUSD: root.Get("total_cost_usd").Float(),
			DurationMs:   root.Get("duration_ms").Int(),
			IsError:      root.Get("is_error").Bool(),
			Result:       root.Get("result").String(),
		}
		if res.Result == "" && res.IsError {
			var errs []string
			root.Get("errors").ForEach(func(_, v gjson.Result) bool {
				errs = append(errs, v.String())
				return true
			})
			res.Result = strings.Join(errs, "; ")
		}
		if u, ok := root.Get("usage").Value().(map[string]any); ok {
			res.Usage = u
		}
		return res, nil

	case "stream_event":
		ev := root.Get("event")
		se := engine.StreamEvent{
			SessionID: sid,
			Type:      ev.Get("type").String(),
			Index:     int(ev.Get("index").Int()),
		}
		if se.Type == engine.StreamContentBlockDelta {
			delta := ev.Get("delta")
			se.DeltaType = delta.Get("type").String()
			switch se.DeltaType {
			case engine.DeltaText:
				se.Text = delta.Get("text").String()
			case engine.DeltaThinking:
				se.Text = delta.Get("thinking").String()
			case engine.DeltaInputJSON:
				se.Text = delta.Get("partial_json").String()
			}
		}
		return se, nil

	case "control_response":
		return nil, nil
	}

	return engine.UnknownMessage{Type: typ, SessionID: sid, Raw: json.RawMessage(append([]byte(nil), line...))}, nil
}

func decodeBlocks(content gjson.Result) []engine.Block {
	var blocks []engine.Block
	content.ForEach(func(_, b gjson.Result) bool {
		switch b.Get("type").String() {
		case "text":
			blocks = append(blocks, engine.TextBlock{Text: b.Get("text").String()})
		case "thinking":
			blocks = append(blocks, engine.ThinkingBlock{Thinking: b.Get("thinking").String()})
		case "tool_use":
			input, _ := b.Get("input").Value().(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, engine.ToolUseBlock{
				ID:    b.Get("id").String(),
				Name:  b.Get("name").String(),
				Input: input,
			})
		case "tool_result":
			var c any
			switch v := b.Get("content"); {
			case v.IsArray():
				c = v.Value()
			case v.Exists():
				c = v.String()
			default:
				c = ""
			}
			blocks = append(blocks, engine.ToolResultBlock{
				ToolUseID: b.Get("tool_use_id").String(),
				Content:   c,
				IsError:   b.Get("is_error").Bool(),
			})
		}
		return true
	})
	return blocks
}

type stdinMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Message   stdinPayload `json:"message"`
}

type stdinPayload struct {
	Role    string       `json:"role"`
	Content []stdinBlock `json:"content"`
}

type stdinBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source any    `json:"source,omitempty"`
}

type stdinSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// EncodeUser renders a user turn as one stream-json line, newline included.
func EncodeUser(sessionID string, content model.Content) ([]byte, error) {
	var blocks []stdinBlock
	for _, b := range content.BlockList() {
		switch b.Type {
		case model.BlockText:
			blocks = append(blocks, stdinBlock{Type: "text", Text: b.Text})
		case model.BlockImage, model.BlockFile:
			typ := "image"
			if b.Type == model.BlockFile {
				typ = "document"
			}
			var src any
			if b.Source != nil {
				src = b.Source
			}
			if mediaType, data := b.SourceData(); data != "" {
				src = &stdinSource{Type: "base64", MediaType: mediaType, Data: data}
			} else if u := b.SourceURL(); u != "" {
				src = &stdinSource{Type: "url", URL: u}
			}
			blocks = append(blocks, stdinBlock{Type: typ, Source: src})
		default:
			return nil, fmt.Errorf("unsupported content block %q", b.Type)
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty user content")
	}
	return marshalLine(stdinMessage{
		Type:      "user",
		SessionID: sessionID,
		Message:   stdinPayload{Role: "user", Content: blocks},
	})
}

// EncodeInterrupt renders an interrupt control request.
func EncodeInterrupt(requestID string) ([]byte, error) {
	return marshalLine(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode stream-json: %w", err)
	}
	return append(b, '\n'), nil
}
