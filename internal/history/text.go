package history

import (
	"strings"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
)

// TextBuffer accumulates the assistant text of one turn. Streamed fragments
// are provisional: the complete text of an assistant message replaces the
// fragments streamed for it.
type TextBuffer struct {
	segments []string
	streamed strings.Builder
}

// Delta appends a streamed fragment.
func (b *TextBuffer) Delta(s string) {
	b.streamed.WriteString(s)
}

// Complete records the authoritative text of one assistant message.
func (b *TextBuffer) Complete(text string) {
	b.segments = append(b.segments, text)
	b.streamed.Reset()
}

// Break closes the streamed fragments as a segment of their own, for
// messages that carried no text of their own.
func (b *TextBuffer) Break() {
	if b.streamed.Len() == 0 {
		return
	}
	b.segments = append(b.segments, b.streamed.String())
	b.streamed.Reset()
}

func (b *TextBuffer) String() string {
	segments := b.segments
	if b.streamed.Len() > 0 {
		segments = append(segments[:len(segments):len(segments)], b.streamed.String())
	}
	return strings.TrimSpace(strings.Join(segments, "\n\n"))
}

// Assistant applies one complete assistant message: its text replaces the
// fragments streamed for it, and a message carrying only tool calls closes
// the streamed fragments as a segment.
func (b *TextBuffer) Assistant(m engine.AssistantMessage) {
	var texts []string
	toolUse := false
	for _, block := range m.Content {
		switch v := block.(type) {
		case engine.TextBlock:
			if v.Text != "" {
				texts = append(texts, v.Text)
			}
		case engine.ToolUseBlock:
			toolUse = true
		}
	}
	switch {
	case len(texts) > 0:
		b.Complete(strings.Join(texts, ""))
	case toolUse:
		b.Break()
	}
}
