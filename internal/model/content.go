package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Block types understood by engines. Blocks of other types, and fields a
// Block does not model, survive a JSON round trip through Extra.
const (
	BlockText  = "text"
	BlockImage = "image"
	BlockFile  = "file"
)

// Block is one typed element of multi-part content.
type Block struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	// Data holds base64 encoded bytes for inline images and files.
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
	// Source is the nested {type, media_type, data|url} object engines use
	// for image and document blocks.
	Source map[string]any `json:"source,omitempty"`
	// Extra keeps every other field of the encoded block.
	Extra map[string]any `json:"-"`
}

// blockFields are the keys decoded into named Block fields.
var blockFields = map[string]bool{
	"type": true, "text": true, "media_type": true, "data": true, "url": true, "name": true, "source": true,
}

// blockAlias drops the Block methods to avoid recursing into them.
type blockAlias Block

func (b Block) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(blockAlias(b))
	if err != nil || len(b.Extra) == 0 {
		return known, err
	}
	merged := make(map[string]any, len(b.Extra)+4)
	for k, v := range b.Extra {
		if !blockFields[k] {
			merged[k] = v
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var a blockAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if blockFields[k] {
			continue
		}
		if a.Extra == nil {
			a.Extra = map[string]any{}
		}
		a.Extra[k] = v
	}
	*b = Block(a)
	return nil
}

// SourceData returns the media type and base64 payload of an inline block,
// looking at Data first and the nested source object second.
func (b Block) SourceData() (mediaType, data string) {
	mediaType, data = b.MediaType, b.Data
	if data == "" && b.Source != nil {
		if s, ok := b.Source["data"].(string); ok {
			data = s
		}
		if mt, ok := b.Source["media_type"].(string); ok && mediaType == "" {
			mediaType = mt
		}
	}
	return mediaType, data
}

// SourceURL returns the URL of a block referencing remote media.
func (b Block) SourceURL() string {
	if b.URL != "" || b.Source == nil {
		return b.URL
	}
	u, _ := b.Source["url"].(string)
	return u
}

// Content is either a plain string or an ordered list of typed blocks. Both
// forms survive a JSON round trip unchanged: a string encodes as a JSON string,
// blocks encode as a JSON array.
type Content struct {
	text   string
	blocks []Block
}

// Text builds plain string content.
func Text(s string) Content {
	return Content{text: s}
}

// Blocks builds multi-part content. A nil or empty list yields empty block content.
func Blocks(blocks ...Block) Content {
	if blocks == nil {
		blocks = []Block{}
	}
	return Content{blocks: blocks}
}

// TextBlock is shorthand for a text Block.
func TextBlock(s string) Block {
	return Block{Type: BlockText, Text: s}
}

// ImageBlock is shorthand for an inline base64 image Block.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: BlockImage, MediaType: mediaType, Data: data}
}

// IsBlocks reports whether the content is in block form.
func (c Content) IsBlocks() bool {
	return c.blocks != nil
}

// String returns the plain string form; for block content it is empty.
func (c Content) String() string {
	return c.text
}

// BlockList returns the blocks of block content, or a single text block for
// non-empty string content.
func (c Content) BlockList() []Block {
	if c.blocks != nil {
		return c.blocks
	}
	if c.text == "" {
		return nil
	}
	return []Block{TextBlock(c.text)}
}

// PlainText flattens the content to text, joining text blocks with newlines
// and dropping non-text blocks.
func (c Content) PlainText() string {
	if c.blocks == nil {
		return c.text
	}
	parts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsEmpty reports whether there is nothing to send.
func (c Content) IsEmpty() bool {
	if c.blocks != nil {
		return len(c.blocks) == 0
	}
	return strings.TrimSpace(c.text) == ""
}

// Preview returns at most n runes of the plain text, for session listings.
func (c Content) Preview(n int) string {
	s := strings.TrimSpace(c.PlainText())
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.blocks != nil {
		return json.Marshal(c.blocks)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		*c = Text(s)
	case '[':
		var blocks []Block
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return fmt.Errorf("decode block content: %w", err)
		}
		*c = Blocks(blocks...)
	default:
		return fmt.Errorf("content must be a string or an array of blocks")
	}
	return nil
}
