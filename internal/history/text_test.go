package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextBuffer(t *testing.T) {
	var b TextBuffer
	assert.Equal(t, "", b.String())

	b.Delta("Hel")
	b.Delta("lo")
	assert.Equal(t, "Hello", b.String())

	b.Complete("Hello!")
	assert.Equal(t, "Hello!", b.String())

	b.Delta("checking")
	b.Break()
	b.Break()
	b.Delta("Done")
	assert.Equal(t, "Hello!\n\nchecking\n\nDone", b.String())
	assert.Equal(t, "Hello!\n\nchecking\n\nDone", b.String(), "String does not consume")
}
