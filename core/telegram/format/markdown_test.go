package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeMarkdown(t *testing.T) {
	got, err := EscapeMarkdown("a_b*c", MarkdownV1, "")
	require.NoError(t, err)
	assert.Equal(t, `a\_b\*c`, got)

	got, err = EscapeMarkdown("a.b@c.com (x)", MarkdownV2, "")
	require.NoError(t, err)
	assert.Equal(t, `a\.b@c\.com \(x\)`, got)

	got, err = EscapeMarkdown("1234.`x`", MarkdownV2, "code")
	require.NoError(t, err)
	assert.Equal(t, "1234.\\`x\\`", got)

	_, err = EscapeMarkdown("x", 3, "")
	assert.Error(t, err)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, `Disney\+`, MD("Disney+"))
	assert.Equal(t, "*Max\\!*", Bold("Max!"))
	assert.Equal(t, "`a.b@c.com`", Code("a.b@c.com"))
}
