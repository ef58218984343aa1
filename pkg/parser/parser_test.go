package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainText_ExtractText(t *testing.T) {
	t.Parallel()

	p := PlainText{}

	text, err := p.ExtractText([]byte("hello\nworld"), "text/plain", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", text)
}

func TestPlainText_RejectsBinary(t *testing.T) {
	t.Parallel()

	p := PlainText{}
	_, err := p.ExtractText([]byte{0x00, 0x01, 0x02, 'a'}, "", "blob.bin")
	assert.Error(t, err)
}

func TestPlainText_InvalidUTF8(t *testing.T) {
	t.Parallel()

	p := PlainText{}
	text, err := p.ExtractText([]byte{'a', 0xff, 'b'}, "", "weird.txt")
	require.NoError(t, err)
	assert.Contains(t, text, "a")
	assert.Contains(t, text, "b")
}

func TestIsTextExtension(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTextExtension("md"))
	assert.True(t, IsTextExtension(".GO"))
	assert.False(t, IsTextExtension("pdf"))
	assert.False(t, IsTextExtension("png"))
}

func TestContentTypeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "application/pdf", ContentTypeFor("/x/report.pdf"))
	assert.Equal(t, "text/markdown", ContentTypeFor("notes.md"))
	assert.Equal(t, "text/plain", ContentTypeFor("main.go"))
	assert.Equal(t, "", ContentTypeFor("image.png"))
}
