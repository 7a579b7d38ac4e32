package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/model"
)

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, model.ContentCode, DetectContentType("main.go"))
	assert.Equal(t, model.ContentMedia, DetectContentType("photo.png"))
	assert.Equal(t, model.ContentText, DetectContentType("notes.md"))
}

func TestSplit_DropsChunksShorterThanMinChars(t *testing.T) {
	text := "# Heading\n\nshort\n\n" + strings.Repeat("word ", 20)
	chunks := Split(text, model.ContentText, 32)
	for _, c := range chunks {
		assert.GreaterOrEqual(t, len(c.Text), 32)
	}
}

func TestSplit_CodeRespectsFunctionBoundaries(t *testing.T) {
	text := strings.Repeat("x = 1\n", 100) + "func first() {}\n" + strings.Repeat("y = 2\n", 100) + "func second() {}\n"
	chunks := Split(text, model.ContentCode, 10)
	require.NotEmpty(t, chunks)
	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "func first()"))
	assert.True(t, strings.HasPrefix(chunks[2].Text, "func second()"))
}

func TestSplit_EmptyTextYieldsNoChunks(t *testing.T) {
	chunks := Split("   \n  ", model.ContentText, 1)
	assert.Empty(t, chunks)
}
