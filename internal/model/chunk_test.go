package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkID_DeterministicAcrossRuns(t *testing.T) {
	a := ChunkID("/t/a.md", 3)
	b := ChunkID("/t/a.md", 3)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ChunkID("/t/a.md", 4))
	assert.NotEqual(t, a, ChunkID("/t/b.md", 3))
}
