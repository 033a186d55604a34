package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/parser"
)

func TestSplitPrefixesHeadingPath(t *testing.T) {
	c := NewChunker(1000, 100)
	chunks, err := c.Split([]parser.Section{
		{Text: "body of the intro", Headings: []string{"Guide", "Intro"}, Page: 1},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, "Guide > Intro\nbody of the intro", chunks[0].Text)
	assert.Equal(t, "body of the intro", chunks[0].Raw)
	assert.Equal(t, 1, chunks[0].Page)
}

func TestSplitNoHeadingsNoPrefix(t *testing.T) {
	c := NewChunker(1000, 100)
	chunks, err := c.Split([]parser.Section{{Text: "plain body"}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "plain body", chunks[0].Text)
}

func TestSplitIndexesAcrossSections(t *testing.T) {
	c := NewChunker(1000, 100)
	chunks, err := c.Split([]parser.Section{
		{Text: "first section"},
		{Text: "second section"},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
}

func TestSplitLongSectionProducesMultipleChunks(t *testing.T) {
	words := strings.Repeat("alpha beta gamma delta ", 100)
	c := NewChunker(200, 40)
	chunks, err := c.Split([]parser.Section{{Text: words}})
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	// Every chunk of one section points at the same parent.
	parent := chunks[0].ParentID
	require.NotEmpty(t, parent)
	for _, ch := range chunks {
		assert.Equal(t, parent, ch.ParentID)
		assert.Equal(t, words, ch.ParentContent)
		assert.LessOrEqual(t, len(ch.Raw), 200+len("alpha beta gamma delta"))
	}
}

func TestSectionIDStable(t *testing.T) {
	assert.Equal(t, sectionID("same text"), sectionID("same text"))
	assert.NotEqual(t, sectionID("same text"), sectionID("other text"))
	assert.Len(t, sectionID("x"), 32)
}

func TestNewChunkerDefaults(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, 1000, c.size)
	assert.Equal(t, 200, c.overlap)

	// Overlap wider than the chunk falls back too.
	c = NewChunker(100, 100)
	assert.Equal(t, 20, c.overlap)
}
