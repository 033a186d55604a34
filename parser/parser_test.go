package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/queue"
)

func TestSupported(t *testing.T) {
	for _, name := range []string{"a.pdf", "b.docx", "c.doc", "d.txt", "e.md", "F.PDF", "G.Md"} {
		assert.True(t, Supported(name), name)
	}
	for _, name := range []string{"a.exe", "b.png", "c", "d.csv"} {
		assert.False(t, Supported(name), name)
	}
}

func TestQueueForRoutesBySuffix(t *testing.T) {
	assert.Equal(t, queue.QueueDocling, QueueFor("report.pdf"))
	assert.Equal(t, queue.QueueDocling, QueueFor("Contract.DOCX"))
	assert.Equal(t, queue.QueueDefault, QueueFor("notes.md"))
	assert.Equal(t, queue.QueueDefault, QueueFor("readme.txt"))
}

func TestRouterFor(t *testing.T) {
	r := NewRouter(&Docling{})

	p, err := r.For("a.pdf")
	require.NoError(t, err)
	assert.IsType(t, &Docling{}, p)

	p, err = r.For("a.txt")
	require.NoError(t, err)
	assert.IsType(t, &Plain{}, p)

	_, err = r.For("a.xlsx")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindUnsupportedFormat))
}

func TestHeadingPath(t *testing.T) {
	s := Section{Headings: []string{"Manual", "Setup", "Install"}}
	assert.Equal(t, "Manual > Setup > Install", s.HeadingPath())
	assert.Empty(t, Section{}.HeadingPath())
}

func TestPlainParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello chunked world"), 0o644))

	res, err := (&Plain{}).Parse(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, res.Sections, 1)
	assert.Equal(t, "hello chunked world", res.Sections[0].Text)
	assert.Equal(t, 1, res.Sections[0].Page)
	assert.Equal(t, 1, res.Pages)
}

func TestPlainParseRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := (&Plain{}).Parse(context.Background(), path)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindParseFailed))
}

func TestPlainParseRejectsBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.txt")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x80}, 0o644))

	_, err := (&Plain{}).Parse(context.Background(), path)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindParseFailed))
}
