package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/index"
)

func hit(id string) index.Hit {
	return index.Hit{Entry: index.Entry{ID: id, Text: "text " + id}}
}

func TestFuseAgreementWins(t *testing.T) {
	dense := []index.Hit{hit("a"), hit("b"), hit("c")}
	lexical := []index.Hit{hit("b"), hit("d"), hit("a")}

	fused := Fuse([][]index.Hit{dense, lexical}, []float64{1, 1}, RRFConstant)
	require.Len(t, fused, 4)

	// a and b appear in both lists and outrank the single-list entries.
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
}

func TestFuseZeroWeightEliminatesStream(t *testing.T) {
	dense := []index.Hit{hit("a"), hit("b")}
	lexical := []index.Hit{hit("x"), hit("y")}

	fused := Fuse([][]index.Hit{dense, lexical}, []float64{1, 0}, RRFConstant)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
}

func TestFuseDeterministicTieBreak(t *testing.T) {
	// Two entries each at rank 0 of exactly one stream: identical score and
	// minimum rank, so the key decides.
	fused := Fuse([][]index.Hit{{hit("b")}, {hit("a")}}, []float64{1, 1}, RRFConstant)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)

	again := Fuse([][]index.Hit{{hit("b")}, {hit("a")}}, []float64{1, 1}, RRFConstant)
	assert.Equal(t, fused, again)
}

func TestFuseScoreFormula(t *testing.T) {
	fused := Fuse([][]index.Hit{{hit("a"), hit("b")}}, []float64{1}, RRFConstant)
	require.Len(t, fused, 2)
	assert.InDelta(t, 1.0/61.0, fused[0].Score, 1e-12)
	assert.InDelta(t, 1.0/62.0, fused[1].Score, 1e-12)
}

func TestFusionKeyFallbacks(t *testing.T) {
	withID := index.Hit{Entry: index.Entry{ID: "e1"}}
	assert.Equal(t, "id:e1", fusionKey(withID))

	withDoc := index.Hit{Entry: index.Entry{Metadata: index.Metadata{DocID: "12"}}}
	assert.Equal(t, "doc:12", fusionKey(withDoc))

	byText := index.Hit{Entry: index.Entry{Text: "same words"}}
	assert.Equal(t, fusionKey(byText), fusionKey(index.Hit{Entry: index.Entry{Text: "same words"}}))
}

func TestCollapseParentsDeduplicates(t *testing.T) {
	child := func(id, parent string) index.Hit {
		h := hit(id)
		h.Metadata.ParentID = parent
		h.Metadata.ParentContent = "section " + parent
		return h
	}

	hits := []index.Hit{
		child("c1", "p1"),
		child("c2", "p1"), // same section, dropped
		child("c3", "p2"),
		hit("standalone"),
	}

	collapsed := CollapseParents(hits, 5)
	require.Len(t, collapsed, 3)

	assert.Equal(t, "p1", collapsed[0].ID)
	assert.Equal(t, "section p1", collapsed[0].Text)
	assert.Empty(t, collapsed[0].Metadata.ParentID)

	assert.Equal(t, "p2", collapsed[1].ID)
	assert.Equal(t, "standalone", collapsed[2].ID)
}

func TestCollapseParentsStopsAtTopK(t *testing.T) {
	var hits []index.Hit
	for _, id := range []string{"a", "b", "c", "d"} {
		hits = append(hits, hit(id))
	}
	collapsed := CollapseParents(hits, 2)
	require.Len(t, collapsed, 2)
	assert.Equal(t, "a", collapsed[0].ID)
	assert.Equal(t, "b", collapsed[1].ID)
}
