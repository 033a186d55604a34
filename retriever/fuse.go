package retriever

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/quarryhq/quarry/index"
)

// RRFConstant is the smoothing constant k in the reciprocal rank formula.
// 60 is the value from the original RRF paper and flattens the advantage of
// the very first ranks.
const RRFConstant = 60

// fusionKey identifies one logical result across streams: the entry id when
// present, else the document id, else a hash of the content. Two chunks
// with identical text and no ids fuse into one result even when their
// provenance differs; with ids always stamped at ingestion the hash path
// only serves entries written by other tooling.
func fusionKey(h index.Hit) string {
	if h.ID != "" {
		return "id:" + h.ID
	}
	if h.Metadata.DocID != "" {
		return "doc:" + h.Metadata.DocID
	}
	sum := sha256.Sum256([]byte(h.Text))
	return "sha:" + hex.EncodeToString(sum[:])
}

type fusedHit struct {
	hit     index.Hit
	key     string
	score   float64
	minRank int
}

// Fuse merges ranked lists by Reciprocal Rank Fusion: an entry at 0-based
// rank r in list i contributes weights[i] / (k + r + 1). A weight of zero
// eliminates its stream. Output is ordered by fused score descending, ties
// by the minimum rank seen, then by key so equal inputs always produce
// equal output.
func Fuse(lists [][]index.Hit, weights []float64, k int) []index.Hit {
	byKey := make(map[string]*fusedHit)
	var order []*fusedHit

	for i, list := range lists {
		weight := 1.0
		if i < len(weights) {
			weight = weights[i]
		}
		if weight == 0 {
			continue
		}
		for rank, hit := range list {
			key := fusionKey(hit)
			f, ok := byKey[key]
			if !ok {
				f = &fusedHit{hit: hit, key: key, minRank: rank}
				byKey[key] = f
				order = append(order, f)
			}
			f.score += weight / float64(k+rank+1)
			if rank < f.minRank {
				f.minRank = rank
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		if order[i].minRank != order[j].minRank {
			return order[i].minRank < order[j].minRank
		}
		return order[i].key < order[j].key
	})

	hits := make([]index.Hit, len(order))
	for i, f := range order {
		hit := f.hit
		hit.Score = f.score
		hits[i] = hit
	}
	return hits
}
