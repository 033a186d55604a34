// Package index implements the dual search index behind retrieval: one
// logical index per knowledge base exposing dense k-nearest-neighbour
// lookup and BM25-style lexical ranking over the same entries. The Postgres
// implementation keeps both views in a single table per index, a pgvector
// column for the dense side and a tsvector column fed by a CJK-aware
// analyzer for the lexical side, so a bulk write is atomic across views.
package index

import (
	"context"
	"fmt"
)

// Metadata travels with every indexed entry and comes back on every hit.
// DocID and KnowledgeID carry the tenant filter; ParentID/ParentContent
// support small-to-big collapse at query time.
type Metadata struct {
	DocID         string  `json:"doc_id"`
	KnowledgeID   string  `json:"knowledge_id"`
	Source        string  `json:"source,omitempty"`
	Page          int     `json:"page,omitempty"`
	ChunkIndex    int     `json:"chunk_index"`
	ParentID      string  `json:"parent_id,omitempty"`
	ParentContent string  `json:"parent_content,omitempty"`
	RerankScore   float64 `json:"rerank_score,omitempty"`
}

// Entry is one indexed chunk.
type Entry struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata Metadata
}

// Hit is one search result with its engine score. KNN scores are cosine
// similarities; BM25 scores are lexical ranks. The two are not comparable,
// which is why fusion happens in rank space.
type Hit struct {
	Entry
	Score float64
}

// Filter restricts an operation to a tenant slice. KnowledgeIDs is the
// tenant boundary for reads; DocID narrows writes and deletes.
type Filter struct {
	DocID        string
	KnowledgeIDs []string
}

// Index is the dual index contract. Implementations must apply the filter
// inside the engine, not post-hoc, so a query can never observe entries
// outside its knowledge bases.
type Index interface {
	// EnsureIndex creates the logical index when missing. Idempotent.
	EnsureIndex(ctx context.Context, name string, dim int) error

	// BulkUpsert writes entries atomically and returns their ids in input
	// order. Entries without an id are assigned one.
	BulkUpsert(ctx context.Context, name string, entries []Entry) ([]string, error)

	// DeleteByFilter removes every entry matching the filter.
	DeleteByFilter(ctx context.Context, name string, f Filter) error

	// DropIndex removes the logical index entirely. Dropping a missing
	// index is not an error.
	DropIndex(ctx context.Context, name string) error

	// KNN returns the k entries nearest to vector by cosine similarity.
	KNN(ctx context.Context, name string, vector []float32, k int, f Filter) ([]Hit, error)

	// BM25 returns the k entries best matching query lexically.
	BM25(ctx context.Context, name string, query string, k int, f Filter) ([]Hit, error)

	// List returns up to limit entries matching the filter, in insertion
	// order. Used by the evaluation pipeline to sample source chunks.
	List(ctx context.Context, name string, f Filter, limit int) ([]Entry, error)
}

// Name returns the logical index name of a knowledge base.
func Name(kbID uint) string {
	return fmt.Sprintf("kb_%d", kbID)
}
