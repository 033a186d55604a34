// Package retriever answers queries against the dual index: dense and
// lexical passes run in parallel per knowledge base, their rankings merge
// by Reciprocal Rank Fusion, and the fused list optionally passes through a
// cross-encoder reranker and parent collapse. The tenant filter rides on
// every index call, so isolation is enforced by the engine rather than by
// post-filtering.
package retriever

import (
	"context"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/embeddings"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/index"
)

// Strategy selects the retrieval path.
type Strategy string

const (
	// StrategyDense uses only the vector pass.
	StrategyDense Strategy = "dense"
	// StrategyHybrid fuses the vector and lexical passes.
	StrategyHybrid Strategy = "hybrid"
	// StrategyRerank fuses both passes and rescores with the cross-encoder.
	StrategyRerank Strategy = "rerank"
)

// minRecall is the fused pool floor; recall is widened to topK*10 beyond it.
const minRecall = 50

// Request is one retrieval call. KnowledgeBaseIDs must be non-empty and
// already authorization-checked by the caller.
type Request struct {
	Query            string
	KnowledgeBaseIDs []uint
	TopK             int
	Strategy         Strategy
	CollapseParents  bool
}

// Retriever executes hybrid retrieval over pooled adapters.
type Retriever struct {
	idx      index.Index
	embedder embeddings.Embedder
	rerank   *Rerank // nil disables the rerank stage

	denseWeight   float64
	lexicalWeight float64
	log           *logrus.Logger
}

// New wires a retriever. rerank may be nil.
func New(idx index.Index, embedder embeddings.Embedder, rerank *Rerank, denseWeight, lexicalWeight float64, log *logrus.Logger) *Retriever {
	if denseWeight <= 0 {
		denseWeight = 1
	}
	if lexicalWeight <= 0 {
		lexicalWeight = 1
	}
	if log == nil {
		log = common.Logger
	}
	return &Retriever{
		idx:           idx,
		embedder:      embedder,
		rerank:        rerank,
		denseWeight:   denseWeight,
		lexicalWeight: lexicalWeight,
		log:           log,
	}
}

// Retrieve runs the full pipeline and returns at most TopK hits. One pass
// failing degrades to the surviving pass; both failing surfaces the error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]index.Hit, error) {
	if len(req.KnowledgeBaseIDs) == 0 {
		return nil, common.E(common.KindAuthForbidden, "no knowledge bases to search")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	recallK := topK * 10
	if recallK < minRecall {
		recallK = minRecall
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyHybrid
	}

	kbIDs := make([]string, len(req.KnowledgeBaseIDs))
	for i, id := range req.KnowledgeBaseIDs {
		kbIDs[i] = strconv.FormatUint(uint64(id), 10)
	}
	filter := index.Filter{KnowledgeIDs: kbIDs}

	// One embedding round-trip, shared across all knowledge bases.
	vector, err := r.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, common.Wrap(common.KindEmbedFailed, "embedding query", err)
	}

	dense, lexical, err := r.recall(ctx, req, vector, recallK, strategy, filter)
	if err != nil {
		return nil, err
	}

	lists := [][]index.Hit{dense}
	weights := []float64{r.denseWeight}
	if strategy != StrategyDense {
		lists = append(lists, lexical)
		weights = append(weights, r.lexicalWeight)
	}
	fused := Fuse(lists, weights, RRFConstant)

	hits := fused
	if r.rerank != nil {
		hits = r.rerank.Apply(ctx, req.Query, fused, recallK, topK, r.log)
	} else if strategy == StrategyRerank {
		r.log.Warn("rerank strategy requested but no rerank endpoint configured")
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	if req.CollapseParents {
		hits = CollapseParents(hits, topK)
	}
	return hits, nil
}

// recall runs the dense and lexical passes in parallel across every
// knowledge base, one round-trip per sub-index, and merges each pass's
// per-base lists into one ranking by engine score.
func (r *Retriever) recall(ctx context.Context, req Request, vector []float32, recallK int, strategy Strategy, filter index.Filter) (dense, lexical []index.Hit, err error) {
	denseLists := make([][]index.Hit, len(req.KnowledgeBaseIDs))
	lexicalLists := make([][]index.Hit, len(req.KnowledgeBaseIDs))
	denseErrs := make([]error, len(req.KnowledgeBaseIDs))
	lexicalErrs := make([]error, len(req.KnowledgeBaseIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, kbID := range req.KnowledgeBaseIDs {
		i, name := i, index.Name(kbID)

		g.Go(func() error {
			hits, err := r.idx.KNN(gctx, name, vector, recallK, filter)
			denseLists[i], denseErrs[i] = hits, err
			return nil
		})
		if strategy != StrategyDense {
			g.Go(func() error {
				hits, err := r.idx.BM25(gctx, name, req.Query, recallK, filter)
				lexicalLists[i], lexicalErrs[i] = hits, err
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	denseErr := firstError(denseErrs)
	lexicalErr := firstError(lexicalErrs)
	if denseErr != nil && (strategy == StrategyDense || lexicalErr != nil) {
		return nil, nil, denseErr
	}
	if denseErr != nil {
		r.log.WithError(denseErr).Warn("dense pass failed; serving lexical ranking only")
	}
	if lexicalErr != nil && strategy != StrategyDense {
		r.log.WithError(lexicalErr).Warn("lexical pass failed; serving dense ranking only")
	}

	dense = mergeByScore(denseLists, recallK)
	lexical = mergeByScore(lexicalLists, recallK)
	return dense, lexical, nil
}

// mergeByScore flattens per-base result lists of one pass into a single
// ranking. Scores within a pass come from the same engine and are
// comparable across bases.
func mergeByScore(lists [][]index.Hit, limit int) []index.Hit {
	var merged []index.Hit
	for _, list := range lists {
		merged = append(merged, list...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
