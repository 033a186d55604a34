package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
	"github.com/quarryhq/quarry/index"
)

// rerankBatch caps the pairs sent per scoring call.
const rerankBatch = 32

// Rerank scores (query, text) pairs against an external cross-encoder
// service. The service is best-effort: any failure degrades retrieval to
// the fused order instead of failing the query.
type Rerank struct {
	url       string
	threshold float64
	client    *http.Client
}

// NewRerank builds a client, or nil when reranking is disabled.
func NewRerank(cfg config.RerankConfig) *Rerank {
	if !cfg.Enabled || cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Rerank{
		url:       cfg.URL,
		threshold: cfg.Threshold,
		client:    &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// score returns one relevance score per document, batching the calls.
func (r *Rerank) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	scores := make([]float64, 0, len(docs))
	for start := 0; start < len(docs); start += rerankBatch {
		end := start + rerankBatch
		if end > len(docs) {
			end = len(docs)
		}

		payload, err := json.Marshal(rerankRequest{Query: query, Documents: docs[start:end]})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, common.Wrap(common.KindRerankUnavailable, "calling rerank service", err)
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
				err = common.Ef(common.KindRerankUnavailable,
					"rerank service returned %d: %s", resp.StatusCode, string(msg))
				return
			}
			var decoded rerankResponse
			if decodeErr := json.NewDecoder(resp.Body).Decode(&decoded); decodeErr != nil {
				err = common.Wrap(common.KindRerankUnavailable, "decoding rerank response", decodeErr)
				return
			}
			if len(decoded.Scores) != end-start {
				err = common.Ef(common.KindRerankUnavailable,
					"rerank returned %d scores for %d documents", len(decoded.Scores), end-start)
				return
			}
			scores = append(scores, decoded.Scores...)
		}()
		if err != nil {
			return nil, err
		}
	}
	return scores, nil
}

// Apply rescores the top fused candidates and returns up to topK above the
// threshold, best first. On any failure the first topK fused entries come
// back unchanged.
func (r *Rerank) Apply(ctx context.Context, query string, fused []index.Hit, candidateK, topK int, log *logrus.Logger) []index.Hit {
	if len(fused) == 0 {
		return fused
	}
	n := len(fused)
	if n > candidateK {
		n = candidateK
	}
	candidates := fused[:n]

	texts := make([]string, n)
	for i, h := range candidates {
		texts[i] = h.Text
	}

	scores, err := r.score(ctx, query, texts)
	if err != nil {
		log.WithError(err).Warn("rerank unavailable; serving fused order")
		if len(fused) > topK {
			return fused[:topK]
		}
		return fused
	}

	kept := make([]index.Hit, 0, n)
	for i, h := range candidates {
		if scores[i] < r.threshold {
			continue
		}
		h.Metadata.RerankScore = scores[i]
		h.Score = scores[i]
		kept = append(kept, h)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

// String implements fmt.Stringer for debug logging without leaking the key.
func (r *Rerank) String() string {
	return fmt.Sprintf("rerank(%s, threshold=%.2f)", r.url, r.threshold)
}
