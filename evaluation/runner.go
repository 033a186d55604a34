package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/llm"
	"github.com/quarryhq/quarry/retriever"
	"github.com/quarryhq/quarry/store"
)

// Params are the per-experiment runtime knobs, decoded from the experiment
// row's JSON.
type Params struct {
	TopK            int    `json:"top_k"`
	Strategy        string `json:"strategy"`
	CollapseParents bool   `json:"collapse_parents"`
	Model           string `json:"model"`
}

// Scores are the aggregated metric means of one run.
type Scores struct {
	Faithfulness     float64 `json:"faithfulness"`
	AnswerRelevancy  float64 `json:"answer_relevancy"`
	ContextRecall    float64 `json:"context_recall"`
	ContextPrecision float64 `json:"context_precision"`
	Rows             int     `json:"rows"`
}

// Runner replays a test set against a retriever configuration.
type Runner struct {
	store     *store.Store
	blobs     blob.Store
	retriever *retriever.Retriever
	chatFor   ChatFactory

	batchSize int
	log       *logrus.Logger
}

// NewRunner wires a runner from pooled adapters.
func NewRunner(st *store.Store, blobs blob.Store, ret *retriever.Retriever, chatFor ChatFactory, batchSize int, log *logrus.Logger) *Runner {
	if batchSize < 1 {
		batchSize = 16
	}
	if log == nil {
		log = common.Logger
	}
	return &Runner{
		store:     st,
		blobs:     blobs,
		retriever: ret,
		chatFor:   chatFor,
		batchSize: batchSize,
		log:       log,
	}
}

// Run executes one experiment end to end. Failures land on the row.
func (r *Runner) Run(ctx context.Context, experimentID uint) error {
	exp, err := r.store.AcquireExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := r.run(ctx, exp); err != nil {
		r.fail(ctx, experimentID, err)
		return err
	}
	return nil
}

func (r *Runner) run(ctx context.Context, exp *store.Experiment) error {
	ts, err := r.store.TestSetByID(ctx, exp.TestSetID)
	if err != nil {
		return err
	}
	if ts.Status != store.TestSetCompleted {
		return common.Ef(common.KindConflictState,
			"test set %d is %s, not COMPLETED", ts.ID, ts.Status)
	}

	var params Params
	if len(exp.Params) > 0 {
		if err := json.Unmarshal(exp.Params, &params); err != nil {
			return fmt.Errorf("decoding experiment params: %w", err)
		}
	}
	if params.TopK <= 0 {
		params.TopK = 5
	}
	if params.Strategy == "" {
		params.Strategy = string(retriever.StrategyHybrid)
	}

	reader, err := r.blobs.Get(ctx, ts.BlobKey)
	if err != nil {
		return fmt.Errorf("fetching test set blob: %w", err)
	}
	payload, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return fmt.Errorf("reading test set blob: %w", err)
	}
	rows, err := DecodeCSV(payload)
	if err != nil {
		return err
	}

	chat, err := r.chatFor(params.Model)
	if err != nil {
		return common.Wrap(common.KindLLMFailed, "building experiment model", err)
	}

	scores := r.evaluate(ctx, chat, exp.KnowledgeBaseID, params, rows)

	raw, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("marshalling scores: %w", err)
	}
	return r.store.CompleteExperiment(ctx, exp.ID, store.JSON(raw))
}

// rowScores are the four metrics of one test case.
type rowScores struct {
	faithfulness     float64
	answerRelevancy  float64
	contextRecall    float64
	contextPrecision float64
}

// evaluate replays the rows in batches, rows within a batch in parallel.
// A row whose retrieval, answer or judging fails contributes zeros rather
// than aborting the run.
func (r *Runner) evaluate(ctx context.Context, chat llms.Model, kbID uint, params Params, rows []Row) Scores {
	results := make([]rowScores, len(rows))

	for start := 0; start < len(rows); start += r.batchSize {
		end := start + r.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = r.evaluateRow(gctx, chat, kbID, params, rows[i])
				return nil
			})
		}
		// Goroutines return nil; Wait only synchronizes the batch.
		_ = g.Wait()
	}

	var agg Scores
	for _, rs := range results {
		agg.Faithfulness += rs.faithfulness
		agg.AnswerRelevancy += rs.answerRelevancy
		agg.ContextRecall += rs.contextRecall
		agg.ContextPrecision += rs.contextPrecision
	}
	if n := float64(len(results)); n > 0 {
		agg.Faithfulness /= n
		agg.AnswerRelevancy /= n
		agg.ContextRecall /= n
		agg.ContextPrecision /= n
	}
	agg.Rows = len(results)
	return agg
}

func (r *Runner) evaluateRow(ctx context.Context, chat llms.Model, kbID uint, params Params, row Row) rowScores {
	hits, err := r.retriever.Retrieve(ctx, retriever.Request{
		Query:            row.Question,
		KnowledgeBaseIDs: []uint{kbID},
		TopK:             params.TopK,
		Strategy:         retriever.Strategy(params.Strategy),
		CollapseParents:  params.CollapseParents,
	})
	if err != nil {
		r.log.WithError(err).Warn("experiment retrieval failed; row scores zero")
		return rowScores{}
	}

	var blocks []string
	for _, h := range hits {
		blocks = append(blocks, h.Text)
	}
	contextBlock := strings.Join(blocks, "\n\n")

	answer := ""
	prompt, err := llm.RenderPrompt(llm.PromptRAGAnswer, map[string]any{
		"context":  contextBlock,
		"question": row.Question,
	})
	if err == nil {
		answer, err = llms.GenerateFromSinglePrompt(ctx, chat, prompt)
	}
	if err != nil {
		r.log.WithError(err).Warn("experiment answer failed; answer metrics zero")
	}

	judge := newJudge(chat, r.log)
	return rowScores{
		faithfulness: judge.score(ctx, llm.PromptFaithfulness, map[string]any{
			"context": contextBlock, "answer": answer,
		}),
		answerRelevancy: judge.score(ctx, llm.PromptAnswerRelevancy, map[string]any{
			"question": row.Question, "answer": answer,
		}),
		contextRecall: judge.score(ctx, llm.PromptContextRecall, map[string]any{
			"ground_truth": row.GroundTruth, "context": contextBlock,
		}),
		contextPrecision: judge.score(ctx, llm.PromptContextPrecision, map[string]any{
			"ground_truth": row.GroundTruth, "context": contextBlock,
		}),
	}
}

// fail records the failure on the experiment row, detached from the job
// context.
func (r *Runner) fail(ctx context.Context, experimentID uint, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.MarkExperimentFailed(writeCtx, experimentID, cause.Error()); err != nil {
		r.log.WithError(err).WithField("experiment", experimentID).
			Error("recording experiment failure failed")
	}
}
