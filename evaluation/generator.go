// Package evaluation runs the offline plane: generating synthetic test
// sets from a knowledge base's chunks and replaying them against a
// retriever configuration, scoring the answers with an LLM judge. Both
// halves are background jobs; they never surface errors to a user, only
// onto their owning rows.
package evaluation

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/index"
	"github.com/quarryhq/quarry/llm"
	"github.com/quarryhq/quarry/store"
)

// csvHeader is the test set column layout. Readers match by position.
var csvHeader = []string{"question", "ground_truth", "reference_context"}

// Row is one test case: a question, the answer the corpus supports, and
// the passage both were generated from.
type Row struct {
	Question         string
	GroundTruth      string
	ReferenceContext string
}

// ChatFactory builds a chat model, honoring a per-job override.
type ChatFactory func(model string) (llms.Model, error)

// Generator synthesizes test sets from indexed chunks.
type Generator struct {
	store   *store.Store
	blobs   blob.Store
	idx     index.Index
	chatFor ChatFactory

	defaultSize int
	log         *logrus.Logger
}

// NewGenerator wires a generator from pooled adapters.
func NewGenerator(st *store.Store, blobs blob.Store, idx index.Index, chatFor ChatFactory, defaultSize int, log *logrus.Logger) *Generator {
	if defaultSize < 1 {
		defaultSize = 30
	}
	if log == nil {
		log = common.Logger
	}
	return &Generator{
		store:       st,
		blobs:       blobs,
		idx:         idx,
		chatFor:     chatFor,
		defaultSize: defaultSize,
		log:         log,
	}
}

// Run generates one test set end to end. Failures land on the row.
func (g *Generator) Run(ctx context.Context, testsetID uint) error {
	ts, err := g.store.AcquireTestSet(ctx, testsetID)
	if err != nil {
		return err
	}
	if err := g.run(ctx, ts); err != nil {
		g.fail(ctx, testsetID, err)
		return err
	}
	return nil
}

func (g *Generator) run(ctx context.Context, ts *store.TestSet) error {
	docIDs, err := g.store.CompletedDocumentIDs(ctx, ts.KnowledgeBaseID, ts.DocumentIDs)
	if err != nil {
		return err
	}
	if len(docIDs) == 0 {
		return common.E(common.KindConflictState,
			"no completed documents to generate from")
	}

	contexts, err := g.collectContexts(ctx, ts.KnowledgeBaseID, docIDs)
	if err != nil {
		return err
	}
	if len(contexts) == 0 {
		return common.E(common.KindConflictState, "source documents have no chunks")
	}

	chat, err := g.chatFor("")
	if err != nil {
		return common.Wrap(common.KindLLMFailed, "building generator model", err)
	}

	rows := g.synthesize(ctx, chat, sample(contexts, g.defaultSize))
	if len(rows) == 0 {
		return common.E(common.KindLLMFailed, "generator produced no usable rows")
	}

	key := blob.TestSetKey(ts.ID)
	payload, err := encodeCSV(rows)
	if err != nil {
		return err
	}
	if err := g.blobs.Put(ctx, key, bytes.NewReader(payload), "text/csv"); err != nil {
		return fmt.Errorf("writing test set blob: %w", err)
	}

	return g.store.CompleteTestSet(ctx, ts.ID, key, len(rows))
}

// collectContexts gathers the indexed chunk texts of the source documents.
// Parent sections are preferred over chunk fragments when present: a
// question generated from a full section has enough surrounding material
// to be answerable.
func (g *Generator) collectContexts(ctx context.Context, kbID uint, docIDs []uint) ([]string, error) {
	name := index.Name(kbID)
	seen := make(map[string]bool)
	var contexts []string

	for _, docID := range docIDs {
		entries, err := g.idx.List(ctx, name, index.Filter{DocID: fmt.Sprint(docID)}, 500)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			text := e.Text
			key := e.ID
			if e.Metadata.ParentContent != "" {
				text = e.Metadata.ParentContent
				key = e.Metadata.ParentID
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			contexts = append(contexts, text)
		}
	}
	return contexts, nil
}

// synthesize asks the model for one question/answer pair per context. A row
// that fails to generate or parse is skipped, not fatal; the set just
// comes out smaller.
func (g *Generator) synthesize(ctx context.Context, chat llms.Model, contexts []string) []Row {
	var rows []Row
	for _, passage := range contexts {
		prompt, err := llm.RenderPrompt(llm.PromptTestsetGenerate, map[string]any{
			"context": passage,
		})
		if err != nil {
			g.log.WithError(err).Warn("rendering testset prompt failed; skipping row")
			continue
		}
		out, err := llms.GenerateFromSinglePrompt(ctx, chat, prompt)
		if err != nil {
			g.log.WithError(err).Warn("testset generation call failed; skipping row")
			continue
		}
		question, answer, ok := parseQA(out)
		if !ok {
			g.log.Warn("testset generation output unparsable; skipping row")
			continue
		}
		rows = append(rows, Row{
			Question:         question,
			GroundTruth:      answer,
			ReferenceContext: passage,
		})
	}
	return rows
}

// parseQA extracts the QUESTION:/ANSWER: lines the prompt demands.
func parseQA(out string) (question, answer string, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "QUESTION:"):
			question = strings.TrimSpace(strings.TrimPrefix(line, "QUESTION:"))
		case strings.HasPrefix(line, "ANSWER:"):
			answer = strings.TrimSpace(strings.TrimPrefix(line, "ANSWER:"))
		}
	}
	return question, answer, question != "" && answer != ""
}

// sample picks up to n contexts spread evenly across the corpus, so a test
// set covers the whole base instead of its first document.
func sample(contexts []string, n int) []string {
	if len(contexts) <= n {
		return contexts
	}
	picked := make([]string, 0, n)
	stride := float64(len(contexts)) / float64(n)
	for i := 0; i < n; i++ {
		picked = append(picked, contexts[int(float64(i)*stride)])
	}
	return picked
}

func encodeCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write([]string{row.Question, row.GroundTruth, row.ReferenceContext}); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCSV parses a test set payload back into rows.
func DecodeCSV(payload []byte) ([]Row, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading test set csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("test set csv has no rows")
	}

	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 2 {
			continue
		}
		row := Row{Question: rec[0], GroundTruth: rec[1]}
		if len(rec) > 2 {
			row.ReferenceContext = rec[2]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// fail records the failure on the test set row, detached from the job
// context.
func (g *Generator) fail(ctx context.Context, testsetID uint, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := g.store.MarkTestSetFailed(writeCtx, testsetID, cause.Error()); err != nil {
		g.log.WithError(err).WithField("test_set", testsetID).
			Error("recording test set failure failed")
	}
}
