package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/index"
	"github.com/quarryhq/quarry/parser"
	"github.com/quarryhq/quarry/store"
)

// ProcessDeadline bounds one document's whole pipeline run.
const ProcessDeadline = 10 * time.Minute

// Processor runs the ingestion pipeline for one document at a time.
type Processor struct {
	store    *store.Store
	blobs    blob.Store
	idx      index.Index
	embedder embeddings.Embedder
	parsers  *parser.Router

	dim       int
	batchSize int
	log       *logrus.Logger
}

// NewProcessor wires the pipeline from pooled adapters.
func NewProcessor(
	st *store.Store,
	blobs blob.Store,
	idx index.Index,
	embedder embeddings.Embedder,
	parsers *parser.Router,
	dim, batchSize int,
	log *logrus.Logger,
) *Processor {
	if batchSize < 1 {
		batchSize = 16
	}
	if log == nil {
		log = common.Logger
	}
	return &Processor{
		store:     st,
		blobs:     blobs,
		idx:       idx,
		embedder:  embedder,
		parsers:   parsers,
		dim:       dim,
		batchSize: batchSize,
		log:       log,
	}
}

// Process ingests one document end to end. Any failure marks the document
// FAILED with a bounded error message; the job plane decides whether to
// retry, and a retry restarts here from the claim.
func (p *Processor) Process(ctx context.Context, docID uint) error {
	ctx, cancel := context.WithTimeout(ctx, ProcessDeadline)
	defer cancel()

	doc, err := p.store.AcquireDocument(ctx, docID)
	if err != nil {
		return err
	}
	kb, err := p.store.KnowledgeBaseByID(ctx, doc.KnowledgeBaseID)
	if err != nil {
		p.fail(ctx, docID, err)
		return err
	}

	log := p.log.WithFields(logrus.Fields{
		"document":       docID,
		"knowledge_base": kb.ID,
		"filename":       doc.Filename,
	})
	log.Info("processing document")

	if err := p.run(ctx, doc, kb, log); err != nil {
		p.fail(ctx, docID, err)
		return err
	}
	return nil
}

// run is the fallible middle of Process, separated so every exit path
// funnels through one failure handler.
func (p *Processor) run(ctx context.Context, doc *store.Document, kb *store.KnowledgeBase, log *logrus.Entry) error {
	// Fetch the blob to a temp file, keeping the suffix for routing.
	tmp, err := os.CreateTemp("", "quarry-*"+filepath.Ext(doc.Filename))
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := p.blobs.Download(ctx, doc.BlobKey, tmpPath); err != nil {
		return fmt.Errorf("fetching blob %s: %w", doc.BlobKey, err)
	}

	// Parse.
	fileParser, err := p.parsers.For(doc.Filename)
	if err != nil {
		return err
	}
	parsed, err := fileParser.Parse(ctx, tmpPath)
	if err != nil {
		return err
	}

	// Chunk with the knowledge base's bounds.
	chunks, err := NewChunker(kb.ChunkSize, kb.ChunkOverlap).Split(parsed.Sections)
	if err != nil {
		return common.Wrap(common.KindParseFailed, "chunking document", err)
	}
	if len(chunks) == 0 {
		return common.E(common.KindParseFailed, "document produced no chunks")
	}

	// Embed in deterministic batches. A batch failure fails the whole
	// document; there is no partial indexing.
	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		return err
	}

	// Write: clear any entries from a previous attempt, bulk-write the
	// index first, then the chunk rows and the COMPLETED flip in one
	// transaction. If the transaction fails the index write is compensated.
	indexName := index.Name(kb.ID)
	if err := p.idx.EnsureIndex(ctx, indexName, p.dim); err != nil {
		return err
	}

	docFilter := index.Filter{DocID: formatID(doc.ID)}
	if err := p.idx.DeleteByFilter(ctx, indexName, docFilter); err != nil {
		return err
	}

	entries := p.buildEntries(doc, kb, chunks, vectors)
	ids, err := p.idx.BulkUpsert(ctx, indexName, entries)
	if err != nil {
		return err
	}

	rows := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = store.Chunk{
			DocumentID:      doc.ID,
			KnowledgeBaseID: kb.ID,
			IndexDocID:      ids[i],
			Position:        c.Index,
			ContentHash:     sectionID(c.Text),
		}
	}
	if err := p.store.CompleteDocument(ctx, doc.ID, parsed.Pages, rows); err != nil {
		if cleanup := p.idx.DeleteByFilter(context.WithoutCancel(ctx), indexName, docFilter); cleanup != nil {
			log.WithError(cleanup).Error("compensating index delete failed; index and store disagree")
		}
		return err
	}

	log.WithFields(logrus.Fields{"chunks": len(chunks), "pages": parsed.Pages}).
		Info("document processed")
	return nil
}

// embedAll embeds chunk texts in fixed-size batches, retrying each batch a
// few times on transient provider errors.
func (p *Processor) embedAll(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))

	for start := 0; start < len(chunks); start += p.batchSize {
		end := start + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		var batch [][]float32
		op := func() error {
			var err error
			batch, err = p.embedder.EmbedDocuments(ctx, texts)
			return err
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return nil, common.Wrap(common.KindEmbedFailed,
				fmt.Sprintf("embedding batch at %d", start), err)
		}
		if len(batch) != len(texts) {
			return nil, common.Ef(common.KindEmbedFailed,
				"embedder returned %d vectors for %d texts", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (p *Processor) buildEntries(doc *store.Document, kb *store.KnowledgeBase, chunks []Chunk, vectors [][]float32) []index.Entry {
	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ID:     uuid.NewString(),
			Text:   c.Text,
			Vector: vectors[i],
			Metadata: index.Metadata{
				DocID:         formatID(doc.ID),
				KnowledgeID:   formatID(kb.ID),
				Source:        doc.Filename,
				Page:          c.Page,
				ChunkIndex:    c.Index,
				ParentID:      c.ParentID,
				ParentContent: c.ParentContent,
			},
		}
	}
	return entries
}

// fail records the failure on the document row. Runs detached from the
// pipeline context so an expired deadline cannot suppress the write.
func (p *Processor) fail(ctx context.Context, docID uint, cause error) {
	// A lost claim race is not this worker's failure to record.
	if common.KindOf(cause) == common.KindConflictState {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.MarkDocumentFailed(writeCtx, docID, cause.Error()); err != nil {
		p.log.WithError(err).WithField("document", docID).
			Error("recording document failure failed")
	}
}

func formatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
