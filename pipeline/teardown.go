package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/index"
)

// DeleteDocument removes one document in the order the consistency
// invariant demands: index entries first, then the relational rows, then
// the blob. If the index delete fails nothing else is touched, so index
// and store never disagree; a leftover blob after a late failure is an
// orphan, not an inconsistency, and is only logged.
func (p *Processor) DeleteDocument(ctx context.Context, docID uint) error {
	doc, err := p.store.DocumentByID(ctx, docID)
	if err != nil {
		return err
	}

	indexName := index.Name(doc.KnowledgeBaseID)
	if err := p.idx.DeleteByFilter(ctx, indexName, index.Filter{DocID: formatID(doc.ID)}); err != nil {
		return err
	}

	if err := p.store.DeleteDocumentRows(ctx, doc.ID); err != nil {
		return err
	}

	if err := p.blobs.Delete(ctx, doc.BlobKey); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"document": docID,
			"blob":     doc.BlobKey,
		}).Warn("deleting document blob failed; object orphaned")
	}
	return nil
}

// DeleteKnowledgeBase tears down a whole base: every document under the
// per-document rule, every test set blob, the relational rows, and the
// logical index last. The base must already be marked DELETING; a failure
// anywhere leaves it FAILED for operator attention.
func (p *Processor) DeleteKnowledgeBase(ctx context.Context, kbID uint) error {
	if _, err := p.store.KnowledgeBaseByID(ctx, kbID); err != nil {
		return err
	}

	docs, err := p.store.ListDocuments(ctx, kbID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := p.DeleteDocument(ctx, doc.ID); err != nil {
			return err
		}
	}

	testsets, err := p.store.ListTestSets(ctx, kbID)
	if err != nil {
		return err
	}
	for _, ts := range testsets {
		if ts.BlobKey == "" {
			continue
		}
		if err := p.blobs.Delete(ctx, ts.BlobKey); err != nil {
			p.log.WithError(err).WithField("blob", ts.BlobKey).
				Warn("deleting test set blob failed; object orphaned")
		}
	}

	if err := p.store.DeleteKnowledgeBaseRows(ctx, kbID); err != nil {
		return err
	}

	if err := p.idx.DropIndex(ctx, index.Name(kbID)); err != nil {
		return err
	}

	p.log.WithField("knowledge_base", kbID).Info("knowledge base deleted")
	return nil
}

// Blobs exposes the blob store for callers sharing the processor's wiring.
func (p *Processor) Blobs() blob.Store { return p.blobs }

// MarkKnowledgeFailed records a teardown failure on the base. Called by the
// worker when the delete job exhausts its retries.
func (p *Processor) MarkKnowledgeFailed(ctx context.Context, kbID uint, msg string) error {
	return p.store.MarkKnowledgeFailed(ctx, kbID, msg)
}
