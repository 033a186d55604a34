package store

import (
	"context"

	"github.com/quarryhq/quarry/common"
)

// CreateDocument inserts a PENDING document row.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	doc.Status = DocumentPending
	doc.Error = ""
	return s.db.WithContext(ctx).Create(doc).Error
}

// DocumentByID fetches a document by id.
func (s *Store) DocumentByID(ctx context.Context, id uint) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, notFound(err, "document", id)
	}
	return &doc, nil
}

// ListDocuments returns a base's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, kbID uint) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("id DESC").
		Find(&docs).Error
	return docs, err
}

// AcquireDocument atomically claims a document for processing. PENDING is
// the normal case; FAILED is claimable too so a retry restarts the pipeline
// from the top. Exactly one worker wins; the rest see CONFLICT_STATE. The
// transaction is deliberately tiny: claim, read back, commit.
func (s *Store) AcquireDocument(ctx context.Context, id uint) (*Document, error) {
	var doc Document
	err := s.WithTx(ctx, func(tx *Store) error {
		res := tx.db.Model(&Document{}).
			Where("id = ? AND status IN ?", id, []DocumentStatus{DocumentPending, DocumentFailed}).
			Updates(map[string]interface{}{
				"status": DocumentProcessing,
				"error":  "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			cur, err := tx.DocumentByID(ctx, id)
			if err != nil {
				return err
			}
			return common.Ef(common.KindConflictState,
				"document %d is %s, not claimable", id, cur.Status)
		}
		return tx.db.First(&doc, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// CompleteDocument commits the outcome of a successful ingestion: replaces
// the document's chunk mapping rows, stamps counts and flips the status to
// COMPLETED, all in one transaction. The index write must already have
// succeeded when this is called.
func (s *Store) CompleteDocument(ctx context.Context, docID uint, pageCount int, chunks []Chunk) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.db.Where("document_id = ?", docID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.db.CreateInBatches(chunks, 200).Error; err != nil {
				return err
			}
		}
		res := tx.db.Model(&Document{}).
			Where("id = ? AND status = ?", docID, DocumentProcessing).
			Updates(map[string]interface{}{
				"status":      DocumentCompleted,
				"error":       "",
				"page_count":  pageCount,
				"chunk_count": len(chunks),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.Ef(common.KindConflictState,
				"document %d left PROCESSING before completion", docID)
		}
		return nil
	})
}

// MarkDocumentFailed records a failure with a bounded message. Runs in its
// own transaction so it works even after the main pipeline's state is gone.
func (s *Store) MarkDocumentFailed(ctx context.Context, docID uint, msg string) error {
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Updates(map[string]interface{}{
			"status": DocumentFailed,
			"error":  common.Truncate(msg, 500),
		}).Error
}

// DeleteDocumentRows removes the document and its chunk mappings in one
// transaction. Call only after the index entries are gone.
func (s *Store) DeleteDocumentRows(ctx context.Context, docID uint) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.db.Where("document_id = ?", docID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.db.Delete(&Document{}, docID).Error
	})
}

// ChunksByDocument returns the chunk mapping rows in position order.
func (s *Store) ChunksByDocument(ctx context.Context, docID uint) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("position").
		Find(&chunks).Error
	return chunks, err
}

// CompletedDocumentIDs returns the ids of COMPLETED documents in a base,
// optionally restricted to a candidate set.
func (s *Store) CompletedDocumentIDs(ctx context.Context, kbID uint, candidates []uint) ([]uint, error) {
	q := s.db.WithContext(ctx).Model(&Document{}).
		Where("knowledge_base_id = ? AND status = ?", kbID, DocumentCompleted)
	if len(candidates) > 0 {
		q = q.Where("id IN ?", candidates)
	}
	var ids []uint
	err := q.Order("id").Pluck("id", &ids).Error
	return ids, err
}
