package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/parser"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/store"
)

// uploadDocument accepts a multipart file, stores the original, inserts the
// PENDING row and enqueues processing on the format's queue. Failures after
// a side effect compensate in reverse order so nothing half-uploaded
// lingers.
func (h *handlers) uploadDocument(c echo.Context) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return err
	}
	user, err := h.authorize(c, kbID, store.Role.CanWrite)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	kb, err := h.deps.Store.KnowledgeBaseByID(ctx, kbID)
	if err != nil {
		return err
	}
	if kb.Status != store.KnowledgeActive {
		return common.Ef(common.KindConflictState,
			"knowledge base %d is %s", kbID, kb.Status)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	if !parser.Supported(fileHeader.Filename) {
		return common.Ef(common.KindUnsupportedFormat,
			"unsupported file format %q", fileHeader.Filename)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	key := blob.ObjectKey(kbID, fileHeader.Filename)
	contentType := fileHeader.Header.Get("Content-Type")
	if err := h.deps.Blobs.Put(ctx, key, src, contentType); err != nil {
		return err
	}

	doc := &store.Document{
		KnowledgeBaseID: kbID,
		UploaderID:      user.ID,
		Filename:        fileHeader.Filename,
		BlobKey:         key,
		ContentType:     contentType,
		SizeBytes:       fileHeader.Size,
	}
	if err := h.deps.Store.CreateDocument(ctx, doc); err != nil {
		h.compensateUpload(c, key, 0)
		return err
	}

	job, err := queue.NewJob(queue.FnProcessDocument,
		parser.QueueFor(doc.Filename),
		queue.ProcessDocumentArgs{DocumentID: doc.ID})
	if err != nil {
		h.compensateUpload(c, key, doc.ID)
		return err
	}
	if err := h.deps.Queue.Enqueue(ctx, job); err != nil {
		h.compensateUpload(c, key, doc.ID)
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"doc_id": doc.ID,
		"status": doc.Status,
	})
}

// compensateUpload unwinds the blob and row of an upload that failed to
// queue. Best effort; leftovers only cost storage.
func (h *handlers) compensateUpload(c echo.Context, key string, docID uint) {
	ctx := c.Request().Context()
	if docID != 0 {
		if err := h.deps.Store.DeleteDocumentRows(ctx, docID); err != nil {
			h.deps.Log.WithError(err).WithField("document", docID).
				Warn("removing unqueued document row failed")
		}
	}
	if err := h.deps.Blobs.Delete(ctx, key); err != nil {
		h.deps.Log.WithError(err).WithField("key", key).
			Warn("removing unqueued upload blob failed")
	}
}

func (h *handlers) listDocuments(c echo.Context) error {
	kbID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
		return err
	}
	docs, err := h.deps.Store.ListDocuments(c.Request().Context(), kbID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

// getDocument serves status polling; FAILED rows carry the error message.
func (h *handlers) getDocument(c echo.Context) error {
	docID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	doc, err := h.deps.Store.DocumentByID(c.Request().Context(), docID)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, doc.KnowledgeBaseID, store.Role.CanRead); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// deleteDocument removes a document synchronously: index first, then rows,
// then the blob.
func (h *handlers) deleteDocument(c echo.Context) error {
	docID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	doc, err := h.deps.Store.DocumentByID(c.Request().Context(), docID)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, doc.KnowledgeBaseID, store.Role.CanWrite); err != nil {
		return err
	}
	if doc.Status == store.DocumentProcessing {
		return common.Ef(common.KindConflictState,
			"document %d is being processed", docID)
	}

	if err := h.deps.Processor.DeleteDocument(c.Request().Context(), docID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
