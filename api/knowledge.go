package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/store"
)

type knowledgeRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
}

func (h *handlers) createKnowledge(c echo.Context) error {
	var req knowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	user := h.currentUser(c)
	kb := &store.KnowledgeBase{
		Name:           req.Name,
		Description:    req.Description,
		OwnerID:        user.ID,
		ChunkSize:      req.ChunkSize,
		ChunkOverlap:   req.ChunkOverlap,
		EmbeddingModel: h.deps.Config.Embedding.Model,
	}
	if kb.ChunkSize <= 0 {
		kb.ChunkSize = h.deps.Config.Chunking.Size
	}
	if kb.ChunkOverlap <= 0 {
		kb.ChunkOverlap = h.deps.Config.Chunking.Overlap
	}

	if err := h.deps.Store.CreateKnowledgeBase(c.Request().Context(), kb); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, kb)
}

func (h *handlers) listKnowledge(c echo.Context) error {
	user := h.currentUser(c)
	bases, err := h.deps.Store.ListKnowledgeBasesFor(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bases)
}

func (h *handlers) getKnowledge(c echo.Context) error {
	kbID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
		return err
	}
	kb, err := h.deps.Store.KnowledgeBaseByID(c.Request().Context(), kbID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, kb)
}

func (h *handlers) updateKnowledge(c echo.Context) error {
	kbID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanWrite); err != nil {
		return err
	}

	var req knowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
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

	if req.Name != "" {
		kb.Name = req.Name
	}
	if req.Description != "" {
		kb.Description = req.Description
	}
	// Chunking parameters stay fixed: already-indexed documents were split
	// with them, and mixing layouts inside one index skews retrieval.

	if err := h.deps.Store.UpdateKnowledgeBase(ctx, kb); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, kb)
}

// deleteKnowledge starts an asynchronous teardown: the base flips to
// DELETING and a job removes documents, index and blobs. A queue failure
// rolls the status back so the base is not stranded unqueued.
func (h *handlers) deleteKnowledge(c echo.Context) error {
	kbID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanAdmin); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.deps.Store.MarkKnowledgeDeleting(ctx, kbID); err != nil {
		return err
	}

	job, err := queue.NewJob(queue.FnDeleteKnowledge, queue.QueueDefault,
		queue.DeleteKnowledgeArgs{KnowledgeBaseID: kbID})
	if err != nil {
		return err
	}
	if err := h.deps.Queue.Enqueue(ctx, job); err != nil {
		if rbErr := h.deps.Store.MarkKnowledgeActive(ctx, kbID); rbErr != nil {
			h.deps.Log.WithError(rbErr).WithField("knowledge_base", kbID).
				Error("rolling back delete status failed")
		}
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"id":     kbID,
		"status": store.KnowledgeDeleting,
	})
}

type memberRequest struct {
	UserID uint       `json:"user_id"`
	Role   store.Role `json:"role"`
}

func (h *handlers) listMembers(c echo.Context) error {
	kbID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
		return err
	}
	members, err := h.deps.Store.ListMembers(c.Request().Context(), kbID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, members)
}

func (h *handlers) addMember(c echo.Context) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanAdmin); err != nil {
		return err
	}

	var req memberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if req.Role != store.RoleEditor && req.Role != store.RoleViewer {
		return echo.NewHTTPError(http.StatusBadRequest, "role must be EDITOR or VIEWER")
	}

	ctx := c.Request().Context()
	if _, err := h.deps.Store.UserByID(ctx, req.UserID); err != nil {
		return err
	}
	if err := h.deps.Store.AddMember(ctx, kbID, req.UserID, req.Role); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"knowledge_base_id": kbID,
		"user_id":           req.UserID,
		"role":              req.Role,
	})
}

func (h *handlers) updateMember(c echo.Context) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return err
	}
	userID, err := paramID(c, "user_id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanAdmin); err != nil {
		return err
	}

	var req memberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Role != store.RoleEditor && req.Role != store.RoleViewer {
		return echo.NewHTTPError(http.StatusBadRequest, "role must be EDITOR or VIEWER")
	}

	if err := h.deps.Store.UpdateMemberRole(c.Request().Context(), kbID, userID, req.Role); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) removeMember(c echo.Context) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return err
	}
	userID, err := paramID(c, "user_id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanAdmin); err != nil {
		return err
	}
	if err := h.deps.Store.RemoveMember(c.Request().Context(), kbID, userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) transferOwnership(c echo.Context) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanAdmin); err != nil {
		return err
	}

	var req memberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	if err := h.deps.Store.TransferOwnership(c.Request().Context(), kbID, req.UserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
