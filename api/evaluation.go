package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/store"
)

type testSetRequest struct {
	KnowledgeBaseID uint   `json:"knowledge_id"`
	Name            string `json:"name"`
	DocumentIDs     []uint `json:"document_ids"`
}

// createTestSet inserts the PENDING row and enqueues generation. The row is
// removed again if the job cannot be queued.
func (h *handlers) createTestSet(c echo.Context) error {
	var req testSetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.KnowledgeBaseID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "knowledge_id is required")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if _, err := h.authorize(c, req.KnowledgeBaseID, store.Role.CanWrite); err != nil {
		return err
	}

	ctx := c.Request().Context()
	ts := &store.TestSet{
		KnowledgeBaseID: req.KnowledgeBaseID,
		Name:            req.Name,
		DocumentIDs:     store.IDList(req.DocumentIDs),
	}
	if err := h.deps.Store.CreateTestSet(ctx, ts); err != nil {
		return err
	}

	job, err := queue.NewJob(queue.FnGenerateTestset, queue.QueueDefault,
		queue.GenerateTestsetArgs{TestSetID: ts.ID})
	if err == nil {
		err = h.deps.Queue.Enqueue(ctx, job)
	}
	if err != nil {
		if delErr := h.deps.Store.DeleteTestSet(ctx, ts.ID); delErr != nil {
			h.deps.Log.WithError(delErr).WithField("test_set", ts.ID).
				Warn("removing unqueued test set failed")
		}
		return err
	}

	return c.JSON(http.StatusOK, ts)
}

func (h *handlers) listTestSets(c echo.Context) error {
	kbID, err := queryKnowledgeID(c)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
		return err
	}
	sets, err := h.deps.Store.ListTestSets(c.Request().Context(), kbID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sets)
}

func (h *handlers) getTestSet(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ts, err := h.deps.Store.TestSetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, ts.KnowledgeBaseID, store.Role.CanRead); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ts)
}

func (h *handlers) deleteTestSet(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ts, err := h.deps.Store.TestSetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, ts.KnowledgeBaseID, store.Role.CanWrite); err != nil {
		return err
	}
	if ts.Status == store.TestSetGenerating {
		return common.Ef(common.KindConflictState, "test set %d is generating", id)
	}

	if ts.BlobKey != "" {
		if err := h.deps.Blobs.Delete(ctx, ts.BlobKey); err != nil {
			h.deps.Log.WithError(err).WithField("key", ts.BlobKey).
				Warn("test set blob not removed; object orphaned")
		}
	}
	if err := h.deps.Store.DeleteTestSet(ctx, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type experimentRequest struct {
	TestSetID uint            `json:"testset_id"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params"`
}

// createExperiment inserts the PENDING row and enqueues the run.
func (h *handlers) createExperiment(c echo.Context) error {
	var req experimentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TestSetID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "testset_id is required")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	ctx := c.Request().Context()
	ts, err := h.deps.Store.TestSetByID(ctx, req.TestSetID)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, ts.KnowledgeBaseID, store.Role.CanWrite); err != nil {
		return err
	}
	if ts.Status != store.TestSetCompleted {
		return common.Ef(common.KindConflictState,
			"test set %d is %s, not COMPLETED", ts.ID, ts.Status)
	}

	exp := &store.Experiment{
		TestSetID:       ts.ID,
		KnowledgeBaseID: ts.KnowledgeBaseID,
		Name:            req.Name,
		Params:          store.JSON(req.Params),
	}
	if err := h.deps.Store.CreateExperiment(ctx, exp); err != nil {
		return err
	}

	job, err := queue.NewJob(queue.FnRunExperiment, queue.QueueDefault,
		queue.RunExperimentArgs{ExperimentID: exp.ID})
	if err == nil {
		err = h.deps.Queue.Enqueue(ctx, job)
	}
	if err != nil {
		if delErr := h.deps.Store.DeleteExperiment(ctx, exp.ID); delErr != nil {
			h.deps.Log.WithError(delErr).WithField("experiment", exp.ID).
				Warn("removing unqueued experiment failed")
		}
		return err
	}

	return c.JSON(http.StatusOK, exp)
}

func (h *handlers) listExperiments(c echo.Context) error {
	kbID, err := queryKnowledgeID(c)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
		return err
	}
	exps, err := h.deps.Store.ListExperiments(c.Request().Context(), kbID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exps)
}

func (h *handlers) getExperiment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	exp, err := h.deps.Store.ExperimentByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, exp.KnowledgeBaseID, store.Role.CanRead); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

func (h *handlers) deleteExperiment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	exp, err := h.deps.Store.ExperimentByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := h.authorize(c, exp.KnowledgeBaseID, store.Role.CanWrite); err != nil {
		return err
	}
	if exp.Status == store.ExperimentRunning {
		return common.Ef(common.KindConflictState, "experiment %d is running", id)
	}
	if err := h.deps.Store.DeleteExperiment(ctx, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// queryKnowledgeID reads the knowledge_id query parameter.
func queryKnowledgeID(c echo.Context) (uint, error) {
	raw := c.QueryParam("knowledge_id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "knowledge_id query parameter is required")
	}
	return uint(id), nil
}
