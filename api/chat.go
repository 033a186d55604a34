package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/quarryhq/quarry/rag"
	"github.com/quarryhq/quarry/retriever"
	"github.com/quarryhq/quarry/store"
)

type sessionRequest struct {
	Title            string `json:"title"`
	KnowledgeBaseIDs []uint `json:"knowledge_base_ids"`
	TopK             int    `json:"top_k"`
}

func (h *handlers) createSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.KnowledgeBaseIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "knowledge_base_ids is required")
	}

	// Read access on every base the session queries, checked at creation
	// and again per turn in case membership changes later.
	for _, kbID := range req.KnowledgeBaseIDs {
		if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
			return err
		}
	}

	user := h.currentUser(c)
	topK := req.TopK
	if topK <= 0 {
		topK = h.deps.Config.Retrieval.TopK
	}
	session := &store.ChatSession{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		Title:            req.Title,
		KnowledgeBaseIDs: store.IDList(req.KnowledgeBaseIDs),
		TopK:             topK,
	}
	if err := h.deps.Store.CreateSession(c.Request().Context(), session); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (h *handlers) listSessions(c echo.Context) error {
	user := h.currentUser(c)
	sessions, err := h.deps.Store.ListSessions(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *handlers) updateSession(c echo.Context) error {
	user := h.currentUser(c)
	session, err := h.deps.Store.SessionByID(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return err
	}

	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title != "" {
		session.Title = req.Title
	}
	if req.TopK > 0 {
		session.TopK = req.TopK
	}

	if err := h.deps.Store.UpdateSession(c.Request().Context(), session); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (h *handlers) deleteSession(c echo.Context) error {
	user := h.currentUser(c)
	if err := h.deps.Store.DeleteSession(c.Request().Context(), c.Param("id"), user.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listSessionMessages(c echo.Context) error {
	user := h.currentUser(c)
	ctx := c.Request().Context()
	session, err := h.deps.Store.SessionByID(ctx, c.Param("id"), user.ID)
	if err != nil {
		return err
	}
	messages, err := h.deps.Store.ListMessages(ctx, session.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}

type completionRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	Model    string `json:"llm_model"`
	Strategy string `json:"strategy"`
	Stream   bool   `json:"stream"`
}

// completion runs one chat turn, unary JSON or SSE depending on the stream
// flag.
func (h *handlers) completion(c echo.Context) error {
	user := h.currentUser(c)
	ctx := c.Request().Context()
	session, err := h.deps.Store.SessionByID(ctx, c.Param("id"), user.ID)
	if err != nil {
		return err
	}

	var req completionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	// Membership may have been revoked since the session was created.
	for _, kbID := range session.KnowledgeBaseIDs {
		if _, err := h.authorize(c, kbID, store.Role.CanRead); err != nil {
			return err
		}
	}

	strategy := retriever.Strategy(req.Strategy)
	if strategy == "" {
		strategy = retriever.StrategyHybrid
	}
	turn := rag.TurnRequest{
		Session:  session,
		User:     user,
		Query:    req.Query,
		TopK:     req.TopK,
		Strategy: strategy,
		Model:    req.Model,
	}

	if !req.Stream {
		answer, err := h.deps.Orchestrator.Turn(ctx, turn)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, answer)
	}
	return h.streamCompletion(c, turn)
}

// streamCompletion writes the turn as server-sent events: one sources
// event, message events carrying JSON-encoded token strings, and a done
// event. Errors before the first event still map to a status code; after
// the stream starts the connection just ends.
func (h *handlers) streamCompletion(c echo.Context, turn rag.TurnRequest) error {
	events, err := h.deps.Orchestrator.StreamTurn(c.Request().Context(), turn)
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for ev := range events {
		switch ev.Type {
		case rag.EventSources:
			if err := writeSSE(resp, "sources", ev.Sources); err != nil {
				return nil
			}
		case rag.EventDelta:
			if err := writeSSE(resp, "message", ev.Delta); err != nil {
				return nil
			}
		case rag.EventDone:
			if err := writeSSE(resp, "done", ev.Usage); err != nil {
				return nil
			}
		}
	}
	return nil
}

// writeSSE emits one event with a JSON-encoded data payload and flushes it.
func writeSSE(resp *echo.Response, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
