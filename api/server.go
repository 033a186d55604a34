// Package api is the HTTP surface of the platform: auth, knowledge base and
// document management, chat completion (unary and SSE), and the evaluation
// endpoints. Handlers bind, validate, authorize against the caller's
// membership role, call a service and return a JSON envelope; all domain
// errors map to status codes through their kind.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quarryhq/quarry/auth"
	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
	"github.com/quarryhq/quarry/pipeline"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/rag"
	"github.com/quarryhq/quarry/store"
	"github.com/quarryhq/quarry/version"
)

// Deps are the wired components the handlers dispatch into.
type Deps struct {
	Config       *config.Config
	Store        *store.Store
	Blobs        blob.Store
	Queue        *queue.Queue
	Tokens       *auth.TokenService
	Orchestrator *rag.Orchestrator
	Processor    *pipeline.Processor
	Log          *logrus.Logger
}

// Server wraps the echo instance with its configured timeouts.
type Server struct {
	echo *echo.Echo
	cfg  config.ServerConfig
	log  *logrus.Logger
}

// New builds the server: standard middleware, the kind-aware error handler,
// and the full route table.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = common.Logger
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Log)

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	cfg := deps.Config.Server
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodPatch, http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType,
				echo.HeaderAccept, echo.HeaderAuthorization,
			},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	h := &handlers{deps: deps}
	registerRoutes(e, h)

	return &Server{echo: e, cfg: cfg, log: deps.Log}
}

// registerRoutes lays out the route table. Everything except registration,
// login and health requires a bearer token.
func registerRoutes(e *echo.Echo, h *handlers) {
	e.GET("/healthz", h.health)
	e.POST("/auth/register", h.register)
	e.POST("/auth/access-token", h.accessToken)

	g := e.Group("")
	g.Use(h.requireToken())
	g.Use(h.loadUser)

	g.POST("/auth/test-token", h.testToken)

	g.GET("/knowledge/knowledges", h.listKnowledge)
	g.POST("/knowledge/knowledges", h.createKnowledge)
	g.GET("/knowledge/knowledges/:id", h.getKnowledge)
	g.PUT("/knowledge/knowledges/:id", h.updateKnowledge)
	g.DELETE("/knowledge/knowledges/:id", h.deleteKnowledge)
	g.GET("/knowledge/knowledges/:id/documents", h.listDocuments)
	g.GET("/knowledge/knowledges/:id/members", h.listMembers)

	g.POST("/knowledge/:kb_id/upload", h.uploadDocument)
	g.POST("/knowledge/:kb_id/members", h.addMember)
	g.PUT("/knowledge/:kb_id/members/:user_id", h.updateMember)
	g.DELETE("/knowledge/:kb_id/members/:user_id", h.removeMember)
	g.POST("/knowledge/:kb_id/transfer", h.transferOwnership)

	g.GET("/knowledge/documents/:id", h.getDocument)
	g.DELETE("/knowledge/documents/:id", h.deleteDocument)

	g.POST("/chat/sessions", h.createSession)
	g.GET("/chat/sessions", h.listSessions)
	g.PATCH("/chat/sessions/:id", h.updateSession)
	g.DELETE("/chat/sessions/:id", h.deleteSession)
	g.GET("/chat/sessions/:id/messages", h.listSessionMessages)
	g.POST("/chat/sessions/:id/completion", h.completion)

	g.POST("/evaluation/testsets", h.createTestSet)
	g.GET("/evaluation/testsets", h.listTestSets)
	g.GET("/evaluation/testsets/:id", h.getTestSet)
	g.DELETE("/evaluation/testsets/:id", h.deleteTestSet)

	g.POST("/evaluation/experiments", h.createExperiment)
	g.GET("/evaluation/experiments", h.listExperiments)
	g.GET("/evaluation/experiments/:id", h.getExperiment)
	g.DELETE("/evaluation/experiments/:id", h.deleteExperiment)
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		ReadTimeout: s.cfg.ReadTimeout,
		// WriteTimeout stays off: SSE completions outlive any sane value.
	}
	s.log.WithField("port", s.cfg.Port).Info("http server listening")
	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// errorHandler maps domain error kinds to status codes and keeps echo's own
// HTTP errors intact.
func errorHandler(log *logrus.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := errorResponse{Error: err.Error()}

		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			}
		} else if kind := common.KindOf(err); kind != "" {
			status = common.HTTPStatus(kind)
			body.Kind = string(kind)
		}

		if status >= http.StatusInternalServerError {
			log.WithError(err).WithField("path", c.Request().URL.Path).
				Error("request failed")
			// Internal details stay out of the wire.
			body.Error = "internal error"
		}

		if writeErr := c.JSON(status, body); writeErr != nil {
			log.WithError(writeErr).Error("writing error response failed")
		}
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: h.deps.Config.Service.Name,
		Version: version.Version,
	})
}
