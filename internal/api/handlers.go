// Package api contains the HTTP handlers exposing the workflow engine.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/recordflow/recordflow/internal/engine"
	"github.com/recordflow/recordflow/internal/logging"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Engine *engine.Engine
	Log    *logging.Logger
}

// NewServer creates a new Server.
func NewServer(eng *engine.Engine, log *logging.Logger) *Server {
	return &Server{Engine: eng, Log: log}
}

// Register mounts the engine operations on the given group.
func (s *Server) Register(g *echo.Group) {
	g.POST("/instances", s.StartWorkflow)
	g.GET("/instances/:id/transitions", s.ListTransitions)
	g.POST("/instances/:id/transitions/:transitionID", s.ExecuteTransition)
	g.GET("/instances/:id/history", s.GetHistory)
	g.POST("/instances/:id/cancel", s.CancelInstance)
	g.POST("/approvals/:id/decisions", s.DecideApproval)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "recordflow",
	})
}

type startRequest struct {
	DefinitionID string                 `json:"definition_id"`
	Record       models.RecordReference `json:"record"`
	ActorID      string                 `json:"actor_id"`
	ContextData  map[string]any         `json:"context_data,omitempty"`
}

// StartWorkflow binds a record to a definition and starts an instance
// (POST /api/v1/instances).
func (s *Server) StartWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.DefinitionID == "" || req.ActorID == "" || req.Record.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "definition_id, record and actor_id are required")
	}

	inst, err := s.Engine.StartWorkflow(ctx, req.DefinitionID, req.Record, req.ActorID, req.ContextData)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// ListTransitions returns the current state's outgoing transitions with the
// actor's guard verdict on each
// (GET /api/v1/instances/:id/transitions?actor_id=...).
func (s *Server) ListTransitions(c echo.Context) error {
	ctx := c.Request().Context()

	actorID := c.QueryParam("actor_id")
	if actorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
	}

	options, err := s.Engine.GetAvailableTransitions(ctx, c.Param("id"), actorID)
	if err != nil {
		return s.httpError(err)
	}
	if options == nil {
		options = []engine.TransitionOption{}
	}
	return c.JSON(http.StatusOK, options)
}

type executeRequest struct {
	ActorID string `json:"actor_id"`
	Notes   string `json:"notes,omitempty"`
}

// ExecuteTransition attempts a transition. A guard refusal is a 200 with
// success=false, not an error status
// (POST /api/v1/instances/:id/transitions/:transitionID).
func (s *Server) ExecuteTransition(c echo.Context) error {
	ctx := c.Request().Context()

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ActorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
	}

	result, err := s.Engine.ExecuteTransition(ctx, c.Param("id"), c.Param("transitionID"), req.ActorID, req.Notes)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetHistory returns the instance's state history, oldest first
// (GET /api/v1/instances/:id/history).
func (s *Server) GetHistory(c echo.Context) error {
	ctx := c.Request().Context()

	history, err := s.Engine.GetHistory(ctx, c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// CancelInstance terminates an active instance
// (POST /api/v1/instances/:id/cancel).
func (s *Server) CancelInstance(c echo.Context) error {
	ctx := c.Request().Context()

	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ActorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
	}

	inst, err := s.Engine.CancelInstance(ctx, c.Param("id"), req.ActorID, req.Reason)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

type decideRequest struct {
	ActorID      string          `json:"actor_id"`
	Decision     models.Decision `json:"decision"`
	Comments     string          `json:"comments,omitempty"`
	SignatureRef string          `json:"signature_ref,omitempty"`
}

// DecideApproval records one approver's verdict
// (POST /api/v1/approvals/:id/decisions).
func (s *Server) DecideApproval(c echo.Context) error {
	ctx := c.Request().Context()

	var req decideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ActorID == "" || req.Decision == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor_id and decision are required")
	}

	result, err := s.Engine.DecideApproval(ctx, c.Param("id"), req.ActorID, req.Decision, req.Comments, req.SignatureRef)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// httpError maps engine errors onto HTTP statuses: missing records are 404,
// lock contention is 409, definition misconfiguration is 422, everything
// else is 500.
func (s *Server) httpError(err error) error {
	var cfgErr *engine.ConfigError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrLockBusy):
		return echo.NewHTTPError(http.StatusConflict, "workflow instance is busy, retry the request")
	case errors.As(err, &cfgErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		s.Log.Error("request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
