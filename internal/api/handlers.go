package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/notebook-fleet/notebook-fleet/internal/activator"
	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// ListWorkersQuery defines query parameters for listing workers
type ListWorkersQuery struct {
	Provider string `form:"provider" binding:"omitempty,oneof=colab kaggle"`
	Status   string `form:"status"`
}

// ListSessionsQuery defines query parameters for listing sessions
type ListSessionsQuery struct {
	WorkerID int64  `form:"worker_id"`
	Provider string `form:"provider" binding:"omitempty,oneof=colab kaggle"`
	Status   string `form:"status"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// StartWorkerRequest is the manual start request body
type StartWorkerRequest struct {
	// Override bypasses the alternation gate for this start only
	Override bool `json:"override"`
}

// StopWorkerRequest is the manual stop request body
type StopWorkerRequest struct {
	Reason string `json:"reason" binding:"omitempty,oneof=manual_stop session_limit weekly_quota idle_timeout"`
}

// AdmitJobRequest asks whether a worker can accept a job of the given length
type AdmitJobRequest struct {
	EstimatedMinutes int `json:"estimated_minutes" binding:"required,min=1"`
}

// AlternationResponse reports the gate state and recent provider history
type AlternationResponse struct {
	NextProvider models.Provider         `json:"next_provider"`
	Starts       []storage.ProviderEvent `json:"starts"`
	Stops        []storage.ProviderEvent `json:"stops"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.controller != nil && s.controller.IsRunning() {
		response.Services["controller"] = "running"
	} else {
		response.Services["controller"] = "stopped"
	}

	// Return 503 if not ready (e.g. during startup reconciliation)
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListWorkers(c *gin.Context) {
	var query ListWorkersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.badRequest(c, err)
		return
	}

	filter := storage.WorkerFilter{
		Provider: models.Provider(query.Provider),
	}
	if query.Status != "" {
		filter.Statuses = []models.WorkerStatus{models.WorkerStatus(query.Status)}
	}

	workers, err := s.workers.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"count":   len(workers),
	})
}

func (s *Server) handleGetWorker(c *gin.Context) {
	worker, ok := s.lookupWorker(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, worker)
}

func (s *Server) handleGetWorkerQuota(c *gin.Context) {
	worker, ok := s.lookupWorker(c)
	if !ok {
		return
	}

	status, err := s.ledger.GetStatus(c.Request.Context(), worker)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAdmitJob(c *gin.Context) {
	worker, ok := s.lookupWorker(c)
	if !ok {
		return
	}

	var req AdmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	admission, err := s.ledger.CanAcceptJob(c.Request.Context(), worker, req.EstimatedMinutes)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, admission)
}

func (s *Server) handleStartWorker(c *gin.Context) {
	worker, ok := s.lookupWorker(c)
	if !ok {
		return
	}

	var req StartWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	var started *models.Worker
	var err error
	if req.Override {
		started, err = s.controller.StartGPUOverride(ctx, worker.ID)
	} else {
		started, err = s.controller.StartGPU(ctx, worker.ID)
	}
	if err != nil {
		s.failureError(c, err)
		return
	}
	c.JSON(http.StatusOK, started)
}

func (s *Server) handleStopWorker(c *gin.Context) {
	worker, ok := s.lookupWorker(c)
	if !ok {
		return
	}

	var req StopWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, err)
		return
	}
	reason := models.ShutdownManualStop
	if req.Reason != "" {
		reason = models.ShutdownReason(req.Reason)
	}

	if err := s.controller.StopGPU(c.Request.Context(), worker.ID, reason); err != nil {
		s.failureError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id": worker.ID,
		"stopped":   true,
		"reason":    reason,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	var query ListSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.badRequest(c, err)
		return
	}

	filter := storage.SessionFilter{
		WorkerID: query.WorkerID,
		Provider: models.Provider(query.Provider),
		Limit:    query.Limit,
	}
	if query.Status != "" {
		filter.Statuses = []models.SessionStatus{models.SessionStatus(query.Status)}
	}

	sessions, err := s.sessions.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid session id %q", c.Param("id")),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	session, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     fmt.Sprintf("session %d not found", id),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleGetSchedule(c *gin.Context) {
	schedule := s.controller.Schedule()
	if schedule == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "no schedule computed yet",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (s *Server) handleGetAlternation(c *gin.Context) {
	ctx := c.Request.Context()

	next, err := s.gate.NextProvider(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}
	starts, stops, err := s.gate.History(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, AlternationResponse{
		NextProvider: next,
		Starts:       starts,
		Stops:        stops,
	})
}

func (s *Server) handleActivate(c *gin.Context) {
	worker, err := s.activator.Activate(c.Request.Context())
	if err != nil {
		if errors.Is(err, activator.ErrNoCapacity) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		s.failureError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

// Helpers

func (s *Server) lookupWorker(c *gin.Context) (*models.Worker, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid worker id %q", c.Param("id")),
			RequestID: c.GetString("request_id"),
		})
		return nil, false
	}

	worker, err := s.workers.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     fmt.Sprintf("worker %d not found", id),
				RequestID: c.GetString("request_id"),
			})
			return nil, false
		}
		s.internalError(c, err)
		return nil, false
	}
	return worker, true
}

// failureError maps structured lifecycle failures onto HTTP statuses. Quota
// denials use 429 so callers can back off; conflicts and alternation denials
// are 409 because retrying the same request will not help.
func (s *Server) failureError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var failure *models.Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case models.FailureConfiguration:
			status = http.StatusBadRequest
		case models.FailureQuotaDenied:
			status = http.StatusTooManyRequests
		case models.FailureAlternationDenied, models.FailureConflict:
			status = http.StatusConflict
		case models.FailureTransient:
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     formatBindingError(err),
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed", "error", err.Error(),
		"request_id", c.GetString("request_id"))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     "internal server error",
		RequestID: c.GetString("request_id"),
	})
}

// formatBindingError renders validator errors field by field instead of
// leaking the struct-tag syntax to clients.
func formatBindingError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msg := "validation failed:"
		for _, fe := range verrs {
			msg += fmt.Sprintf(" %s (%s)", fe.Field(), fe.Tag())
		}
		return msg
	}
	return err.Error()
}
