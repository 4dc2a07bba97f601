// Package mockbridge is a stand-in for the colab automation bridge and the
// kaggle kernel API, used for local development and end-to-end tests. It
// speaks exactly the wire formats the drivers expect and exposes _test
// endpoints to inject failures.
package mockbridge

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Server is the mock bridge HTTP server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock bridge server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	// Colab automation bridge endpoints
	s.router.POST("/v1/sessions", s.handleLaunch)
	s.router.GET("/v1/sessions/:worker_id", s.handleGetLaunch)
	s.router.DELETE("/v1/sessions/:worker_id", s.handleDeleteLaunch)
	s.router.POST("/v1/quota", s.handleColabQuota)

	// Kaggle kernel API endpoints
	s.router.POST("/kernels/:username/:slug/push", s.handlePushKernel)
	s.router.GET("/kernels/:username/:slug/status", s.handleKernelStatus)
	s.router.POST("/kernels/:username/:slug/cancel", s.handleCancelKernel)
	s.router.GET("/accounts/:username/quota", s.handleKaggleQuota)

	// Health check
	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
}

type launchRequest struct {
	WorkerID    int64  `json:"worker_id"`
	AccountID   string `json:"account_id"`
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	Correlation string `json:"correlation"`
}

func (s *Server) handleLaunch(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, msg := s.state.CreateLaunch(req.WorkerID, req.AccountID, req.Email, req.Correlation)
	if !ok {
		s.logger.Error("launch refused", "worker_id", req.WorkerID, "reason", msg)
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker_id": req.WorkerID, "state": "launching"})
}

func (s *Server) handleGetLaunch(c *gin.Context) {
	workerID, err := strconv.ParseInt(c.Param("worker_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}

	state, tunnelURL, found := s.state.PollLaunch(workerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "launch not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id":  workerID,
		"state":      state,
		"tunnel_url": tunnelURL,
	})
}

func (s *Server) handleDeleteLaunch(c *gin.Context) {
	workerID, err := strconv.ParseInt(c.Param("worker_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}

	if !s.state.DeleteLaunch(workerID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "launch not found"})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

type quotaScrapeRequest struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email" binding:"required"`
	Password  string `json:"password" binding:"required"`
}

func (s *Server) handleColabQuota(c *gin.Context) {
	var req quotaScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionRemaining, _ := s.state.Quota()
	c.JSON(http.StatusOK, gin.H{"session_remaining_seconds": sessionRemaining})
}

func (s *Server) handlePushKernel(c *gin.Context) {
	username, ok := s.requireBasicAuth(c)
	if !ok {
		return
	}

	ref, errMsg := s.state.PushKernel(username)
	if errMsg != "" {
		s.logger.Error("kernel push refused", "username", username, "reason", errMsg)
		c.JSON(http.StatusOK, gin.H{"error": errMsg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref})
}

func (s *Server) handleKernelStatus(c *gin.Context) {
	username, ok := s.requireBasicAuth(c)
	if !ok {
		return
	}

	status, tunnelURL, found := s.state.PollKernel(username)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "kernel not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"tunnel_url": tunnelURL,
	})
}

func (s *Server) handleCancelKernel(c *gin.Context) {
	username, ok := s.requireBasicAuth(c)
	if !ok {
		return
	}

	if !s.state.CancelKernel(username) {
		c.JSON(http.StatusNotFound, gin.H{"error": "kernel not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleKaggleQuota(c *gin.Context) {
	if _, ok := s.requireBasicAuth(c); !ok {
		return
	}

	sessionRemaining, weeklyRemaining := s.state.Quota()
	c.JSON(http.StatusOK, gin.H{
		"session_remaining_seconds": sessionRemaining,
		"weekly_remaining_seconds":  weeklyRemaining,
	})
}

// requireBasicAuth checks credentials are present; the mock accepts any
// non-empty pair and uses the username to key kernel state.
func (s *Server) requireBasicAuth(c *gin.Context) (string, bool) {
	username, password, ok := c.Request.BasicAuth()
	if !ok || username == "" || password == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return "", false
	}
	return username, true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "mock-notebook-bridge",
	})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig is the configuration for test behavior
type TestConfig struct {
	PollsUntilReady  int    `json:"polls_until_ready"`
	FailLaunch       bool   `json:"fail_launch"`
	FailLaunchMsg    string `json:"fail_launch_msg"`
	FailPush         bool   `json:"fail_push"`
	FailPushMsg      string `json:"fail_push_msg"`
	SessionRemaining int    `json:"session_remaining_seconds"`
	WeeklyRemaining  int    `json:"weekly_remaining_seconds"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if config.PollsUntilReady > 0 {
		s.state.SetPollsUntilReady(config.PollsUntilReady)
	}
	s.state.SetFailLaunch(config.FailLaunch, config.FailLaunchMsg)
	s.state.SetFailPush(config.FailPush, config.FailPushMsg)
	if config.SessionRemaining > 0 || config.WeeklyRemaining > 0 {
		s.state.SetQuota(config.SessionRemaining, config.WeeklyRemaining)
	}

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// Run starts the server on the specified address
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock bridge server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
