// Package gateway provides the HTTP surface of the dispatcher: the tasks
// REST API, the GitHub webhook receiver, the per-task SSE stream, and the
// websocket chat adapter.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/httpmw"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// Store is the persistence surface the REST API reads.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListRecentTasks(ctx context.Context, limit int, statuses ...models.TaskStatus) ([]*models.Task, error)
	ListActiveTasks(ctx context.Context, limit int) ([]*models.Task, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
	Metrics(ctx context.Context) (*models.QueueMetrics, error)
	ListTrace(ctx context.Context, taskID string) ([]*models.TraceEvent, error)
}

// Dispatcher accepts work and control operations on behalf of API callers.
type Dispatcher interface {
	EnqueueExternal(ctx context.Context, task *models.Task) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Repos is the registry surface behind the repos endpoints.
type Repos interface {
	ListRepos(ctx context.Context, includeExcluded bool) ([]models.Repo, error)
	Remove(ctx context.Context, name string) error
}

// Deps bundles what the gateway serves.
type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Repos      Repos
	Webhook    *WebhookAdapter
	Chat       *WSAdapter
	Bus        bus.EventBus
}

// Server is the HTTP gateway.
type Server struct {
	cfg      config.ServerConfig
	store    Store
	disp     Dispatcher
	repos    Repos
	webhook  *WebhookAdapter
	chat     *WSAdapter
	bus      bus.EventBus
	logger   *logger.Logger
	router   *gin.Engine
	httpSrv  *http.Server
	debugLog bool
}

// NewServer wires the gateway routes. Debug log level keeps gin's own
// logging; anything else runs in release mode.
func NewServer(cfg config.ServerConfig, deps Deps, logLevel string, log *logger.Logger) *Server {
	if logLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		disp:     deps.Dispatcher,
		repos:    deps.Repos,
		webhook:  deps.Webhook,
		chat:     deps.Chat,
		bus:      deps.Bus,
		logger:   log.WithFields(zap.String("component", "gateway")),
		router:   gin.New(),
		debugLog: logLevel == "debug",
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	s.router.Use(httpmw.OtelTracing("gateway"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.GET("/tasks/:id/trace", s.handleTaskTrace)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)
		api.GET("/tasks/:id/events", s.handleTaskEvents)
		api.GET("/repos", s.handleListRepos)
		api.DELETE("/repos/:name", s.handleRemoveRepo)
		api.GET("/stats", s.handleStats)
		api.GET("/metrics", s.handleMetrics)

		if s.webhook != nil {
			api.POST("/webhooks/github", s.webhook.handleWebhook)
		}
	}

	if s.chat != nil {
		s.router.GET("/ws", s.chat.handleWS)
	}
}

// Start begins serving and returns; the listener runs until Shutdown.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway serve failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"service":   "dispatchd",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.bus != nil {
		resp["bus_connected"] = s.bus.IsConnected()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	if c.Query("active") == "true" {
		tasks, err := s.store.ListActiveTasks(c.Request.Context(), limit)
		if err != nil {
			s.serverError(c, "could not list tasks", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
		return
	}

	statuses := parseStatuses(c.Query("status"))
	tasks, err := s.store.ListRecentTasks(c.Request.Context(), limit, statuses...)
	if err != nil {
		s.serverError(c, "could not list tasks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// parseStatuses maps a comma-separated status filter onto known statuses,
// dropping anything unrecognized.
func parseStatuses(raw string) []models.TaskStatus {
	if raw == "" {
		return nil
	}
	var out []models.TaskStatus
	for _, tok := range strings.Split(raw, ",") {
		switch models.TaskStatus(strings.TrimSpace(tok)) {
		case models.TaskStatusPending:
			out = append(out, models.TaskStatusPending)
		case models.TaskStatusRunning:
			out = append(out, models.TaskStatusRunning)
		case models.TaskStatusCompleted:
			out = append(out, models.TaskStatusCompleted)
		case models.TaskStatusFailed:
			out = append(out, models.TaskStatusFailed)
		}
	}
	return out
}

// CreateTaskRequest is the enqueue payload of POST /api/tasks.
type CreateTaskRequest struct {
	UserID   string `json:"user_id"`
	Repo     string `json:"repo"`
	Prompt   string `json:"prompt" binding:"required"`
	TaskType string `json:"task_type"`
	Priority int    `json:"priority"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	taskType := models.TaskType(req.TaskType)
	switch taskType {
	case "", models.TaskTypeDiscuss, models.TaskTypeCreateProject, models.TaskTypeCron:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task_type: " + req.TaskType})
		return
	}
	if req.Repo == "" && taskType != models.TaskTypeDiscuss {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repo is required"})
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = "api:anonymous"
	}

	task := &models.Task{
		UserID:   userID,
		Repo:     req.Repo,
		Prompt:   req.Prompt,
		TaskType: taskType,
		Priority: req.Priority,
	}
	id, err := s.disp.EnqueueExternal(c.Request.Context(), task)
	if err != nil {
		s.serverError(c, "could not enqueue task", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "task": task})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleTaskTrace(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetTask(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	events, err := s.store.ListTrace(c.Request.Context(), id)
	if err != nil {
		s.serverError(c, "could not load trace", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "events": events})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := s.disp.Cancel(c.Request.Context(), id)
	if err != nil {
		s.serverError(c, "cancel failed", err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false, "error": "task not running or pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleListRepos(c *gin.Context) {
	repos, err := s.repos.ListRepos(c.Request.Context(), false)
	if err != nil {
		s.serverError(c, "could not list repos", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": repos})
}

// handleRemoveRepo deletes a registry entry. The clone on disk is left in
// place; resolution and dispatch simply stop offering the name.
func (s *Server) handleRemoveRepo(c *gin.Context) {
	name := c.Param("name")
	if err := s.repos.Remove(c.Request.Context(), name); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repo not found"})
			return
		}
		s.serverError(c, "could not remove repo", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": name})
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.serverError(c, "could not load stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleMetrics(c *gin.Context) {
	metrics, err := s.store.Metrics(c.Request.Context())
	if err != nil {
		s.serverError(c, "could not load metrics", err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) serverError(c *gin.Context, msg string, err error) {
	s.logger.WithContext(c.Request.Context()).WithError(err).
		Error(msg, zap.String("path", c.Request.URL.Path))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// corsMiddleware allows browser clients on other origins to reach the API
// and the websocket endpoint.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
