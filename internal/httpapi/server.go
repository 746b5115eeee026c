// Package httpapi serves the JSON status surface: task and run listings,
// history, manual task submission, on-demand runs and metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/internal/trigger"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// Trigger starts runs for POST /api/runs. *trigger.Trigger implements it.
type Trigger interface {
	StartRun(ctx context.Context, userID string, durationMinutes int, startTime time.Time) (*orchestrator.RunResult, error)
	StartRunAsync(ctx context.Context, userID string, durationMinutes int) (string, <-chan trigger.Outcome, error)
}

// Config configures a Server.
type Config struct {
	Store state.Store
	// Trigger is optional; without it POST /api/runs answers 503.
	Trigger Trigger
	// Metrics is optional; it is mounted on /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
	// BaseContext bounds runs started without wait, which outlive their
	// request. Defaults to context.Background().
	BaseContext context.Context
}

// Server is the HTTP surface.
type Server struct {
	store   state.Store
	trigger Trigger
	logger  *slog.Logger
	baseCtx context.Context
	engine  *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		store:   cfg.Store,
		trigger: cfg.Trigger,
		logger:  cfg.Logger,
		baseCtx: cfg.BaseContext,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := r.Group("/api")
	{
		tasks := api.Group("/tasks")
		{
			tasks.GET("", s.listTasks)
			tasks.POST("", s.createTask)
			tasks.GET("/:id", s.getTask)
			tasks.DELETE("/:id", s.deleteTask)
		}

		runs := api.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.POST("", s.startRun)
			runs.GET("/:id", s.getRun)
		}

		api.GET("/history", s.history)
	}

	s.engine = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// writeError maps the error taxonomy onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrDuplicateID), errors.Is(err, trigger.ErrRunInFlight):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
