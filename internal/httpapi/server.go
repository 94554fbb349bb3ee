// Package httpapi exposes a gin HTTP surface over a scheduler session:
// POST /api/v1/turn triggers a one-shot turn and GET /health reports
// liveness. It has no route for inspecting session or budget status.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/scheduler"
	"github.com/ngoclaw/gro/pkg/safego"
)

// Config controls server construction, adapted from the teacher's
// interfaces/http.Config (same Host/Port/Mode shape).
type Config struct {
	Host string
	Port int
	Mode string // "production" selects gin release mode; anything else, debug
}

// Server wraps an http.Server driving one runtime's scheduler over HTTP.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// runner is the subset of scheduler+memory a handler needs; kept as an
// interface so tests can stub it without constructing a whole scheduler.
type runner interface {
	RunSession(ctx context.Context, systemPrompt string) scheduler.Outcome
	Add(ctx context.Context, msg entity.Message) error
}

type schedulerRunner struct {
	sched *scheduler.Scheduler
	mem   *memory.Memory
}

func (r *schedulerRunner) RunSession(ctx context.Context, systemPrompt string) scheduler.Outcome {
	return r.sched.RunSession(ctx, systemPrompt)
}

func (r *schedulerRunner) Add(ctx context.Context, msg entity.Message) error {
	return r.mem.Add(ctx, msg)
}

// NewRunner adapts a live scheduler+memory pair to the runner interface.
func NewRunner(sched *scheduler.Scheduler, mem *memory.Memory) runner {
	return &schedulerRunner{sched: sched, mem: mem}
}

// NewServer builds the gin router and wraps it in an http.Server, mirroring
// the teacher's NewServer (gin mode switch, Recovery + logging middleware,
// grouped routes) but targeting a single runner instead of a use-case layer.
func NewServer(cfg Config, systemPrompt string, run runner, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/turn", turnHandler(systemPrompt, run, logger))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

type turnRequest struct {
	Message string `json:"message" binding:"required"`
}

type turnResponse struct {
	Status string `json:"status"`
	Text   string `json:"text"`
	Turns  int    `json:"turns"`
}

func turnHandler(systemPrompt string, run runner, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req turnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := run.Add(c.Request.Context(), entity.Message{Role: entity.RoleUser, Content: req.Message}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		outcome := run.RunSession(c.Request.Context(), systemPrompt)
		c.JSON(http.StatusOK, turnResponse{
			Status: string(outcome.Status),
			Text:   outcome.FinalText,
			Turns:  outcome.Turns,
		})
	}
}

// Start launches the server in the background, returning immediately.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http api", zap.String("address", s.server.Addr))
	safego.Go(s.logger, "httpapi-listen", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http api error", zap.Error(err))
		}
	})
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http api")
	return s.server.Shutdown(ctx)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
