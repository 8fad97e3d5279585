// Package server exposes a replay session to remote observers: a REST API
// for control and run history, and a websocket hub streaming notifications.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
)

// Controller drives the replay session. *replay.Runner satisfies it.
type Controller interface {
	SessionID() string
	Snapshot() schemas.StateNotification
	Start(script *schemas.Script, runID string) (<-chan replay.RunResult, error)
	Stop() error
	Pause() error
	Suspend() error
	Resume() error
}

// PromptAnswerer resolves outstanding timeout prompts. *prompt.Remote
// satisfies it.
type PromptAnswerer interface {
	Answer(a replay.PromptAnswer) bool
}

// RunStore reads persisted runs. *store.Store satisfies it.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (results.Summary, error)
	ListRuns(ctx context.Context, script string, limit int) ([]results.Summary, error)
}

// Deps are the collaborators the server exposes. Prompts and Runs are
// optional; their endpoints answer 503 when absent.
type Deps struct {
	Runner    Controller
	Prompts   PromptAnswerer
	Runs      RunStore
	Bus       *bus.Bus
	ScriptDir string
}

// Server is the observer API.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	hub    *Hub
	engine *gin.Engine
	logger *zap.Logger
}

// New builds the API and its websocket hub.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	log := logger.Named("server")
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		hub:    NewHub(deps.Bus, deps.Runner, deps.Prompts, cfg.StatusRate, cfg.StatusBurst, log),
		logger: log,
	}
	s.engine = s.routes()
	return s
}

// Handler is the HTTP handler serving the API and the websocket endpoint.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub is the server's websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	v1 := router.Group("/api/v1")
	v1.GET("/health", s.health)

	protected := v1.Group("")
	if s.cfg.AuthSecret != "" {
		protected.Use(AuthMiddleware(s.cfg.AuthSecret))
	} else {
		s.logger.Warn("API authentication is disabled; set server.auth_secret to enable it.")
	}
	{
		protected.GET("/ws", s.websocket)
		protected.GET("/status", s.status)

		runs := protected.Group("/runs")
		{
			runs.POST("", s.startRun)
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
		}

		control := protected.Group("/control")
		{
			control.POST("/stop", s.control(Controller.Stop))
			control.POST("/pause", s.control(Controller.Pause))
			control.POST("/suspend", s.control(Controller.Suspend))
			control.POST("/resume", s.control(Controller.Resume))
		}

		protected.POST("/prompts/:id/answer", s.answerPrompt)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served.",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) websocket(c *gin.Context) {
	s.hub.HandleWS(c.Writer, c.Request)
}

// Run serves HTTP on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error {
		s.logger.Info("Observer API listening.", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
