// Package server exposes the session engine to external consumers:
// the rendering layer reads blocks and streams events, the agent
// layer routes input and cancels blocks. Neither can mutate a block
// store directly; everything funnels through the session manager.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitworkflows/blockterm/internal/config"
	"github.com/gitworkflows/blockterm/internal/logging"
	"github.com/gitworkflows/blockterm/internal/monitoring"
	"github.com/gitworkflows/blockterm/internal/session"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	manager    *session.Manager
	metrics    *monitoring.Metrics
	logger     *logging.Logger
	httpSrv    *http.Server
	wsHandlers *wsHandler
}

// New wires the router, middleware, and handlers.
func New(cfg *config.Config, manager *session.Manager, metrics *monitoring.Metrics, logger *logging.Logger) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(metrics.Middleware())
	if cfg.RateLimit.Enabled {
		router.Use(rateLimit(cfg.RateLimit))
	}

	s := &Server{
		cfg:     cfg,
		router:  router,
		manager: manager,
		metrics: metrics,
		logger:  logger.Component("server"),
	}
	s.wsHandlers = newWSHandler(manager, metrics, s.logger)

	h := &handlers{manager: manager, logger: s.logger}

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sessions", h.createSession)
	router.GET("/sessions", h.listSessions)
	router.GET("/sessions/:id", h.getSession)
	router.DELETE("/sessions/:id", h.closeSession)
	router.POST("/sessions/:id/input", h.routeInput)
	router.POST("/sessions/:id/resize", h.resize)

	router.GET("/sessions/:id/blocks", h.listBlocks)
	router.GET("/sessions/:id/blocks/:blockID", h.getBlock)
	router.POST("/sessions/:id/blocks/:blockID/cancel", h.cancelBlock)

	router.GET("/sessions/:id/stream", s.wsHandlers.handle)

	router.GET("/integration/:shell", h.integrationScript)

	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening on " + addr)

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Router exposes the handler tree, for tests.
func (s *Server) Router() http.Handler { return s.router }

// Shutdown stops the HTTP listener and shuts down every session.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown: " + err.Error())
		}
	}
	return s.manager.Shutdown(ctx)
}
