// Package httpapi is the daemon's read-only HTTP status surface: health
// and status JSON plus a websocket mirror of scheduler events. The
// authoritative client surface is the control-plane socket; this exists
// for dashboards and probes.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helmsman-ai/helmsman/pkg/agentsched"
	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/database"
	"github.com/helmsman-ai/helmsman/pkg/events"
	"github.com/helmsman-ai/helmsman/pkg/scheduler"
	"github.com/helmsman-ai/helmsman/pkg/version"
)

// Server serves the daemon status API.
type Server struct {
	cfg        *config.HTTPConfig
	db         *database.Client
	scheduler  *scheduler.Scheduler
	dispatcher *agentsched.Dispatcher
	bus        *events.Bus

	httpServer *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg *config.HTTPConfig, db *database.Client, sched *scheduler.Scheduler, disp *agentsched.Dispatcher, bus *events.Bus) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		scheduler:  sched,
		dispatcher: disp,
		bus:        bus,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/api/v1/status", s.handleStatus)
	router.GET("/ws/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "addr", s.cfg.Addr, "error", err)
		}
	}()
	slog.Info("HTTP status API listening", "addr", s.cfg.Addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	db := s.db.Health(c.Request.Context())
	status := http.StatusOK
	overall := "healthy"
	if !db.Reachable {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"version":   version.Full(),
		"database":  db,
		"scheduler": s.scheduler.Stats(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   version.Full(),
		"scheduler": s.scheduler.Stats(),
		"lanes":     s.scheduler.Lanes(),
		"cron":      s.dispatcher.Stats(),
		"database":  s.db.Health(c.Request.Context()),
	})
}
