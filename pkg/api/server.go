// Package api is the HTTP adapter: a thin gin layer over the orchestrator
// plus a websocket endpoint streaming live project events.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/buildforge/foreman/pkg/database"
	"github.com/buildforge/foreman/pkg/orchestrator"
	"github.com/buildforge/foreman/pkg/reaper"
)

// Server wires the HTTP routes to the orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	db     *database.Client
	reaper *reaper.Reaper
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer creates an API server. The reaper is optional; when nil the
// health endpoint omits reaper liveness.
func NewServer(orch *orchestrator.Orchestrator, db *database.Client, rp *reaper.Reaper, logger *slog.Logger) *Server {
	return &Server{
		orch:   orch,
		db:     db,
		reaper: rp,
		logger: logger.With("component", "api"),
	}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.health)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/projects", s.createProject)
		v1.GET("/projects", s.listProjects)
		v1.DELETE("/projects/:id", s.deleteProject)
		v1.GET("/projects/:id/status", s.getStatus)

		v1.POST("/projects/:id/initialize", s.initialize)
		v1.POST("/projects/:id/initialize/cancel", s.cancelInitialize)
		v1.POST("/projects/:id/coding/start", s.startCoding)
		v1.POST("/projects/:id/coding/stop", s.stopCoding)
		v1.POST("/projects/:id/sessions/cancel", s.cancelSession)

		v1.GET("/projects/:id/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)

		v1.GET("/projects/:id/interventions", s.listInterventions)
		v1.POST("/interventions/:id/resolve", s.resolveIntervention)

		v1.GET("/projects/:id/events", s.streamEvents)
	}

	return engine
}

// Start runs the HTTP server on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// health handles GET /health: database reachability plus reaper liveness.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	body := gin.H{"status": dbHealth.Status, "database": dbHealth}
	if s.reaper != nil {
		if last := s.reaper.LastScan(); !last.IsZero() {
			body["reaper_last_scan"] = last.UTC().Format(time.RFC3339)
		}
	}
	if err != nil {
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
