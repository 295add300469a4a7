// Package api provides the orchestrator's HTTP surface (§6): the
// routes a caller uses to submit a project request, poll a swarm's
// progress, and resolve escalations, built on Echo v5 the same way the
// teacher's pkg/api builds its dashboard API.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmforge/orchestrator/pkg/conflict"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/observability"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/scheduler"
	"github.com/swarmforge/orchestrator/pkg/scope"
	"github.com/swarmforge/orchestrator/pkg/store"
	"github.com/swarmforge/orchestrator/pkg/version"
)

// SwarmStore is the subset of pkg/store the API reads and writes swarm,
// task, agent, and escalation rows through.
type SwarmStore interface {
	CreateSwarm(ctx context.Context, swarm models.Swarm) (models.Swarm, error)
	GetSwarm(ctx context.Context, id string) (models.Swarm, error)
	ListSwarms(ctx context.Context) ([]models.Swarm, error)
	ListTasks(ctx context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error)
	ListAgents(ctx context.Context, swarmID string) ([]models.Agent, error)
	ListEscalations(ctx context.Context, swarmID string, status models.EscalationStatus) ([]models.Escalation, error)
	GetEscalation(ctx context.Context, id string) (models.Escalation, error)
	ResolveEscalation(ctx context.Context, id string, status models.EscalationStatus, resolution map[string]any) error
}

// Runner starts a swarm's workflow asynchronously and can cancel a
// running one; satisfied by *workflow.Engine.
type Runner interface {
	Run(ctx context.Context, swarmID string) error
	Cancel(swarmID string) bool
}

// Server is the HTTP API server: it owns nothing a request handler
// couldn't reach through one of these already-wired components.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	store       SwarmStore
	extractor   *scope.Extractor
	planner     *planner.Planner
	scheduler   *scheduler.Scheduler
	engine      Runner
	conflictFor func(swarmID string) *conflict.Resolver
	metrics     *observability.PrometheusSink
}

// Deps bundles everything NewServer wires into the Server.
type Deps struct {
	Store       SwarmStore
	Extractor   *scope.Extractor
	Planner     *planner.Planner
	Scheduler   *scheduler.Scheduler
	Engine      Runner
	ConflictFor func(swarmID string) *conflict.Resolver
	Metrics     *observability.PrometheusSink
}

// NewServer creates a new API server with Echo v5, wiring every route
// from §6 plus the ambient cancel/metrics endpoints.
func NewServer(d Deps) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		store:       d.Store,
		extractor:   d.Extractor,
		planner:     d.Planner,
		scheduler:   d.Scheduler,
		engine:      d.Engine,
		conflictFor: d.ConflictFor,
		metrics:     d.Metrics,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers every route the orchestrator exposes. Static
// paths are registered before their param-bearing counterparts so Echo
// never has to disambiguate between them, matching the teacher's own
// route ordering comment.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(requestLogger())

	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/swarms", s.listSwarmsHandler)
	s.echo.POST("/orchestrator/process", s.processHandler)

	plannerGroup := s.echo.Group("/api/planner")
	plannerGroup.GET("/:swarm_id/progress", s.progressHandler)
	plannerGroup.GET("/:swarm_id/escalations", s.listEscalationsHandler)
	plannerGroup.POST("/:swarm_id/escalations/:id/resolve", s.resolveEscalationHandler)
	plannerGroup.POST("/:swarm_id/cancel", s.cancelHandler)
	plannerGroup.GET("/:swarm_id", s.getSwarmHandler)

	if s.metrics != nil {
		handler := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
		s.echo.GET("/metrics", echo.WrapHandler(handler))
	}
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener;
// cmd/orchestratord binds its listener first and serves through this.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is the body GET /healthz returns.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := s.store.ListSwarms(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{Status: "unhealthy", Version: version.Full()})
	}
	return c.JSON(http.StatusOK, &HealthResponse{OK: true, Status: "healthy", Version: version.Full()})
}
