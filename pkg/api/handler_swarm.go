package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmforge/orchestrator/pkg/conflict"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/scheduler"
	"github.com/swarmforge/orchestrator/pkg/workflow"
)

// ProcessRequest is the body of POST /orchestrator/process.
type ProcessRequest struct {
	Message string `json:"message"`
}

// ProcessResponse acknowledges that a swarm was created and its
// workflow dispatched; the caller polls progressHandler for the result.
type ProcessResponse struct {
	SwarmID    string `json:"swarm_id"`
	Status     string `json:"status"`
	NumAgents  int    `json:"num_agents"`
	Complexity string `json:"complexity"`
	PlannerURL string `json:"planner_url"`
}

// processHandler handles POST /orchestrator/process: extract a Scope
// from free text, precompute the plan shape so the swarm row is
// created with its final agent count already known, then dispatch the
// Workflow Engine asynchronously and return immediately (§6 — the
// caller polls /api/planner/{swarm_id}/progress for completion).
func (s *Server) processHandler(c *echo.Context) error {
	var req ProcessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Kind: "validation", Message: "invalid request body"})
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Kind: "validation", Message: "message is required"})
	}

	ctx := c.Request().Context()
	scopeInfo, err := s.extractor.Extract(ctx, req.Message)
	if err != nil {
		return mapError(err)
	}

	dsl := planner.Generate(scopeInfo)

	metadata, err := workflow.ScopeToMetadata(scopeInfo)
	if err != nil {
		return mapError(err)
	}

	swarm, err := s.store.CreateSwarm(ctx, models.Swarm{
		Name:      scopeInfo.ProjectName,
		Status:    models.SwarmIdle,
		NumAgents: len(dsl.Agents),
		Metadata:  metadata,
	})
	if err != nil {
		return mapError(err)
	}

	// Run drives the swarm to completion in the background; the HTTP
	// response is the acknowledgement, not the result, matching §6's
	// async dispatch contract. A cancellation-stripped context outlives
	// this request so the workflow isn't torn down when the client
	// disconnects.
	go func() {
		if err := s.engine.Run(context.WithoutCancel(ctx), swarm.ID); err != nil {
			// The engine already records the failure on the swarm and
			// in the event log; nothing more to do with the error here.
			_ = err
		}
	}()

	return c.JSON(http.StatusAccepted, ProcessResponse{
		SwarmID: swarm.ID, Status: string(swarm.Status),
		NumAgents: swarm.NumAgents, Complexity: string(dsl.Complexity),
		PlannerURL: "/api/planner/" + swarm.ID,
	})
}

// getSwarmHandler handles GET /api/planner/{swarm_id}.
func (s *Server) getSwarmHandler(c *echo.Context) error {
	swarm, err := s.store.GetSwarm(c.Request().Context(), c.Param("swarm_id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, swarm)
}

// listSwarmsHandler handles GET /swarms.
func (s *Server) listSwarmsHandler(c *echo.Context) error {
	swarms, err := s.store.ListSwarms(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"swarms": swarms})
}

// ProgressResponse is the body of GET /api/planner/{swarm_id}/progress
// (§6): task counts plus the scheduling/conflict state a caller needs
// to decide whether the swarm is making forward progress.
type ProgressResponse struct {
	scheduler.Progress
	ReadyTasks    int             `json:"ready_tasks"`
	HasCycle      bool            `json:"has_cycle"`
	ConflictStats *conflict.Stats `json:"conflict_stats,omitempty"`
}

// progressHandler handles GET /api/planner/{swarm_id}/progress.
func (s *Server) progressHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	swarmID := c.Param("swarm_id")
	if _, err := s.store.GetSwarm(ctx, swarmID); err != nil {
		return mapError(err)
	}
	progress, err := s.scheduler.CalculateProgress(ctx, swarmID)
	if err != nil {
		return mapError(err)
	}
	ready, err := s.scheduler.ReadyTasks(ctx, swarmID)
	if err != nil {
		return mapError(err)
	}
	cycle, err := s.scheduler.DetectCycle(ctx, swarmID)
	if err != nil {
		return mapError(err)
	}

	resp := ProgressResponse{Progress: progress, ReadyTasks: len(ready), HasCycle: len(cycle) > 0}
	if s.conflictFor != nil {
		stats := s.conflictFor(swarmID).Stats()
		resp.ConflictStats = &stats
	}
	return c.JSON(http.StatusOK, resp)
}

// cancelHandler handles POST /api/planner/{swarm_id}/cancel.
func (s *Server) cancelHandler(c *echo.Context) error {
	swarmID := c.Param("swarm_id")
	if _, err := s.store.GetSwarm(c.Request().Context(), swarmID); err != nil {
		return mapError(err)
	}
	if !s.engine.Cancel(swarmID) {
		return echo.NewHTTPError(http.StatusConflict, ErrorResponse{
			Kind: "not_running", Message: "swarm has no workflow currently running",
		})
	}
	return c.NoContent(http.StatusAccepted)
}
