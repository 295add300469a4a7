package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// listEscalationsHandler handles GET /api/planner/{swarm_id}/escalations.
// An optional ?status= query param narrows the result to one status;
// omitted it returns every escalation for the swarm.
func (s *Server) listEscalationsHandler(c *echo.Context) error {
	swarmID := c.Param("swarm_id")
	status := models.EscalationStatus(c.QueryParam("status"))
	switch status {
	case "", models.EscalationPending, models.EscalationResolved, models.EscalationCancelled:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
			Kind: "validation", Message: "invalid status filter: must be pending, resolved, or cancelled",
		})
	}

	escalations, err := s.store.ListEscalations(c.Request().Context(), swarmID, status)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"escalations": escalations})
}

// ResolveEscalationRequest is the body of
// POST /api/planner/{swarm_id}/escalations/{id}/resolve.
type ResolveEscalationRequest struct {
	Status     models.EscalationStatus `json:"status"`
	Resolution map[string]any          `json:"resolution"`
}

// resolveEscalationHandler handles
// POST /api/planner/{swarm_id}/escalations/{id}/resolve. A partial
// resolution payload (fewer keys than the escalation's suggested
// actions call for) is accepted and merged, but the escalation stays
// pending until the caller explicitly passes status=resolved — the
// Open Question decision recorded alongside store.ResolveEscalation.
func (s *Server) resolveEscalationHandler(c *echo.Context) error {
	var req ResolveEscalationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Kind: "validation", Message: "invalid request body"})
	}
	switch req.Status {
	case models.EscalationResolved, models.EscalationCancelled, models.EscalationPending:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
			Kind: "validation", Message: "status must be resolved, cancelled, or pending",
		})
	}

	id := c.Param("id")
	existing, err := s.store.GetEscalation(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	if existing.Status == models.EscalationResolved || existing.Status == models.EscalationCancelled {
		return echo.NewHTTPError(http.StatusConflict, ErrorResponse{
			Kind: "already_resolved", Message: "escalation is already " + string(existing.Status),
		})
	}
	if err := s.store.ResolveEscalation(c.Request().Context(), id, req.Status, req.Resolution); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(req.Status)})
}
