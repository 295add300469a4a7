package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmforge/orchestrator/pkg/errs"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/scope"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// ErrorResponse is the user-visible shape §7 specifies for every
// non-2xx response this API returns.
type ErrorResponse struct {
	Kind                   string   `json:"kind"`
	Message                string   `json:"message"`
	Remediation            string   `json:"remediation,omitempty"`
	AffectedTaskIDs        []string `json:"affected_task_ids,omitempty"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`
}

// mapError maps a component-layer error to an HTTP status and the §7
// response body, the same errors.As-driven dispatch the teacher's
// mapServiceError uses for its own service-layer errors.
func mapError(err error) *echo.HTTPError {
	var needsClarification *scope.NeedsClarification
	if errors.As(err, &needsClarification) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ErrorResponse{
			Kind:                   "needs_clarification",
			Message:                err.Error(),
			Remediation:            "answer the clarifying questions and resubmit",
			ClarificationQuestions: needsClarification.Questions,
		})
	}

	var extractionFailed *scope.ExtractionFailed
	if errors.As(err, &extractionFailed) {
		return echo.NewHTTPError(http.StatusBadGateway, ErrorResponse{
			Kind: "llm_unavailable", Message: err.Error(),
			Remediation: "retry the request; the model response could not be parsed",
		})
	}

	var invalidPlan *planner.InvalidPlan
	if errors.As(err, &invalidPlan) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ErrorResponse{
			Kind: "cycle_detected", Message: err.Error(),
			AffectedTaskIDs: invalidPlan.Cycle,
		})
	}

	var rateLimited *llmgateway.RateLimited
	if errors.As(err, &rateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, ErrorResponse{
			Kind: "rate_limited", Message: err.Error(),
			Remediation: "retry after backing off",
		})
	}

	var sloBreach *errs.SLOBreach
	if errors.As(err, &sloBreach) {
		status := http.StatusUnprocessableEntity
		remediation := "workflow failed this SLO gate"
		if sloBreach.Retryable {
			remediation = "the workflow will be retried automatically"
		}
		return echo.NewHTTPError(status, ErrorResponse{Kind: "slo_breach", Message: err.Error(), Remediation: remediation})
	}

	var escalated *errs.Escalated
	if errors.As(err, &escalated) {
		return echo.NewHTTPError(http.StatusConflict, ErrorResponse{
			Kind: "escalated", Message: err.Error(),
			Remediation: "resolve the pending escalation before the workflow can continue",
		})
	}

	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Kind: "not_found", Message: "resource not found"})
	}
	if errors.Is(err, store.ErrConcurrencyConflict) {
		return echo.NewHTTPError(http.StatusConflict, ErrorResponse{
			Kind: "concurrency_conflict", Message: "resource was modified concurrently",
			Remediation: "re-read the resource and retry",
		})
	}

	var storageUnavailable *store.StorageUnavailable
	if errors.As(err, &storageUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrorResponse{
			Kind: "storage_unavailable", Message: err.Error(), Remediation: "retry shortly",
		})
	}

	slog.Error("api: unexpected error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{
		Kind: "internal", Message: "internal server error",
	})
}
