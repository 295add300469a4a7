package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// fakeSwarmStore is a minimal in-memory SwarmStore for handler-level
// tests that don't need a real database, the same role tarsy's fake
// services play for its own handler tests.
type fakeSwarmStore struct {
	swarms      map[string]models.Swarm
	escalations map[string]models.Escalation
}

func newFakeSwarmStore() *fakeSwarmStore {
	return &fakeSwarmStore{
		swarms:      map[string]models.Swarm{},
		escalations: map[string]models.Escalation{},
	}
}

func (f *fakeSwarmStore) CreateSwarm(ctx context.Context, swarm models.Swarm) (models.Swarm, error) {
	swarm.ID = "swarm-1"
	f.swarms[swarm.ID] = swarm
	return swarm, nil
}

func (f *fakeSwarmStore) GetSwarm(ctx context.Context, id string) (models.Swarm, error) {
	swarm, ok := f.swarms[id]
	if !ok {
		return models.Swarm{}, store.ErrNotFound
	}
	return swarm, nil
}

func (f *fakeSwarmStore) ListSwarms(ctx context.Context) ([]models.Swarm, error) {
	var out []models.Swarm
	for _, s := range f.swarms {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSwarmStore) ListTasks(ctx context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error) {
	return nil, nil
}

func (f *fakeSwarmStore) ListAgents(ctx context.Context, swarmID string) ([]models.Agent, error) {
	return nil, nil
}

func (f *fakeSwarmStore) ListEscalations(ctx context.Context, swarmID string, status models.EscalationStatus) ([]models.Escalation, error) {
	var out []models.Escalation
	for _, e := range f.escalations {
		if e.SwarmID != swarmID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeSwarmStore) GetEscalation(ctx context.Context, id string) (models.Escalation, error) {
	esc, ok := f.escalations[id]
	if !ok {
		return models.Escalation{}, store.ErrNotFound
	}
	return esc, nil
}

func (f *fakeSwarmStore) ResolveEscalation(ctx context.Context, id string, status models.EscalationStatus, resolution map[string]any) error {
	esc, ok := f.escalations[id]
	if !ok {
		return store.ErrNotFound
	}
	esc.Status = status
	esc.Resolution = resolution
	f.escalations[id] = esc
	return nil
}

// erroringSwarmLister wraps a fakeSwarmStore but forces ListSwarms to
// fail, for exercising healthHandler's unhealthy branch.
type erroringSwarmLister struct {
	*fakeSwarmStore
}

func (e *erroringSwarmLister) ListSwarms(ctx context.Context) ([]models.Swarm, error) {
	return nil, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "forced failure" }

// fakeRunner is a no-op Runner for handlers that only need to observe
// whether Run/Cancel was invoked.
type fakeRunner struct {
	cancelled map[string]bool
	cancelOK  bool
}

func (f *fakeRunner) Run(ctx context.Context, swarmID string) error { return nil }

func (f *fakeRunner) Cancel(swarmID string) bool {
	if f.cancelled == nil {
		f.cancelled = map[string]bool{}
	}
	f.cancelled[swarmID] = true
	return f.cancelOK
}

func newTestContext(method, target, body string) (*echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestProcessHandler_ValidatesEmptyMessage(t *testing.T) {
	s := &Server{}
	c, _ := newTestContext(http.MethodPost, "/orchestrator/process", `{"message":""}`)

	err := s.processHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError")
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestProcessHandler_ValidatesMalformedBody(t *testing.T) {
	s := &Server{}
	c, _ := newTestContext(http.MethodPost, "/orchestrator/process", `not json`)

	err := s.processHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError")
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestGetSwarmHandler_NotFound(t *testing.T) {
	s := &Server{store: newFakeSwarmStore()}
	c, _ := newTestContext(http.MethodGet, "/api/planner/missing", "")
	c.SetParamNames("swarm_id")
	c.SetParamValues("missing")

	err := s.getSwarmHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestGetSwarmHandler_Found(t *testing.T) {
	fs := newFakeSwarmStore()
	fs.swarms["swarm-1"] = models.Swarm{ID: "swarm-1", Name: "acme", Status: models.SwarmRunning, NumAgents: 3}
	s := &Server{store: fs}
	c, rec := newTestContext(http.MethodGet, "/api/planner/swarm-1", "")
	c.SetParamNames("swarm_id")
	c.SetParamValues("swarm-1")

	err := s.getSwarmHandler(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got models.Swarm
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "acme", got.Name)
	assert.Equal(t, 3, got.NumAgents)
}

func TestCancelHandler(t *testing.T) {
	fs := newFakeSwarmStore()
	fs.swarms["swarm-1"] = models.Swarm{ID: "swarm-1", Status: models.SwarmRunning}

	t.Run("not running returns 409", func(t *testing.T) {
		runner := &fakeRunner{cancelOK: false}
		s := &Server{store: fs, engine: runner}
		c, _ := newTestContext(http.MethodPost, "/api/planner/swarm-1/cancel", "")
		c.SetParamNames("swarm_id")
		c.SetParamValues("swarm-1")

		err := s.cancelHandler(c)
		require.Error(t, err)
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusConflict, he.Code)
	})

	t.Run("accepted when cancellable", func(t *testing.T) {
		runner := &fakeRunner{cancelOK: true}
		s := &Server{store: fs, engine: runner}
		c, rec := newTestContext(http.MethodPost, "/api/planner/swarm-1/cancel", "")
		c.SetParamNames("swarm_id")
		c.SetParamValues("swarm-1")

		err := s.cancelHandler(c)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.True(t, runner.cancelled["swarm-1"])
	})

	t.Run("unknown swarm returns 404", func(t *testing.T) {
		runner := &fakeRunner{cancelOK: true}
		s := &Server{store: fs, engine: runner}
		c, _ := newTestContext(http.MethodPost, "/api/planner/missing/cancel", "")
		c.SetParamNames("swarm_id")
		c.SetParamValues("missing")

		err := s.cancelHandler(c)
		require.Error(t, err)
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, he.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy when store responds", func(t *testing.T) {
		s := &Server{store: newFakeSwarmStore()}
		c, rec := newTestContext(http.MethodGet, "/healthz", "")

		err := s.healthHandler(c)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy when store errors", func(t *testing.T) {
		s := &Server{store: &erroringSwarmLister{fakeSwarmStore: newFakeSwarmStore()}}
		c, rec := newTestContext(http.MethodGet, "/healthz", "")

		err := s.healthHandler(c)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
