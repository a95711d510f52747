package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/envdeploy/pkg/database"
	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/pipeline"
	"github.com/nais/envdeploy/pkg/server"
)

type memoryStore struct {
	lock     sync.Mutex
	runs     map[string]*database.Run
	statuses map[string][]database.RunStatus
	results  map[string]database.RunResult
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		runs:     make(map[string]*database.Run),
		statuses: make(map[string][]database.RunStatus),
		results:  make(map[string]database.RunResult),
	}
}

func (m *memoryStore) Runs(_ context.Context, environment string, limit int) ([]*database.Run, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	runs := make([]*database.Run, 0)
	for _, run := range m.runs {
		if len(environment) == 0 || run.Environment == environment {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Created.After(runs[j].Created) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *memoryStore) Run(_ context.Context, id string) (*database.Run, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memoryStore) WriteRun(_ context.Context, run database.Run) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.runs[run.ID] = &run
	return nil
}

func (m *memoryStore) FinishRun(_ context.Context, id string, result database.RunResult) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.results[id] = result
	run := m.runs[id]
	run.State = result.State
	run.Status = &result.Status
	run.Partial = result.Partial
	return nil
}

func (m *memoryStore) RunStatuses(_ context.Context, runID string) ([]database.RunStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	statuses, ok := m.statuses[runID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return statuses, nil
}

func (m *memoryStore) WriteRunStatus(_ context.Context, status database.RunStatus) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.statuses[status.RunID] = append(m.statuses[status.RunID], status)
	return nil
}

func (m *memoryStore) result(id string) (database.RunResult, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	result, ok := m.results[id]
	return result, ok
}

// blockingRunner runs until its context is cancelled or it is released.
type blockingRunner struct {
	release    chan struct{}
	assertions chan string
}

func (b *blockingRunner) Run(ctx context.Context, request pipeline.Request, assertion string) *pipeline.Outcome {
	b.assertions <- assertion
	outcome := &pipeline.Outcome{RunID: request.ID, Environment: request.Environment}
	select {
	case <-ctx.Done():
		outcome.Status = pipeline.StatusFailed
		outcome.State = pipeline.StateFailed
		outcome.Partial = true
		outcome.Err = &pipeline.Error{
			Kind:       pipeline.KindCancelled,
			Stage:      pipeline.StageApply,
			Err:        ctx.Err(),
			ExitStatus: 1,
			Partial:    true,
			Applied:    []string{"google_cloud_run_v2_service.app"},
			Unapplied:  []string{"google_storage_bucket.uploads"},
		}
	case <-b.release:
		outcome.Status = pipeline.StatusSucceeded
		outcome.State = pipeline.StateSucceeded
		outcome.Pointer = &pipeline.Pointer{Image: "registry/myapp@sha256:abc", URL: "https://myapp.a.run.app"}
	}
	return outcome
}

const operatorKey = "operator-secret"

func setup(t *testing.T) (*httptest.Server, *memoryStore, *blockingRunner, *server.Runs) {
	store := newMemoryStore()
	runner := &blockingRunner{release: make(chan struct{}), assertions: make(chan string, 10)}
	runs := server.NewRuns(pipeline.NewDispatcher(), runner, store)

	router := server.New(server.Config{
		Runs:         runs,
		Store:        store,
		Registerer:   prometheus.NewRegistry(),
		Gatherer:     prometheus.NewRegistry(),
		OperatorKeys: []string{operatorKey},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		runs.Shutdown()
	})
	return srv, store, runner, runs
}

func submit(t *testing.T, srv *httptest.Server, body string, token string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/runs", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("content-type", "application/json")
	if len(token) > 0 {
		req.Header.Set("authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func operator(t *testing.T, srv *httptest.Server, method, path string) *http.Response {
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-PSK", operatorKey)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

const pushBody = `{"kind":"push","ref":"refs/heads/main","sha":"abc123","repository":{"owner":"navikt","name":"myapp"}}`

func TestSubmitAndFinish(t *testing.T) {
	srv, store, runner, runs := setup(t)

	resp := submit(t, srv, pushBody, "assertion-token")
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	response := server.SubmitResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, pipeline.VariantProduction, response.Variant)
	assert.Equal(t, "production", response.Environment)
	assert.Equal(t, "assertion-token", <-runner.assertions)

	close(runner.release)
	assert.Eventually(t, func() bool {
		_, ok := store.result(response.ID)
		return ok
	}, time.Second, 10*time.Millisecond)

	result, _ := store.result(response.ID)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, "https://myapp.a.run.app", result.URL)
	assert.Eventually(t, func() bool { return !runs.InFlight(response.ID) }, time.Second, 10*time.Millisecond)

	get := operator(t, srv, http.MethodGet, "/api/v1/runs/"+response.ID)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	run := server.RunResponse{}
	require.NoError(t, json.NewDecoder(get.Body).Decode(&run))
	assert.Equal(t, "navikt/myapp", run.Repository)
	assert.False(t, run.InFlight)
}

func TestSubmitRejected(t *testing.T) {
	srv, _, _, _ := setup(t)

	for _, tt := range []struct {
		name   string
		body   string
		token  string
		status int
	}{
		{"no identity token", pushBody, "", http.StatusUnauthorized},
		{"garbage", `{"kind":`, "token", http.StatusBadRequest},
		{"invalid version", `{"kind":"manual","version":"v1","destroy":false,"repository":{"owner":"navikt","name":"myapp"}}`, "token", http.StatusBadRequest},
		{"missing destroy flag", `{"kind":"manual","version":"1.0.0","repository":{"owner":"navikt","name":"myapp"}}`, "token", http.StatusBadRequest},
		{"unknown trigger", `{"kind":"schedule"}`, "token", http.StatusBadRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp := submit(t, srv, tt.body, tt.token)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSubmitSkipped(t *testing.T) {
	srv, store, _, _ := setup(t)

	resp := submit(t, srv, `{"kind":"push","ref":"refs/heads/feature","sha":"abc123"}`, "token")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	response := server.SubmitResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, pipeline.StatusSkipped, response.Status)

	runs, _ := store.Runs(context.Background(), "", 10)
	assert.Empty(t, runs)
}

func TestCancel(t *testing.T) {
	srv, store, runner, runs := setup(t)

	resp := submit(t, srv, pushBody, "token")
	defer resp.Body.Close()
	response := server.SubmitResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	<-runner.assertions
	assert.True(t, runs.InFlight(response.ID))

	del := operator(t, srv, http.MethodDelete, "/api/v1/runs/"+response.ID)
	del.Body.Close()
	assert.Equal(t, http.StatusAccepted, del.StatusCode)

	assert.Eventually(t, func() bool {
		_, ok := store.result(response.ID)
		return ok
	}, time.Second, 10*time.Millisecond)

	result, _ := store.result(response.ID)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, string(pipeline.KindCancelled), result.ErrorKind)
	assert.True(t, result.Partial)
	assert.Equal(t, 1, result.ErrorExitStatus)
	assert.Equal(t, []string{"google_cloud_run_v2_service.app"}, result.Applied)
	assert.Equal(t, []string{"google_storage_bucket.uploads"}, result.Unapplied)

	assert.Eventually(t, func() bool { return !runs.InFlight(response.ID) }, time.Second, 10*time.Millisecond)
	again := operator(t, srv, http.MethodDelete, "/api/v1/runs/"+response.ID)
	again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)

	missing := operator(t, srv, http.MethodDelete, "/api/v1/runs/does-not-exist")
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestDrain(t *testing.T) {
	srv, store, runner, runs := setup(t)

	first := submit(t, srv, pushBody, "token")
	first.Body.Close()
	<-runner.assertions

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	runs.Drain(ctx)

	all, err := store.Runs(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	result, ok := store.result(all[0].ID)
	require.True(t, ok)
	assert.Equal(t, string(pipeline.KindCancelled), result.ErrorKind)

	second := submit(t, srv, pushBody, "token")
	second.Body.Close()
	<-runner.assertions
	close(runner.release)

	runs.Drain(context.Background())
	all, err = store.Runs(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, run := range all {
		_, ok := store.result(run.ID)
		assert.True(t, ok)
	}
}

func TestOperatorEndpointsRequireKey(t *testing.T) {
	srv, _, _, _ := setup(t)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	list := operator(t, srv, http.MethodGet, "/api/v1/runs?limit=5")
	list.Body.Close()
	assert.Equal(t, http.StatusOK, list.StatusCode)

	health, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestObserverRecordsTransitions(t *testing.T) {
	store := newMemoryStore()
	runs := server.NewRuns(pipeline.NewDispatcher(), &blockingRunner{}, store)

	run := pipeline.NewRun(pipeline.Request{ID: "run-1"}, pipeline.VariantProduction)
	runs.Observer().Observe(context.Background(), run, pipeline.Transition{
		From: pipeline.StateDispatched,
		To:   pipeline.StateAuthenticated,
		Time: time.Now(),
	})

	statuses, err := store.RunStatuses(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "authenticated", statuses[0].To)
}

type staticEnvironments map[string]*environment.Environment

func (s staticEnvironments) Environment(name string) (*environment.Environment, error) {
	env, ok := s[name]
	if !ok {
		return nil, environment.ErrNotFound
	}
	return env, nil
}

func TestLogRedirect(t *testing.T) {
	router := server.New(server.Config{
		Runs:       server.NewRuns(pipeline.NewDispatcher(), &blockingRunner{}, newMemoryStore()),
		Store:      newMemoryStore(),
		Registerer: prometheus.NewRegistry(),
		Gatherer:   prometheus.NewRegistry(),
		Environments: staticEnvironments{
			"production": {Name: "production", Project: "myapp-prod-1234", Region: "europe-north1", Service: "myapp"},
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logs?run_id=46a4c277-fa34-4711-b2eb-f6903bb06ce5&ts=1661772694&environment=production", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "project=myapp-prod-1234")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logs?run_id=46a4c277-fa34-4711-b2eb-f6903bb06ce5&ts=1661772694&environment=staging", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
