package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/server"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type testServerEnv struct {
	Server   *server.Server
	Router   *gin.Engine
	Store    *store.MemoryStore
	Bus      *bus.Bus
	Registry *engine.Registry
	Cfg      *config.Config
}

func testServer(t *testing.T) *testServerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.NewDefaultConfig()
	st := store.NewMemoryStore()
	logger := log.New("ledgerflow", "test", "0")
	b := bus.New(st, cfg.IdempotencyWindow, logger)

	registry := engine.NewRegistry()
	registry.MustRegister(&engine.Function{
		ID:        "noop",
		Name:      "No-op",
		EventName: "test/noop",
		Handler: func(sc *engine.Context) (any, error) {
			return nil, nil
		},
	})

	reg := prometheus.NewRegistry()
	engine.NewMetrics(reg)

	srv := server.NewServer(b, st, registry, cfg, reg)
	return &testServerEnv{
		Server:   srv,
		Router:   srv.SetupRoutes(),
		Store:    st,
		Bus:      b,
		Registry: registry,
		Cfg:      cfg,
	}
}

func (env *testServerEnv) request(
	t *testing.T, method, path string, body any,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, api.HealthHealthy, res.Status)
	assert.Equal(t, "ok", res.Checks["store"])
}

func TestHealthDegradedOnQueueBacklog(t *testing.T) {
	env := testServer(t)
	env.Cfg.QueueDepthLimit = 1

	for range 3 {
		ev, err := api.NewEvent("test/noop", nil)
		require.NoError(t, err)
		_, err = env.Bus.Publish(context.Background(), ev)
		require.NoError(t, err)
	}

	w := env.request(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPublishEvent(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "POST", "/events", map[string]any{
		"name": "test/noop",
		"data": map[string]any{"k": "v"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	var res api.EventAcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.Duplicate)

	depth, err := env.Bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPublishEventMissingName(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "POST", "/events", map[string]any{
		"data": map[string]any{"k": "v"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishEventInvalidJSONBody(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(
		"POST", "/events", strings.NewReader("not-json"),
	)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishEventDuplicateIdempotencyKey(t *testing.T) {
	env := testServer(t)

	body := map[string]any{
		"name":           "test/noop",
		"idempotencyKey": "order-42",
	}

	first := env.request(t, "POST", "/events", body)
	assert.Equal(t, http.StatusAccepted, first.Code)
	var res1 api.EventAcceptedResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &res1))

	second := env.request(t, "POST", "/events", body)
	assert.Equal(t, http.StatusConflict, second.Code)
	var res2 api.EventAcceptedResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &res2))

	assert.True(t, res2.Duplicate)
	assert.Equal(t, res1.EventID, res2.EventID)

	depth, err := env.Bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPublishEventScheduledForDeferred(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	w := env.request(t, "POST", "/events", map[string]any{
		"name":         "test/noop",
		"scheduledFor": at,
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	// not visible before its scheduled time
	early, err := env.Store.LeaseNext(
		ctx, time.Now(), time.Now().Add(time.Minute),
	)
	require.NoError(t, err)
	assert.Nil(t, early)

	due, err := env.Store.LeaseNext(
		ctx, at.Add(time.Second), at.Add(time.Minute),
	)
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, at, due.ScheduledFor.UTC())
}

func TestListFunctions(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "GET", "/functions", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.FunctionsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, api.FunctionID("noop"), res.Functions[0].ID)
	assert.Equal(t, "test/noop", res.Functions[0].EventName)
}

func TestGetRun(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	run := &api.Run{
		ID:         "run-1",
		FunctionID: "noop",
		EventID:    "ev-1",
		Status:     api.RunSucceeded,
		Attempt:    1,
		StartedAt:  time.Now(),
	}
	require.NoError(t, env.Store.PutRun(ctx, run))
	require.NoError(t, env.Store.PutMemo(ctx, &api.StepMemo{
		RunID:    "run-1",
		StepName: "first",
		Result:   json.RawMessage(`7`),
	}))

	w := env.request(t, "GET", "/runs/run-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, api.RunSucceeded, res.Run.Status)
	assert.Len(t, res.Memos, 1)
}

func TestGetRunNotFound(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "GET", "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunsRequiresStatus(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "GET", "/runs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRunsByStatus(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	require.NoError(t, env.Store.PutRun(ctx, &api.Run{
		ID: "run-a", FunctionID: "noop", Status: api.RunFailed,
	}))
	require.NoError(t, env.Store.PutRun(ctx, &api.Run{
		ID: "run-b", FunctionID: "noop", Status: api.RunSucceeded,
	}))

	w := env.request(t, "GET", "/runs?status=failed", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.RunsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, api.RunID("run-a"), res.Runs[0].ID)
}

func TestListDLQByStatus(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	require.NoError(t, env.Store.PutDLQ(ctx, &api.DLQRecord{
		ID: "dlq-1", FunctionID: "noop", Status: api.DLQFailed,
	}))
	require.NoError(t, env.Store.PutDLQ(ctx, &api.DLQRecord{
		ID: "dlq-2", FunctionID: "noop", Status: api.DLQManualReview,
	}))

	w := env.request(t, "GET", "/dlq?status=manual_review", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.DLQListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "dlq-2", res.Records[0].ID)
}

func TestRetryDLQPublishesRetryEvent(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	original, err := api.NewEvent("test/noop", nil)
	require.NoError(t, err)
	raw, err := json.Marshal(original)
	require.NoError(t, err)

	require.NoError(t, env.Store.PutDLQ(ctx, &api.DLQRecord{
		ID:            "dlq-3",
		FunctionID:    "noop",
		OriginalEvent: raw,
		ErrorMessage:  "connection refused",
		Status:        api.DLQManualReview,
	}))

	w := env.request(t, "POST", "/dlq/dlq-3/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	var res api.DLQRetryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "dlq-3", res.DLQID)

	depth, err := env.Bus.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRetryDLQNotFound(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "POST", "/dlq/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveDLQ(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	require.NoError(t, env.Store.PutDLQ(ctx, &api.DLQRecord{
		ID: "dlq-4", FunctionID: "noop", Status: api.DLQManualReview,
	}))

	w := env.request(t, "POST", "/dlq/dlq-4/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var rec api.DLQRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, api.DLQResolved, rec.Status)

	// a resolved record refuses further retries
	w = env.request(t, "POST", "/dlq/dlq-4/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := testServer(t)

	w := env.request(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ledgerflow_queue_depth")
}
