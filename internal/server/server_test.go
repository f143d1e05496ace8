package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/pause"
	"github.com/jdziat/agentqueue/pkg/storage"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *storage.GormStorage) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.ConfigurePool(db))
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))

	srv := httptest.NewServer(New(pause.NewController(s), opts...).Router())
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	return doAs(t, srv, "", method, path, body)
}

// doAs sends the request with a bearer token when token is non-empty.
func doAs(t *testing.T, srv *httptest.Server, token, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, WithHealthCheck("db", func(context.Context) error { return nil }))

	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"db": "ok"}, body["checks"])
}

func TestHealthz_Degraded(t *testing.T) {
	srv, _ := newTestServer(t,
		WithHealthCheck("db", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") }),
	)

	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"db": "ok", "redis": "unavailable"}, body["checks"])
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("agentqueue_jobs_queued 0\n"))
	})
	srv, _ := newTestServer(t, WithMetricsHandler(metrics))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsAbsent(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerPause_Snapshot(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/system/worker-pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := body["state"].(map[string]any)
	assert.Equal(t, false, state["paused"])
	assert.Equal(t, float64(1), state["version"])
	metrics := body["metrics"].(map[string]any)
	assert.Equal(t, true, metrics["isDrained"])
}

func TestWorkerPause_PauseAndResume(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{"mode":"quiesce","reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := body["state"].(map[string]any)
	assert.Equal(t, true, state["paused"])
	assert.Equal(t, "quiesce", state["mode"])

	resp, body = do(t, srv, http.MethodPost, "/system/worker-pause/resume", `{"reason":"done"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = body["state"].(map[string]any)
	assert.Equal(t, false, state["paused"])
	assert.Len(t, body["audit"], 2)
}

func TestWorkerPause_Errors(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	resp, _ := do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "reason")

	resp, _ = do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{"reason":"x","expectedVersion":99}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, s.CreateJob(ctx, &core.AgentJob{Type: "task"}))
	_, err := s.ClaimJob(ctx, core.ClaimRequest{WorkerID: "w1", Lease: time.Minute})
	require.NoError(t, err)
	resp, _ = do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{"reason":"deploy"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/system/worker-pause/resume", `{"reason":"early"}`)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestWorkerPause_MiddlewareGuardsWrites(t *testing.T) {
	requireToken := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer admin" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	srv, _ := newTestServer(t, WithMiddleware(requireToken))

	resp, _ := do(t, srv, http.MethodGet, "/system/worker-pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{"reason":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorAuth_RejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, WithMiddleware(OperatorAuth(map[string]string{"alice": "s3cret"})))

	resp, body := do(t, srv, http.MethodPost, "/system/worker-pause/pause", `{"reason":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing operator token", body["error"])
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp, body = doAs(t, srv, "guess", http.MethodPost, "/system/worker-pause/resume", `{"reason":"x","force":true}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid operator token", body["error"])

	resp, body = do(t, srv, http.MethodGet, "/system/worker-pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["state"].(map[string]any)["paused"])
}

func TestOperatorAuth_NoTokensRefusesAll(t *testing.T) {
	srv, _ := newTestServer(t, WithMiddleware(OperatorAuth(nil)))

	resp, _ := doAs(t, srv, "anything", http.MethodPost, "/system/worker-pause/pause", `{"reason":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorAuth_ActorComesFromToken(t *testing.T) {
	srv, _ := newTestServer(t, WithMiddleware(OperatorAuth(map[string]string{
		"alice": "s3cret",
		"bob":   "hunter2",
	})))

	resp, body := doAs(t, srv, "s3cret", http.MethodPost, "/system/worker-pause/pause",
		`{"reason":"maintenance","actor":"mallory"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["state"].(map[string]any)["requestedByUserId"])

	resp, body = doAs(t, srv, "hunter2", http.MethodPost, "/system/worker-pause/resume",
		`{"reason":"done","actor":"mallory"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	audit := body["audit"].([]any)
	require.Len(t, audit, 2)
	actors := []any{
		audit[0].(map[string]any)["actorUserId"],
		audit[1].(map[string]any)["actorUserId"],
	}
	assert.ElementsMatch(t, []any{"alice", "bob"}, actors)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.Invalid("reason", "required"), http.StatusBadRequest},
		{fmt.Errorf("x: %w", core.ErrUnauthenticated), http.StatusUnauthorized},
		{core.ErrUnauthorized, http.StatusForbidden},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrPreconditionFailed, http.StatusPreconditionFailed},
		{core.ErrLeaseLost, http.StatusConflict},
		{core.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	_, s := newTestServer(t)
	server := New(pause.NewController(s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx, "127.0.0.1:0", time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
