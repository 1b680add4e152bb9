package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/auth"
	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/orchestrator"
	memqueue "github.com/JakeFAU/site-audit/internal/queue/memory"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
)

type harness struct {
	server *Server
	store  *memory.StatusStore
	queue  *memqueue.Queue
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memory.NewStatusStore(nil)
	queue := memqueue.NewQueue(nil, memqueue.Config{})
	t.Cleanup(func() { _ = queue.Close() })
	orch := orchestrator.New(store, queue, uuid.New(), nil, nil, orchestrator.Config{}, zap.NewNop())
	for _, u := range []audit.Unit{
		{ID: "u1", OwnerID: "owner-1", Config: json.RawMessage(`{"urls":["https://example.com"]}`)},
		{ID: "done", OwnerID: "owner-1", Status: audit.StatusCompleted},
	} {
		require.NoError(t, store.Create(context.Background(), u))
	}
	server := NewServer(orch, map[string]Pinger{"queue": queue, "store": store}, cfg, zap.NewNop())
	return &harness{server: server, store: store, queue: queue}
}

func (h *harness) do(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartStopStatusFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/v1/units/u1/start", "owner-1", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, "crawling", decodeBody(t, rec)["status"])
	entry, ok := h.queue.Inspect("u1")
	require.True(t, ok)
	require.Equal(t, audit.StageCrawl, entry.Task.Stage)

	rec = h.do(t, http.MethodPost, "/v1/units/u1/start", "owner-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "already_running", decodeBody(t, rec)["error"])

	rec = h.do(t, http.MethodPost, "/v1/units/u1/stop", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "failed", decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/v1/units/u1/status", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "u1", body["unit_id"])
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "crawling stopped by user", body["error_message"])
	require.NotEmpty(t, body["updated_at"])
}

func TestStartWithConfigOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/v1/units/u1/start", "owner-1", `{"config":{"urls":["https://other.example"]}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	entry, ok := h.queue.Inspect("u1")
	require.True(t, ok)
	require.JSONEq(t, `{"urls":["https://other.example"]}`, string(entry.Task.Config))
}

func TestStartRejectsBadBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	for _, body := range []string{`{invalid`, `{"config":[1]}`, `{"config":"x"}`} {
		rec := h.do(t, http.MethodPost, "/v1/units/u1/start", "owner-1", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
	}
	unit, err := h.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusPending, unit.Status)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	cases := []struct {
		name   string
		method string
		path   string
		owner  string
		status int
		code   string
	}{
		{"unknown unit", http.MethodGet, "/v1/units/missing/status", "owner-1", http.StatusNotFound, "not_found"},
		{"status other owner", http.MethodGet, "/v1/units/u1/status", "owner-2", http.StatusNotFound, "not_found"},
		{"start other owner", http.MethodPost, "/v1/units/u1/start", "owner-2", http.StatusNotFound, "not_found"},
		{"stop other owner", http.MethodPost, "/v1/units/u1/stop", "owner-2", http.StatusForbidden, "forbidden"},
		{"stop completed", http.MethodPost, "/v1/units/done/stop", "owner-1", http.StatusBadRequest, "not_running"},
		{"stop pending", http.MethodPost, "/v1/units/u1/stop", "owner-1", http.StatusBadRequest, "not_running"},
		{"no owner", http.MethodGet, "/v1/units/u1/status", "", http.StatusUnauthorized, "unauthenticated"},
	}
	for _, tc := range cases {
		rec := h.do(t, tc.method, tc.path, tc.owner, "")
		require.Equal(t, tc.status, rec.Code, tc.name)
		require.Equal(t, tc.code, decodeBody(t, rec)["error"], tc.name)
	}
}

type failingLifecycle struct{ err error }

func (f failingLifecycle) Start(context.Context, string, string, json.RawMessage) (audit.Task, error) {
	return audit.Task{}, f.err
}

func (f failingLifecycle) Stop(context.Context, string, string) (audit.Status, error) {
	return "", f.err
}

func (f failingLifecycle) Status(context.Context, string, string) (audit.Unit, error) {
	return audit.Unit{}, f.err
}

func TestQueueUnavailableHidesCause(t *testing.T) {
	t.Parallel()

	server := NewServer(failingLifecycle{err: audit.QueueUnavailable("enqueue", errors.New("dial tcp 10.0.0.1:6379: refused"))},
		nil, Config{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/units/u1/start", nil)
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "queue_unavailable", body["error"])
	require.Equal(t, "work queue unavailable during enqueue", body["details"])
	require.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestBearerAuthentication(t *testing.T) {
	t.Parallel()

	verifier, err := auth.NewVerifier(auth.Config{Secret: "s3cret"})
	require.NoError(t, err)
	h := newHarness(t, Config{Verifier: verifier})

	token, err := verifier.Sign("owner-1", time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/units/u1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The owner header is ignored once bearer auth is on.
	rec = h.do(t, http.MethodGet, "/v1/units/u1/status", "owner-1", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "credentials required", decodeBody(t, rec)["details"])

	req = httptest.NewRequest(http.MethodGet, "/v1/units/u1/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid credentials", decodeBody(t, rec)["details"])
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decodeBody(t, rec)["status"])

	server := NewServer(failingLifecycle{}, map[string]Pinger{"queue": downPinger{}}, Config{}, zap.NewNop())
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, map[string]any{"queue": "unavailable"}, decodeBody(t, rec)["checks"])
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get(requestIDHeader))

	rec = h.do(t, http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

type panickingLifecycle struct{ failingLifecycle }

func (panickingLifecycle) Status(context.Context, string, string) (audit.Unit, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(panickingLifecycle{}, nil, Config{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/units/u1/status", nil)
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
