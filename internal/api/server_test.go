package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/browser/browsertest"
	"github.com/JakeFAU/realtime-scraper/internal/config"
	"github.com/JakeFAU/realtime-scraper/internal/dispatcher"
	queueMemory "github.com/JakeFAU/realtime-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/storage/memory"
)

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	jobStore := memory.NewJobStore()
	q := queueMemory.NewQueue(10)
	server := NewServer(jobStore, dispatcher.New(q, nil, nil), &fakeIDGen{ids: []string{"job-a"}},
		&fakeClock{now: time.Unix(100, 0)}, nil, config.Config{}, zap.NewNop())

	body := `{"job_kind":"wikipedia","user_id":"u1","url":"https://en.wikipedia.org/wiki/Go"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"job-a"}, resp.JobIDs)
	assert.Equal(t, "queued", resp.Status)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-a", item.ID)
	var queued scrape.Job
	require.NoError(t, json.Unmarshal(item.Body, &queued))
	assert.Equal(t, scrape.JobKindWikipedia, queued.Kind)

	stored, err := jobStore.GetJob(context.Background(), "job-a")
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusQueued, stored.Status)
	assert.Equal(t, time.Unix(100, 0), stored.Submitted)
}

func TestServer_SubmitJob_Batch(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue(10)
	server := NewServer(memory.NewJobStore(), dispatcher.New(q, nil, nil), &fakeIDGen{ids: []string{"gen-1"}},
		&fakeClock{now: time.Unix(100, 0)}, nil, config.Config{}, zap.NewNop())

	body := `[
		{"job_id":"given","job_kind":"news","user_id":"u1","url":"https://news.example.com/a"},
		{"job_kind":"news","user_id":"u2","url":"https://news.example.com/b"}
	]`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"given", "gen-1"}, resp.JobIDs)
	assert.Equal(t, 2, q.Len())
}

func TestServer_SubmitJob_ValidationErrors(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue(10)
	server := NewServer(memory.NewJobStore(), dispatcher.New(q, nil, nil), &fakeIDGen{},
		&fakeClock{}, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	body := `{"job_kind":"video","user_id":"u1","url":"not a url"}`
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid job", resp.Error)
	fields := make([]string, 0, len(resp.ValidationErrors))
	for _, issue := range resp.ValidationErrors {
		fields = append(fields, issue.Field)
	}
	assert.ElementsMatch(t, []string{"job_kind", "url"}, fields)
	assert.Zero(t, q.Len(), "rejected jobs are never queued")
}

func TestServer_SubmitJob_InvalidJSONAndEmptyBatch(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	for _, body := range []string{"{invalid", "[]"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestServer_SubmitJob_Duplicate(t *testing.T) {
	t.Parallel()

	jobStore := memory.NewJobStore()
	require.NoError(t, jobStore.CreateJob(context.Background(), scrape.JobRecord{ID: "dup"}))
	server := newTestServerWithStore(jobStore)

	body := `{"job_id":"dup","job_kind":"news","user_id":"u1","url":"https://news.example.com/a"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_SubmitJob_EnqueueFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	jobStore := memory.NewJobStore()
	server := NewServer(jobStore, failingEnqueuer{}, &fakeIDGen{ids: []string{"job-x"}},
		&fakeClock{now: time.Unix(1, 0)}, nil, config.Config{}, zap.NewNop())

	body := `{"job_kind":"news","user_id":"u1","url":"https://news.example.com/a"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	stored, err := jobStore.GetJob(context.Background(), "job-x")
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusFailed, stored.Status)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	jobStore := memory.NewJobStore()
	require.NoError(t, jobStore.CreateJob(context.Background(), scrape.JobRecord{
		ID: "job-1", Kind: scrape.JobKindNews, UserID: "u1", URL: "https://news.example.com/a",
	}))
	server := newTestServerWithStore(jobStore)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Job scrape.JobRecord `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.Job.ID)
	assert.Equal(t, scrape.JobStatusQueued, resp.Job.Status)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	manager := browser.New(&browsertest.Launcher{}, nil, nil, nil, nil, browser.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })
	server := NewServer(memory.NewJobStore(), dispatcher.New(queueMemory.NewQueue(1), nil, nil), &fakeIDGen{},
		&fakeClock{}, manager, config.Config{}, zap.NewNop())

	get := func() map[string]string {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}
	assert.Equal(t, "cold", get()["browser"])

	h, err := manager.Acquire(context.Background())
	require.NoError(t, err)
	ready := get()
	assert.Equal(t, "up", ready["browser"])
	assert.Equal(t, h.SessionID(), ready["session_id"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	jobStore := memory.NewJobStore()
	require.NoError(t, jobStore.CreateJob(context.Background(), scrape.JobRecord{ID: "job-1"}))
	server := NewServer(jobStore, dispatcher.New(queueMemory.NewQueue(1), nil, nil), &fakeIDGen{},
		&fakeClock{now: time.Unix(100, 0)}, nil, cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	newTestServer().Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
	n   int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) > 0 {
		id := f.ids[0]
		f.ids = f.ids[1:]
		return id, nil
	}
	f.n++
	return fmt.Sprintf("job-%d", f.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, scrape.Job) error {
	return errors.New("queue unavailable")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func TestServer_WithoutEnqueuerServesProbesOnly(t *testing.T) {
	t.Parallel()

	server := NewServer(memory.NewJobStore(), nil, &fakeIDGen{}, &fakeClock{}, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := `{"job_kind":"news","user_id":"u1","url":"https://news.example.com/a"}`
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func newTestServer() *Server {
	return newTestServerWithStore(memory.NewJobStore())
}

func newTestServerWithStore(jobStore scrape.JobStore) *Server {
	return NewServer(
		jobStore,
		dispatcher.New(queueMemory.NewQueue(10), nil, nil),
		&fakeIDGen{},
		&fakeClock{now: time.Unix(100, 0)},
		nil,
		config.Config{},
		zap.NewNop(),
	)
}
