package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanscrape/chanscrape/internal/ingestion"
	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/internal/source"
	"github.com/chanscrape/chanscrape/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type photoSource struct{ n int64 }

func (s *photoSource) Connect(ctx context.Context) error { return nil }
func (s *photoSource) Close() error { return nil }

func (s *photoSource) Messages(ctx context.Context, channel string) iter.Seq2[source.Message, error] {
	return func(yield func(source.Message, error) bool) {
		for i := int64(1); i <= s.n; i++ {
			msg := source.Message{ID: i, Text: "post", Media: source.Media{Kind: source.MediaPhoto, Ref: "p.jpg"}}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *photoSource) Download(ctx context.Context, msg source.Message, dest string) (string, error) {
	return dest, os.WriteFile(dest, []byte("jpeg"), 0o644)
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingRunner) Run(ctx context.Context, src source.Source, spec ingestion.RunSpec) (*ingestion.Output, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return &ingestion.Output{State: job.StateFinished}, nil
}

type testServer struct {
	handler *Handler
	router  *gin.Engine
	jobs    *job.Manager
}

func newTestServer(t *testing.T, runner Runner, apiKey string) *testServer {
	t.Helper()
	jobs := job.NewManager("telegram", job.NewMemoryStore())
	if runner == nil {
		runner = ingestion.New(storage.NewLocalStorage(t.TempDir()),
			ingestion.WithRecorder(jobs), ingestion.WithTempDir(t.TempDir()))
	}
	h := NewHandler(context.Background(), jobs, runner, func() source.Source { return &photoSource{n: 2} }, nil)
	return &testServer{handler: h, router: h.Router(apiKey, prometheus.NewRegistry()), jobs: jobs}
}

func (s *testServer) do(t *testing.T, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) job.Job {
	t.Helper()
	var j job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &j))
	return j
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil, "secret")
	w := s.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateListGetJob(t *testing.T) {
	s := newTestServer(t, nil, "")

	w := s.do(t, http.MethodPost, "/job?tracer_id=campaign-1&note=first")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJob(t, w)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, "telegram-1", created.Name)
	assert.Equal(t, job.StateCreated, created.State)
	assert.Equal(t, map[string]string{"note": "first"}, created.Args)

	w = s.do(t, http.MethodPost, "/job?tracer_id=campaign-1")
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/job")
	require.Equal(t, http.StatusOK, w.Code)
	var all []job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[1].ID)

	w = s.do(t, http.MethodGet, "/job/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "campaign-1", decodeJob(t, w).TracerID)
}

func TestJobErrors(t *testing.T) {
	s := newTestServer(t, nil, "")

	tests := []struct {
		method, target string
		want           int
	}{
		{http.MethodPost, "/job", http.StatusBadRequest},
		{http.MethodPost, "/job?tracer_id=..", http.StatusBadRequest},
		{http.MethodPost, "/job?tracer_id=.", http.StatusBadRequest},
		{http.MethodPost, "/job?tracer_id=a%2Fb", http.StatusBadRequest},
		{http.MethodGet, "/job/abc", http.StatusBadRequest},
		{http.MethodGet, "/job/42", http.StatusNotFound},
		{http.MethodPost, "/job/42/start?channel_name=c", http.StatusNotFound},
		{http.MethodPost, "/job/1/start", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := s.do(t, tc.method, tc.target)
		assert.Equal(t, tc.want, w.Code, "%s %s", tc.method, tc.target)
		assert.Contains(t, w.Body.String(), `"error"`)
	}
}

func TestEmptyJobList(t *testing.T) {
	s := newTestServer(t, nil, "")
	w := s.do(t, http.MethodGet, "/job")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestStartJobRunsPipeline(t *testing.T) {
	s := newTestServer(t, nil, "")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/job?tracer_id=tr").Code)

	w := s.do(t, http.MethodPost, "/job/1/start?channel_name=gcc_news")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, job.StateCreated, decodeJob(t, w).State)

	s.handler.Wait()

	w = s.do(t, http.MethodGet, "/job/1")
	require.Equal(t, http.StatusOK, w.Code)
	finished := decodeJob(t, w)
	assert.Equal(t, job.StateFinished, finished.State)
	assert.Len(t, finished.OutputLFNs, 2)
	assert.Empty(t, finished.Messages)

	w = s.do(t, http.MethodPost, "/job/1/start?channel_name=gcc_news")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartJobTwiceWhileRunning(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	s := newTestServer(t, runner, "")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/job?tracer_id=tr").Code)

	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/job/1/start?channel_name=c").Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/job/1/start?channel_name=c").Code)

	close(runner.release)
	s.handler.Wait()
	assert.Equal(t, 1, runner.calls)
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, nil, "secret")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/job").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/job", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/job", "X-API-Key", "secret").Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil, "secret")
	w := s.do(t, http.MethodOptions, "/job")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	jobs := job.NewManager("telegram", job.NewMemoryStore())
	reg := prometheus.NewRegistry()
	metrics := ingestion.NewMetrics(reg)
	runner := ingestion.New(storage.NewLocalStorage(t.TempDir()),
		ingestion.WithRecorder(jobs), ingestion.WithMetrics(metrics), ingestion.WithTempDir(t.TempDir()))
	h := NewHandler(context.Background(), jobs, runner, func() source.Source { return &photoSource{n: 1} }, nil)
	router := h.Router("", reg)

	_, err := jobs.Create(context.Background(), "tr", nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/job/1/start?channel_name=c", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	h.Wait()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chanscrape_pipeline_messages_total 1")
}
