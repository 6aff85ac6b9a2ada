package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/cleanup"
	"github.com/browserd/browserd/internal/executor"
	"github.com/browserd/browserd/internal/health"
	"github.com/browserd/browserd/internal/metrics"
	"github.com/browserd/browserd/internal/model"
	"github.com/browserd/browserd/internal/queue"
	"github.com/browserd/browserd/internal/store"
	"github.com/browserd/browserd/internal/validate"
	"github.com/browserd/browserd/internal/video"
)

const validScript = `async function main(page) { return 1; }`

type fakeChecker struct{ report *health.Report }

func (f *fakeChecker) Check() *health.Report { return f.report }

type fakeCleaner struct{ ran bool }

func (f *fakeCleaner) Run() *cleanup.Result {
	f.ran = true
	return &cleanup.Result{VideosRemoved: 1, RowsPurged: 2}
}

type fixture struct {
	mux     *http.ServeMux
	store   *store.Store
	queue   *queue.Queue
	breaker *executor.Breaker
	videos  *video.Store
	checker *fakeChecker
	cleaner *fakeCleaner

	adminKey string
	userKey  string
	userID   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		queue:    queue.New(4),
		breaker:  executor.NewBreaker(),
		checker:  &fakeChecker{report: &health.Report{Status: health.StatusHealthy, Timestamp: time.Now()}},
		cleaner:  &fakeCleaner{},
		adminKey: "admin-secret",
		userKey:  "user-secret",
	}
	f.videos, err = video.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	_, err = st.EnsureAdminKey(f.adminKey)
	require.NoError(t, err)
	f.userID, err = st.CreateAPIKey(f.userKey, "user", "execute,videos", 60)
	require.NoError(t, err)

	srv := New(Config{Workers: 2, TopN: 5}, st, f.queue, validate.New(50_000),
		f.breaker, f.videos, f.checker, f.cleaner, metrics.New(), zap.NewNop())
	f.mux = http.NewServeMux()
	srv.Register(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return &v
}

func submitBody(script string) map[string]any {
	return map[string]any{"script": script, "timeout": 30, "priority": 3}
}

func TestSubmitAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/execute", f.userKey, submitBody(validScript))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[model.SubmitResponse](t, rec)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, model.StatusQueued, resp.Status)
	assert.Equal(t, 1, resp.QueuePosition)
	assert.Greater(t, resp.EstimatedWait, 0.0)

	// The row and the queue entry commit together.
	exec, err := f.store.GetExecution(resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, exec.Status)
	assert.Equal(t, f.userID, exec.APIKeyID)
	assert.Equal(t, 1, f.queue.Len())
}

func TestSubmitRequiresKey(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodPost, "/execute", "", submitBody(validScript)).Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodPost, "/execute", "bogus", submitBody(validScript)).Code)
}

func TestSubmitScopeEnforced(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateAPIKey("videos-only", "ro", "videos", 60)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPost, "/execute", "videos-only", submitBody(validScript)).Code)
}

func TestSubmitValidationFailure(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"script": validScript, "timeout": 5, "priority": 3}
	rec := f.do(t, http.MethodPost, "/execute", f.userKey, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[errorResponse](t, rec)
	assert.NotEmpty(t, resp.Reasons)
	assert.Zero(t, f.queue.Len())
}

func TestSubmitQueueFull(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		rec := f.do(t, http.MethodPost, "/execute", f.userKey, submitBody(validScript))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/execute", f.userKey, submitBody(validScript))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitBlockedByBreaker(t *testing.T) {
	f := newFixture(t)
	hash := model.Fingerprint(validScript)
	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure(hash)
	}
	rec := f.do(t, http.MethodPost, "/execute", f.userKey, submitBody(validScript))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, f.queue.Len())
}

func TestValidateEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/validate", f.userKey, map[string]any{"script": validScript})
	require.Equal(t, http.StatusOK, rec.Code)
	analysis := decode[model.ScriptAnalysis](t, rec)
	assert.True(t, analysis.Valid)

	rec = f.do(t, http.MethodPost, "/validate", f.userKey, map[string]any{"script": "function main() {}"})
	require.Equal(t, http.StatusOK, rec.Code, "analysis of a bad script is still a 200")
	analysis = decode[model.ScriptAnalysis](t, rec)
	assert.False(t, analysis.Valid)
	assert.Zero(t, f.queue.Len(), "validate never creates a job")
}

func TestQueueStatus(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted,
			f.do(t, http.MethodPost, "/execute", f.userKey, submitBody(validScript)).Code)
	}

	rec := f.do(t, http.MethodGet, "/queue/status", f.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[queueStatusResponse](t, rec)
	assert.Equal(t, 2, resp.Queued)
	assert.Equal(t, 4, resp.Capacity)
	assert.Len(t, resp.Top, 2)
}

// seedExecution inserts a terminal job owned by keyID, optionally with a
// placed recording.
func (f *fixture) seedExecution(t *testing.T, requestID string, keyID int64, withVideo bool) {
	t.Helper()
	job := &model.Job{
		RequestID:  requestID,
		APIKeyID:   keyID,
		Script:     validScript,
		ScriptHash: model.Fingerprint(validScript),
		ScriptSize: len(validScript),
		Timeout:    30,
		Priority:   3,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.store.InsertJob(job))
	require.NoError(t, f.store.MarkRunning(requestID, 0.1))

	res := &model.Result{Status: model.StatusCompleted, ExecutionTime: 1.5, ResultJSON: []byte(`{"ok":true}`)}
	if withVideo {
		tmp := f.videos.TempPath(requestID)
		require.NoError(t, os.WriteFile(tmp, []byte("webm-bytes"), 0o644))
		rel, sizeMB, err := f.videos.Place(requestID, tmp)
		require.NoError(t, err)
		res.VideoPath = rel
		res.VideoSizeMB = sizeMB
	}
	require.NoError(t, f.store.Complete(requestID, res))
}

func TestStatusEndpointOwnership(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "req-1", f.userID, false)
	_, err := f.store.CreateAPIKey("other", "other", "execute", 60)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/status/req-1", f.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decode[model.Execution](t, rec)
	assert.Equal(t, model.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(exec.Result))

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/status/req-1", "other", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/status/req-1", f.adminKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/status/nope", f.userKey, nil).Code)
}

func TestVideoDownload(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "req-1", f.userID, true)

	rec := f.do(t, http.MethodGet, "/video/req-1/"+f.userKey, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/webm", rec.Header().Get("Content-Type"))
	assert.Equal(t, "webm-bytes", rec.Body.String())
}

func TestVideoDownloadAuth(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "req-1", f.userID, true)
	_, err := f.store.CreateAPIKey("other", "other", "execute,videos", 60)
	require.NoError(t, err)

	// Unknown identity: 401. Non-owner: 403. Admin: allowed.
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/video/req-1/bogus", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/video/req-1/other", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/video/req-1/"+f.adminKey, "", nil).Code)
}

func TestVideoMissingArtifact(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "req-1", f.userID, false)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/video/req-1/"+f.userKey, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/video/nope/"+f.userKey, "", nil).Code)
}

func TestVideoInfo(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "req-1", f.userID, true)
	f.seedExecution(t, "req-2", f.userID, false)

	rec := f.do(t, http.MethodGet, "/video/req-1/info", f.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[model.VideoInfo](t, rec)
	assert.True(t, info.Exists)
	assert.Equal(t, "req-1", info.RequestID)

	rec = f.do(t, http.MethodGet, "/video/req-2/info", f.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info = decode[model.VideoInfo](t, rec)
	assert.False(t, info.Exists, "reclaimed artifact is not a broken link")
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[health.Report](t, rec)
	assert.Equal(t, health.StatusHealthy, report.Status)

	f.checker.report = &health.Report{Status: health.StatusUnhealthy}
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "browserd_")
}

func TestAdminCleanup(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodDelete, "/admin/videos/cleanup", f.userKey, nil).Code)

	rec := f.do(t, http.MethodDelete, "/admin/videos/cleanup", f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[cleanup.Result](t, rec)
	assert.Equal(t, 1, res.VideosRemoved)
	assert.True(t, f.cleaner.ran)
}

func TestAdminAnalytics(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "req-1", f.userID, false)

	rec := f.do(t, http.MethodGet, "/admin/analytics?days=7", f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a := decode[store.Analytics](t, rec)
	assert.Equal(t, 1, a.TotalExecutions)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/admin/analytics?days=0", f.adminKey, nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodGet, "/admin/analytics", f.userKey, nil).Code)
}

func TestEstimateWait(t *testing.T) {
	assert.Equal(t, 5.0, estimateWait(1, 2, 5.0), "first in line waits only its own runtime")
	assert.Equal(t, fmt.Sprintf("%.1f", 20.0), fmt.Sprintf("%.1f", estimateWait(3, 1, 0)))
	assert.Equal(t, fmt.Sprintf("%.1f", 10.0), fmt.Sprintf("%.1f", estimateWait(3, 2, 0)))
}
