package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/metrics"
	"github.com/browserd/browserd/internal/model"
)

type fakeRecorder struct {
	mu       sync.Mutex
	statuses map[string]string
	done     chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{statuses: map[string]string{}, done: make(chan struct{}, 16)}
}

func (r *fakeRecorder) SetWebhookStatus(requestID, status string) error {
	r.mu.Lock()
	r.statuses[requestID] = status
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *fakeRecorder) status(requestID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[requestID]
}

func (r *fakeRecorder) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never finished")
	}
}

func newTestDispatcher(rec *fakeRecorder, maxRetries int) (*Dispatcher, context.CancelFunc) {
	d := NewDispatcher(2*time.Second, maxRetries, rec, metrics.New(), zap.NewNop())
	d.backoffFn = func(int) time.Duration { return 10 * time.Millisecond }
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	return d, cancel
}

func payload(requestID string) *model.WebhookPayload {
	return &model.WebhookPayload{
		EventType:     "execution.completed",
		RequestID:     requestID,
		APIKeyID:      1,
		Status:        model.StatusCompleted,
		ExecutionTime: 1.25,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

func TestDeliverySuccess(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p model.WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got.Store(p)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d, cancel := newTestDispatcher(rec, 3)
	defer cancel()

	require.NoError(t, d.Enqueue(srv.URL, payload("req-1")))
	rec.waitDone(t)

	assert.Equal(t, "sent", rec.status("req-1"))
	p := got.Load().(model.WebhookPayload)
	assert.Equal(t, "req-1", p.RequestID)
	assert.Equal(t, model.StatusCompleted, p.Status)
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	var bodies sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var p model.WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		bodies.Store(n, p)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d, cancel := newTestDispatcher(rec, 3)
	defer cancel()

	require.NoError(t, d.Enqueue(srv.URL, payload("req-1")))
	rec.waitDone(t)

	assert.Equal(t, "sent", rec.status("req-1"))
	assert.Equal(t, int32(3), calls.Load())

	// The payload is identical across retries.
	first, _ := bodies.Load(int32(1))
	last, _ := bodies.Load(int32(3))
	assert.Equal(t, first, last)
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d, cancel := newTestDispatcher(rec, 3)
	defer cancel()

	require.NoError(t, d.Enqueue(srv.URL, payload("req-1")))
	rec.waitDone(t)

	assert.Equal(t, "failed", rec.status("req-1"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d, cancel := newTestDispatcher(rec, 3)
	defer cancel()

	require.NoError(t, d.Enqueue(srv.URL, payload("req-1")))
	rec.waitDone(t)

	assert.Equal(t, "sent", rec.status("req-1"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAttemptsBoundedByMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d, cancel := newTestDispatcher(rec, 2)
	defer cancel()

	require.NoError(t, d.Enqueue(srv.URL, payload("req-1")))
	rec.waitDone(t)

	assert.Equal(t, "failed", rec.status("req-1"))
	assert.Equal(t, int32(3), calls.Load(), "max_webhook_retries + 1 attempts")
}

func TestNetworkErrorRetries(t *testing.T) {
	rec := newFakeRecorder()
	d, cancel := newTestDispatcher(rec, 1)
	defer cancel()

	// Nothing listens here.
	require.NoError(t, d.Enqueue("http://127.0.0.1:1/hook", payload("req-1")))
	rec.waitDone(t)
	assert.Equal(t, "failed", rec.status("req-1"))
}

func TestBackoffCap(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(1))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 32*time.Second, backoff(5))
	assert.Equal(t, 60*time.Second, backoff(6))
	assert.Equal(t, 60*time.Second, backoff(50))
}

func TestStopDropsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d := NewDispatcher(time.Second, 5, rec, metrics.New(), zap.NewNop())
	d.backoffFn = func(int) time.Duration { return time.Hour }
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	require.NoError(t, d.Enqueue(srv.URL, payload("req-1")))
	require.Eventually(t, func() bool { return d.Pending() == 1 },
		5*time.Second, 10*time.Millisecond, "first attempt should park a retry")

	cancel()
	d.Wait()
	assert.Equal(t, 1, d.Pending(), "retries are not resumed, simply dropped")
}
