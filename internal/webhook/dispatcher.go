// Package webhook delivers completion callbacks with bounded retry. The
// retry queue is a single-owner heap keyed on next-attempt time; other
// components only enqueue. Pending retries are in-memory only and do not
// survive restart.
package webhook

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/metrics"
	"github.com/browserd/browserd/internal/model"
)

// StatusRecorder writes the delivery outcome back onto the job.
type StatusRecorder interface {
	SetWebhookStatus(requestID, status string) error
}

type delivery struct {
	requestID   string
	url         string
	payload     []byte // frozen at enqueue; identical across retries
	attempt     int    // attempts made so far
	nextAttempt time.Time
	index       int
}

type deliveryHeap []*delivery

func (h deliveryHeap) Len() int            { return len(h) }
func (h deliveryHeap) Less(i, j int) bool  { return h[i].nextAttempt.Before(h[j].nextAttempt) }
func (h deliveryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deliveryHeap) Push(x any)         { d := x.(*delivery); d.index = len(*h); *h = append(*h, d) }
func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

// Dispatcher owns outbound deliveries. Start once; Enqueue from any
// goroutine.
type Dispatcher struct {
	client     *http.Client
	maxRetries int
	recorder   StatusRecorder
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu      sync.Mutex
	pending deliveryHeap
	wake    chan struct{}

	wg sync.WaitGroup

	backoffFn func(attempt int) time.Duration
}

func NewDispatcher(timeout time.Duration, maxRetries int, recorder StatusRecorder, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		recorder:   recorder,
		metrics:    m,
		log:        log,
		wake:       make(chan struct{}, 1),
		backoffFn:  backoff,
	}
}

// Enqueue freezes the payload and schedules an immediate first attempt.
// Called only after the job's terminal state is in the store.
func (d *Dispatcher) Enqueue(url string, payload *model.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload for %s: %w", payload.RequestID, err)
	}
	d.mu.Lock()
	heap.Push(&d.pending, &delivery{
		requestID:   payload.RequestID,
		url:         url,
		payload:     body,
		nextAttempt: time.Now(),
	})
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the delivery loop. It stops when ctx is canceled; pending
// retries at that point are dropped (accepted loss).
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Wait blocks until the delivery loop has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) run(ctx context.Context) {
	for {
		d.mu.Lock()
		var due *delivery
		wait := time.Hour
		if len(d.pending) > 0 {
			next := d.pending[0].nextAttempt
			if w := time.Until(next); w <= 0 {
				due = heap.Pop(&d.pending).(*delivery)
			} else {
				wait = w
			}
		}
		d.mu.Unlock()

		if due != nil {
			d.attempt(ctx, due)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// attempt performs one POST and either records the outcome or reschedules.
func (d *Dispatcher) attempt(ctx context.Context, dv *delivery) {
	dv.attempt++

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dv.url, bytes.NewReader(dv.payload))
	if err != nil {
		d.log.Warn("building webhook request",
			zap.String("request_id", dv.requestID), zap.Error(err))
		d.finish(dv, "failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	retryable := false
	switch {
	case err != nil:
		retryable = true
		d.log.Warn("webhook attempt failed",
			zap.String("request_id", dv.requestID),
			zap.Int("attempt", dv.attempt), zap.Error(err))
	default:
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if d.metrics != nil {
				d.metrics.WebhookAttempts.WithLabelValues("sent").Inc()
			}
			d.finish(dv, "sent")
			return
		}
		retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		d.log.Warn("webhook rejected",
			zap.String("request_id", dv.requestID),
			zap.Int("attempt", dv.attempt),
			zap.Int("status", resp.StatusCode))
	}

	if d.metrics != nil {
		d.metrics.WebhookAttempts.WithLabelValues("error").Inc()
	}

	// Total attempts are bounded by maxRetries + 1.
	if !retryable || dv.attempt > d.maxRetries {
		d.finish(dv, "failed")
		return
	}

	dv.nextAttempt = time.Now().Add(d.backoffFn(dv.attempt))
	d.mu.Lock()
	heap.Push(&d.pending, dv)
	d.mu.Unlock()
}

func (d *Dispatcher) finish(dv *delivery, status string) {
	if err := d.recorder.SetWebhookStatus(dv.requestID, status); err != nil {
		d.log.Warn("recording webhook status",
			zap.String("request_id", dv.requestID), zap.Error(err))
	}
}

// backoff is exponential with a 60 second cap.
func backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// Pending reports the number of deliveries waiting or retrying.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
