// Package executor runs the worker pool: N workers consume the priority
// queue, lease a browser per job, run the script with recording and
// resource accounting, and write the terminal state before the webhook is
// enqueued.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/browser"
	"github.com/browserd/browserd/internal/metrics"
	"github.com/browserd/browserd/internal/model"
	"github.com/browserd/browserd/internal/queue"
	"github.com/browserd/browserd/internal/script"
)

// Store is the slice of the job store the executor writes to.
type Store interface {
	MarkRunning(requestID string, queueWait float64) error
	Complete(requestID string, res *model.Result) error
}

// Pool hands out leased browsers.
type Pool interface {
	Acquire(ctx context.Context) (browser.Browser, error)
	Release(b browser.Browser)
	Available() int
}

// Engine evaluates one script against a page.
type Engine interface {
	Run(ctx context.Context, scriptSrc string, page browser.Page, timeout time.Duration) (json.RawMessage, error)
}

// VideoStore places finished recordings.
type VideoStore interface {
	TempPath(requestID string) string
	Place(requestID, srcPath string) (relPath string, sizeMB float64, err error)
}

// Notifier enqueues completion callbacks. Called only after the terminal
// state is durable.
type Notifier interface {
	Enqueue(url string, payload *model.WebhookPayload) error
}

// Config carries the executor's tunables.
type Config struct {
	Workers          int
	MaxExecutionTime time.Duration // global ceiling on per-job timeout
	ViewportWidth    int
	ViewportHeight   int
}

// Executor owns the worker goroutines. Workers observe the stop flag
// between jobs; in-flight jobs get a grace period on shutdown.
type Executor struct {
	cfg     Config
	queue   *queue.Queue
	store   Store
	pool    Pool
	engine  Engine
	videos  VideoStore
	breaker *Breaker
	notify  Notifier
	metrics *metrics.Metrics
	log     *zap.Logger

	sampler func() (resourceSample, error)

	dequeueCtx  context.Context
	stopDequeue context.CancelFunc
	jobsCtx     context.Context
	stopJobs    context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, q *queue.Queue, st Store, pool Pool, eng Engine, vids VideoStore,
	breaker *Breaker, notify Notifier, m *metrics.Metrics, log *zap.Logger) (*Executor, error) {
	sampler, err := newProcessSampler()
	if err != nil {
		return nil, fmt.Errorf("creating resource sampler: %w", err)
	}
	return &Executor{
		cfg:     cfg,
		queue:   q,
		store:   st,
		pool:    pool,
		engine:  eng,
		videos:  vids,
		breaker: breaker,
		notify:  notify,
		metrics: m,
		log:     log,
		sampler: sampler,
	}, nil
}

// Breaker exposes the circuit breaker so submission can consult it.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Start launches the workers. ctx cancellation stops dequeueing, like
// Shutdown but without the grace handling.
func (e *Executor) Start(ctx context.Context) {
	e.dequeueCtx, e.stopDequeue = context.WithCancel(ctx)
	e.jobsCtx, e.stopJobs = context.WithCancel(context.Background())

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.worker(id)
		}(i)
	}
	e.log.Info("executor started", zap.Int("workers", e.cfg.Workers))
}

// Shutdown stops dequeueing and waits up to grace for in-flight jobs to
// reach a terminal state, then cancels their contexts and waits for the
// workers to finish writing.
func (e *Executor) Shutdown(grace time.Duration) {
	e.stopDequeue()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.log.Warn("grace period elapsed, canceling in-flight jobs")
		e.stopJobs()
		<-done
	}
	e.stopJobs()
}

func (e *Executor) worker(id int) {
	log := e.log.With(zap.Int("worker", id))
	for {
		job, err := e.queue.Dequeue(e.dequeueCtx)
		if err != nil {
			log.Debug("worker stopping", zap.Error(err))
			return
		}
		e.metrics.QueueDepth.Set(float64(e.queue.Len()))
		e.execute(log, job)
	}
}

// execute drives one job from RUNNING to a terminal state. It never
// returns before the terminal state is written and, when configured, the
// webhook enqueued.
func (e *Executor) execute(log *zap.Logger, job *model.Job) {
	log = log.With(zap.String("request_id", job.RequestID))

	queueWait := time.Since(job.CreatedAt).Seconds()
	if err := e.store.MarkRunning(job.RequestID, queueWait); err != nil {
		// The row must not stay QUEUED with no worker coming back for it.
		log.Error("marking job running", zap.Error(err))
		res := &model.Result{
			Status:        model.StatusFailed,
			QueueWaitTime: queueWait,
			Error:         fmt.Sprintf("starting job: %v", err),
		}
		if cerr := e.store.Complete(job.RequestID, res); cerr != nil {
			log.Error("writing terminal state", zap.Error(cerr))
		}
		e.metrics.ExecutionsTotal.WithLabelValues(string(res.Status)).Inc()
		if job.WebhookURL != "" {
			if nerr := e.notify.Enqueue(job.WebhookURL, e.buildPayload(job, res)); nerr != nil {
				log.Warn("enqueueing webhook", zap.Error(nerr))
			}
		}
		return
	}
	e.metrics.RunningJobs.Inc()
	defer e.metrics.RunningJobs.Dec()

	timeout := time.Duration(job.Timeout) * time.Second
	if timeout > e.cfg.MaxExecutionTime {
		timeout = e.cfg.MaxExecutionTime
	}

	// The slack lets the engine classify its own timeout before the
	// context kills the browser operations underneath it.
	jobCtx, cancel := context.WithTimeout(e.jobsCtx, timeout+5*time.Second)
	defer cancel()

	res := &model.Result{QueueWaitTime: queueWait}
	start := time.Now()

	runErr := e.runInBrowser(jobCtx, log, job, timeout, res)
	res.ExecutionTime = time.Since(start).Seconds()

	switch {
	case runErr == nil:
		res.Status = model.StatusCompleted
	case errors.Is(runErr, script.ErrTimeout):
		res.Status = model.StatusTimeout
		res.Error = runErr.Error()
	default:
		res.Status = model.StatusFailed
		res.Error = runErr.Error()
		// Only a failure that is the cancellation itself reads as an
		// interrupted job; a genuine script error racing shutdown keeps
		// its own message.
		if e.jobsCtx.Err() != nil && errors.Is(runErr, context.Canceled) {
			res.Error = "shutdown"
		}
	}

	// Terminal write happens before the webhook so external observers
	// never see a callback that disagrees with the store.
	if err := e.store.Complete(job.RequestID, res); err != nil {
		log.Error("writing terminal state", zap.Error(err))
	}

	e.recordBreaker(job, runErr)
	e.metrics.ExecutionsTotal.WithLabelValues(string(res.Status)).Inc()
	e.metrics.ExecutionDuration.Observe(res.ExecutionTime)
	e.metrics.BrowsersAvailable.Set(float64(e.pool.Available()))

	log.Info("job finished",
		zap.String("status", string(res.Status)),
		zap.Float64("execution_time", res.ExecutionTime),
		zap.Float64("queue_wait", res.QueueWaitTime))

	if job.WebhookURL != "" {
		if err := e.notify.Enqueue(job.WebhookURL, e.buildPayload(job, res)); err != nil {
			log.Warn("enqueueing webhook", zap.Error(err))
		}
	}
}

// runInBrowser leases a browser, opens the recorded context and runs the
// script. Fills res with artifact and accounting data; the returned error
// decides the terminal status.
func (e *Executor) runInBrowser(ctx context.Context, log *zap.Logger, job *model.Job, timeout time.Duration, res *model.Result) error {
	b, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring browser: %w", err)
	}
	defer e.pool.Release(b)

	bctx, err := b.NewContext(ctx, browser.ContextOptions{
		Width:     e.cfg.ViewportWidth,
		Height:    e.cfg.ViewportHeight,
		UserAgent: job.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("opening browser context: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return fmt.Errorf("opening page: %w", err)
	}
	defer page.Close()

	// Recording is best effort; the job proceeds without it.
	tmpPath := e.videos.TempPath(job.RequestID)
	stopRec, recErr := page.Record(tmpPath)
	if recErr != nil {
		log.Warn("starting recording", zap.Error(recErr))
	}

	baseline, baseErr := e.sampler()
	if baseErr != nil {
		log.Warn("sampling baseline resources", zap.Error(baseErr))
	}

	out, runErr := e.engine.Run(ctx, job.Script, page, timeout)

	if after, err := e.sampler(); err == nil && baseErr == nil {
		if d := after.RSSMB - baseline.RSSMB; d > 0 {
			res.MemoryPeakMB = d
		}
		if d := after.CPUMS - baseline.CPUMS; d > 0 {
			res.CPUTimeMS = d
		}
	}

	// Flush the recording even on timeout or script failure; the
	// partial artifact is still persisted.
	if recErr == nil {
		if err := stopRec(); err != nil {
			log.Warn("finalizing recording", zap.Error(err))
		} else if rel, sizeMB, err := e.videos.Place(job.RequestID, tmpPath); err != nil {
			log.Warn("placing recording", zap.Error(err))
		} else {
			res.VideoPath = rel
			res.VideoSizeMB = sizeMB
		}
	}

	if runErr != nil {
		return runErr
	}
	res.ResultJSON = out
	return nil
}

// recordBreaker updates the circuit breaker. Only script-caused outcomes
// count: infrastructure failures (no browser) say nothing about the script.
func (e *Executor) recordBreaker(job *model.Job, runErr error) {
	switch {
	case runErr == nil:
		e.breaker.RecordSuccess(job.ScriptHash)
	case errors.Is(runErr, model.ErrBrowserUnavailable):
	case e.jobsCtx.Err() != nil:
	default:
		e.breaker.RecordFailure(job.ScriptHash)
	}
}

func (e *Executor) buildPayload(job *model.Job, res *model.Result) *model.WebhookPayload {
	p := &model.WebhookPayload{
		EventType:     "execution." + string(res.Status),
		RequestID:     job.RequestID,
		APIKeyID:      job.APIKeyID,
		Status:        res.Status,
		ExecutionTime: res.ExecutionTime,
		Error:         res.Error,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	// The download route is /video/{id}/{token}; the consumer appends its
	// own API key token, which is never embedded in the payload.
	if res.VideoPath != "" {
		p.VideoURL = "/video/" + job.RequestID
	}
	if res.Status == model.StatusCompleted {
		p.Result = res.ResultJSON
	}
	return p
}
