// Package server is the HTTP surface: submission, validation, queue and
// video reads, health, metrics and the admin endpoints. Handlers stay
// thin; the pipeline components behind the interfaces do the work.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/cleanup"
	"github.com/browserd/browserd/internal/health"
	"github.com/browserd/browserd/internal/metrics"
	"github.com/browserd/browserd/internal/model"
	"github.com/browserd/browserd/internal/queue"
	"github.com/browserd/browserd/internal/store"
	"github.com/browserd/browserd/internal/video"
)

// JobStore is the persistence surface the handlers need.
type JobStore interface {
	InsertJob(job *model.Job) error
	GetExecution(requestID string) (*model.Execution, error)
	CountByStatus(status model.Status) (int, error)
	GetAPIKey(keyValue string) (*model.APIKey, error)
	TouchAPIKey(id int64) error
	GetAnalytics(days int) (*store.Analytics, error)
}

// Validator checks a submission before it is accepted.
type Validator interface {
	CheckRequest(req *model.ScriptRequest) (*model.ScriptAnalysis, error)
	Analyze(script string) *model.ScriptAnalysis
}

// Breaker gates submissions by script fingerprint.
type Breaker interface {
	Allow(fingerprint string) bool
}

// Cleaner force-runs a retention pass.
type Cleaner interface {
	Run() *cleanup.Result
}

// Checker builds the health report.
type Checker interface {
	Check() *health.Report
}

// Config carries the server's tunables.
type Config struct {
	Workers int // used for the advisory wait estimate
	TopN    int // queue items exposed by /queue/status
}

// Server wires the handlers. Build with New, attach with Register.
type Server struct {
	cfg       Config
	store     JobStore
	queue     *queue.Queue
	validator Validator
	breaker   Breaker
	videos    *video.Store
	checker   Checker
	cleaner   Cleaner
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(cfg Config, st JobStore, q *queue.Queue, v Validator, b Breaker,
	videos *video.Store, checker Checker, cleaner Cleaner, m *metrics.Metrics, log *zap.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		validator: v,
		breaker:   b,
		videos:    videos,
		checker:   checker,
		cleaner:   cleaner,
		metrics:   m,
		log:       log,
	}
}

// Register attaches all routes. Health and metrics are open; everything
// else goes through the API-key middleware.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /execute", s.auth("execute", s.handleExecute))
	mux.Handle("POST /validate", s.auth("execute", s.handleValidate))
	mux.Handle("GET /queue/status", s.auth("execute", s.handleQueueStatus))
	mux.Handle("GET /status/{id}", s.auth("execute", s.handleStatus))
	mux.HandleFunc("GET /video/{id}/info", s.auth("videos", s.handleVideoInfo))
	mux.HandleFunc("GET /video/{id}/{token}", s.handleVideo)
	mux.Handle("GET /health", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("DELETE /admin/videos/cleanup", s.auth("admin", s.handleCleanup))
	mux.Handle("GET /admin/analytics", s.auth("admin", s.handleAnalytics))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)

	var req model.ScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Reasons: []string{"invalid JSON body"}})
		return
	}

	analysis, err := s.validator.CheckRequest(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	hash := model.Fingerprint(req.Script)
	if !s.breaker.Allow(hash) {
		s.metrics.ScriptsBlocked.Inc()
		s.writeError(w, model.ErrScriptBlocked)
		return
	}

	job := &model.Job{
		RequestID:  uuid.NewString(),
		APIKeyID:   key.ID,
		Script:     req.Script,
		ScriptHash: hash,
		ScriptSize: len(req.Script),
		Timeout:    req.Timeout,
		Priority:   req.Priority,
		WebhookURL: req.WebhookURL,
		Tags:       req.Tags,
		UserAgent:  req.UserAgent,
		CreatedAt:  time.Now().UTC(),
	}

	// Insert and enqueue commit together; a full queue rejects before the
	// row exists.
	if err := s.queue.EnqueueWith(job, func() error { return s.store.InsertJob(job) }); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))

	pos := s.queue.Position(job.Priority)
	s.writeJSON(w, http.StatusAccepted, &model.SubmitResponse{
		RequestID:     job.RequestID,
		Status:        model.StatusQueued,
		QueuePosition: pos,
		EstimatedWait: estimateWait(pos, s.cfg.Workers, analysis.EstimatedDuration),
	})
}

// estimateWait is the advisory wait in seconds: jobs ahead of this one
// spread across the workers, plus the script's own estimated runtime.
func estimateWait(position, workers int, ownEstimate float64) float64 {
	const avgJobSeconds = 10.0
	ahead := position - 1
	if ahead < 0 {
		ahead = 0
	}
	return float64(ahead)*avgJobSeconds/float64(workers) + ownEstimate
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req model.ScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Reasons: []string{"invalid JSON body"}})
		return
	}
	s.writeJSON(w, http.StatusOK, s.validator.Analyze(req.Script))
}

type queueStatusResponse struct {
	Queued   int          `json:"queued"`
	Running  int          `json:"running"`
	Capacity int          `json:"capacity"`
	Top      []queue.Item `json:"top"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	running, err := s.store.CountByStatus(model.StatusRunning)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &queueStatusResponse{
		Queued:   s.queue.Len(),
		Running:  running,
		Capacity: s.queue.Capacity(),
		Top:      s.queue.Snapshot(s.cfg.TopN),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := keyFrom(r)
	if exec.APIKeyID != key.ID && !key.HasScope("admin") {
		s.writeError(w, model.ErrForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

// handleVideo streams a recording. The token path segment is the caller's
// API key; ownership is strict, admin excepted.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	key, err := s.store.GetAPIKey(r.PathValue("token"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	exec, err := s.store.GetExecution(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if exec.APIKeyID != key.ID && !key.HasScope("admin") {
		s.writeError(w, model.ErrForbidden)
		return
	}
	if exec.VideoPath == "" {
		s.writeError(w, model.ErrNotFound)
		return
	}

	f, err := s.videos.Open(exec.VideoPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "video/webm")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exec.RequestID+`.webm"`)
	http.ServeContent(w, r, exec.RequestID+".webm", fi.ModTime(), f)
}

func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := keyFrom(r)
	if exec.APIKeyID != key.ID && !key.HasScope("admin") {
		s.writeError(w, model.ErrForbidden)
		return
	}
	info, err := s.videos.Info(exec.RequestID, exec.VideoPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check()
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, report)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cleaner.Run())
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			s.writeError(w, &model.ValidationError{Reasons: []string{"days must be 1..365"}})
			return
		}
		days = n
	}
	a, err := s.store.GetAnalytics(days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

// writeError maps the internal error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "validation failed", Reasons: verr.Reasons})
	case errors.Is(err, model.ErrQueueFull):
		s.writeJSON(w, http.StatusServiceUnavailable, &errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrScriptBlocked):
		s.writeJSON(w, http.StatusTooManyRequests, &errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrUnauthorized):
		s.writeJSON(w, http.StatusUnauthorized, &errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrForbidden):
		s.writeJSON(w, http.StatusForbidden, &errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, &errorResponse{Error: err.Error()})
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, &errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding response", zap.Error(err))
	}
}
