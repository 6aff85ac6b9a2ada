// Package cleanup runs the daily retention pass: expired recordings are
// deleted first, then old job rows are purged and the database compacted.
// Step failures are logged and the run continues.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// VideoSweeper deletes expired recordings and unlinks their job rows.
type VideoSweeper interface {
	Sweep(retentionDays int, onDelete func(requestID string) error) (int, error)
}

// StoreJanitor is the slice of the job store cleanup writes to.
type StoreJanitor interface {
	ClearVideoPath(requestID string) error
	PurgeOlderThan(days int) (int64, error)
	Compact() error
}

// Result summarizes one cleanup run.
type Result struct {
	VideosRemoved int   `json:"videos_removed"`
	RowsPurged    int64 `json:"rows_purged"`
	DurationMS    int64 `json:"duration_ms"`
}

// Scheduler fires once a day at the configured hour. Force runs the same
// pass on demand.
type Scheduler struct {
	videos        VideoSweeper
	store         StoreJanitor
	retentionDays int
	hour          int
	log           *zap.Logger
}

func NewScheduler(videos VideoSweeper, store StoreJanitor, retentionDays, hour int, log *zap.Logger) *Scheduler {
	return &Scheduler{
		videos:        videos,
		store:         store,
		retentionDays: retentionDays,
		hour:          hour,
		log:           log,
	}
}

// Start blocks until ctx is canceled, running the pass at each scheduled
// time. Call it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		wait := time.Until(s.nextRun(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Run()
		}
	}
}

// nextRun returns the next occurrence of the configured hour after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run executes one retention pass and reports what it did.
func (s *Scheduler) Run() *Result {
	start := time.Now()
	res := &Result{}

	removed, err := s.videos.Sweep(s.retentionDays, s.store.ClearVideoPath)
	res.VideosRemoved = removed
	if err != nil {
		s.log.Error("video sweep failed", zap.Error(err))
	}

	purgeDays := 2 * s.retentionDays
	if purgeDays < 30 {
		purgeDays = 30
	}
	purged, err := s.store.PurgeOlderThan(purgeDays)
	res.RowsPurged = purged
	if err != nil {
		s.log.Error("purging old executions failed", zap.Error(err))
	}

	if err := s.store.Compact(); err != nil {
		s.log.Error("compacting database failed", zap.Error(err))
	}

	res.DurationMS = time.Since(start).Milliseconds()
	s.log.Info("cleanup pass finished",
		zap.Int("videos_removed", res.VideosRemoved),
		zap.Int64("rows_purged", res.RowsPurged),
		zap.Int64("duration_ms", res.DurationMS))
	return res
}
