package store

import (
	"fmt"
	"time"

	"github.com/browserd/browserd/internal/model"
)

// Analytics is an aggregate view over recent executions, served to admins.
type Analytics struct {
	Days             int                  `json:"days"`
	TotalExecutions  int                  `json:"total_executions"`
	ByStatus         map[model.Status]int `json:"by_status"`
	AvgExecutionTime float64              `json:"avg_execution_time"`
	AvgQueueWaitTime float64              `json:"avg_queue_wait_time"`
	TotalVideoMB     float64              `json:"total_video_mb"`
	TopKeys          []KeyUsage           `json:"top_keys"`
}

// KeyUsage is per-identity submission volume within the window.
type KeyUsage struct {
	APIKeyID   int64 `json:"api_key_id"`
	Executions int   `json:"executions"`
}

// GetAnalytics rolls up executions created within the last n days.
func (s *Store) GetAnalytics(days int) (*Analytics, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	a := &Analytics{Days: days, ByStatus: make(map[model.Status]int)}

	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM executions
		WHERE created_at >= ? GROUP BY status`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("aggregating by status: %w", err)
	}
	for rows.Next() {
		var st model.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning status rollup: %w", err)
		}
		a.ByStatus[st] = n
		a.TotalExecutions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COALESCE(AVG(execution_time), 0), COALESCE(AVG(queue_wait_time), 0),
			COALESCE(SUM(video_size_mb), 0)
		FROM executions WHERE created_at >= ? AND status != ?`,
		cutoff, model.StatusQueued).
		Scan(&a.AvgExecutionTime, &a.AvgQueueWaitTime, &a.TotalVideoMB)
	if err != nil {
		return nil, fmt.Errorf("aggregating timings: %w", err)
	}

	rows, err = s.db.Query(`
		SELECT api_key_id, COUNT(*) AS n FROM executions
		WHERE created_at >= ? GROUP BY api_key_id ORDER BY n DESC LIMIT 10`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("aggregating by key: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u KeyUsage
		if err := rows.Scan(&u.APIKeyID, &u.Executions); err != nil {
			return nil, fmt.Errorf("scanning key rollup: %w", err)
		}
		a.TopKeys = append(a.TopKeys, u)
	}
	return a, rows.Err()
}
