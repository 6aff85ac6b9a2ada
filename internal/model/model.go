// Package model holds the job lifecycle types shared by the queue, the
// executor, the store and the HTTP surface.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is a job lifecycle state. Valid transitions:
//
//	queued → running → (completed | failed | timeout)
//	queued → failed
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Job is one accepted script submission. RequestID is server-assigned and
// opaque; APIKeyID is the resolved submitter identity.
type Job struct {
	RequestID  string
	APIKeyID   int64
	Script     string
	ScriptHash string
	ScriptSize int
	Timeout    int // seconds
	Priority   int // 1..5, higher first
	WebhookURL string
	Tags       []string
	UserAgent  string
	CreatedAt  time.Time
}

// Fingerprint returns the hex fingerprint of a script text. It is the only
// identity used to correlate repeated failures of the same script.
func Fingerprint(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])[:16]
}

// Result carries everything the executor learned about a finished job.
type Result struct {
	Status        Status
	ExecutionTime float64 // seconds
	QueueWaitTime float64 // seconds
	MemoryPeakMB  float64
	CPUTimeMS     float64
	VideoPath     string
	VideoSizeMB   float64
	ResultJSON    json.RawMessage // main's return value, completed jobs only
	Error         string
}

// ScriptRequest is the /execute and /validate request body.
type ScriptRequest struct {
	Script     string   `json:"script"`
	Timeout    int      `json:"timeout"`
	Priority   int      `json:"priority"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
}

// ScriptAnalysis is the validator's verdict on a script.
type ScriptAnalysis struct {
	Valid             bool     `json:"valid"`
	Errors            []string `json:"errors,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	Complexity        string   `json:"complexity"` // low, medium, high
	OperationCount    int      `json:"operation_count"`
	EstimatedDuration float64  `json:"estimated_duration"` // seconds
}

// SubmitResponse acknowledges an accepted submission. QueuePosition and
// EstimatedWait are advisory snapshots, not guarantees.
type SubmitResponse struct {
	RequestID     string  `json:"request_id"`
	Status        Status  `json:"status"`
	QueuePosition int     `json:"queue_position"`
	EstimatedWait float64 `json:"estimated_wait"`
}

// Execution is the persisted record of a job, as read back from the store.
type Execution struct {
	RequestID     string          `json:"request_id"`
	APIKeyID      int64           `json:"api_key_id"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ScriptHash    string          `json:"script_hash"`
	ScriptSize    int             `json:"script_size"`
	ExecutionTime float64         `json:"execution_time"`
	QueueWaitTime float64         `json:"queue_wait_time"`
	VideoPath     string          `json:"video_path,omitempty"`
	VideoSizeMB   float64         `json:"video_size_mb"`
	MemoryPeakMB  float64         `json:"memory_peak_mb"`
	CPUTimeMS     float64         `json:"cpu_time_ms"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Priority      int             `json:"priority"`
	WebhookStatus string          `json:"webhook_status,omitempty"` // sent, failed
}

// APIKey is a row in the api_keys table. KeyValue is the shared secret;
// Scopes is a comma-separated list (execute, videos, admin).
type APIKey struct {
	ID                 int64
	KeyValue           string
	Name               string
	CreatedAt          time.Time
	LastUsed           *time.Time
	IsActive           bool
	RateLimitPerMinute int
	TotalRequests      int64
	Scopes             string
	ExpiresAt          *time.Time
	WebhookURL         string
	Notes              string
}

// HasScope reports whether the key carries the named scope. The admin scope
// implies every other scope.
func (k *APIKey) HasScope(scope string) bool {
	have := splitScopes(k.Scopes)
	for _, s := range have {
		if s == "admin" || s == scope {
			return true
		}
	}
	return false
}

func splitScopes(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' || s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return out
}

// WebhookPayload is the outbound completion callback envelope. It is frozen
// when the delivery is enqueued so retried attempts carry identical bytes.
// VideoURL is the token-less download prefix "/video/{request_id}"; the
// consumer appends its own API key token to form the served route
// "/video/{request_id}/{token}".
type WebhookPayload struct {
	EventType     string          `json:"event_type"`
	RequestID     string          `json:"request_id"`
	APIKeyID      int64           `json:"api_key_id"`
	Status        Status          `json:"status"`
	ExecutionTime float64         `json:"execution_time"`
	VideoURL      string          `json:"video_url,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// VideoInfo is artifact metadata returned by /video/{id}/info.
type VideoInfo struct {
	RequestID string    `json:"request_id"`
	Path      string    `json:"path"`
	SizeMB    float64   `json:"size_mb"`
	CreatedAt time.Time `json:"created_at"`
	Exists    bool      `json:"exists"`
}
