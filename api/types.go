package api

import (
	"encoding/json"
	"time"

	"github.com/xraph/mailq/job"
)

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Transport      string          `json:"transport"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
}

// ResubmitRequest is the body of POST /v1/jobs/{jobID}/resubmit.
type ResubmitRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// ListJobsResponse wraps a page of jobs.
type ListJobsResponse struct {
	Jobs   []*job.Job `json:"jobs"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// StatsResponse reports job counts per state and the dispatch load.
type StatsResponse struct {
	Jobs       map[job.State]int64 `json:"jobs"`
	Total      int64               `json:"total"`
	Inflight   int                 `json:"inflight"`
	Capacity   int                 `json:"capacity"`
	Transports []string            `json:"transports"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
