package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data   any          `json:"data"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Meta   ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// ExecuteRequest is the request body for POST /v1/agents/{name}/execute.
// Window is optional; when omitted the runner derives it from the watermark.
type ExecuteRequest struct {
	Params map[string]string `json:"params"`
	Window *WindowInput      `json:"window,omitempty"`
	DryRun bool              `json:"dry_run"`
	// Wait blocks the request until the job is sealed.
	Wait bool `json:"wait"`
}

// ExecuteResponse describes a dispatched or completed job.
type ExecuteResponse struct {
	JobID    string     `json:"job_id"`
	Agent    string     `json:"agent"`
	Window   Window     `json:"window"`
	DryRun   bool       `json:"dry_run"`
	Status   RunStatus  `json:"status,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	LastRun  *uuid.UUID `json:"last_run_id,omitempty"`
	Result   *RunResult `json:"result,omitempty"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// ErrCodeUnavailable marks a request refused while the server shuts down.
const ErrCodeUnavailable = "UNAVAILABLE"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	RealMutations bool   `json:"real_mutations"`
	Agents        int    `json:"agents"`
	RunStream     string `json:"run_stream,omitempty"`
	Uptime        int64  `json:"uptime_seconds"`
}

// JobResponse lists every attempt of one job, oldest first.
type JobResponse struct {
	JobID    string     `json:"job_id"`
	Agent    string     `json:"agent"`
	Status   RunStatus  `json:"status"`
	Attempts []AgentRun `json:"attempts"`
}

// CancelResponse acknowledges POST /v1/runs/{run_id}/cancel.
type CancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}
