// Package model defines the core domain types for adagent.
//
// Types map directly onto the Postgres tables in migrations/ and the JSON
// bodies of the HTTP API. Enums are typed strings so they round-trip through
// both without conversion tables.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a single execution attempt.
type RunStatus string

const (
	RunStatusPending          RunStatus = "PENDING"
	RunStatusRunning          RunStatus = "RUNNING"
	RunStatusSucceeded        RunStatus = "SUCCEEDED"
	RunStatusFailedTransient  RunStatus = "FAILED_TRANSIENT"
	RunStatusFailedAuth       RunStatus = "FAILED_AUTH"
	RunStatusFailedSchema     RunStatus = "FAILED_SCHEMA"
	RunStatusFailedMaxRetries RunStatus = "FAILED_MAX_RETRIES"
	// RunStatusRejected marks a job that never executed (bad input or unknown agent).
	RunStatusRejected RunStatus = "REJECTED"
)

// Terminal reports whether a run in this status is sealed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPending, RunStatusRunning:
		return false
	default:
		return true
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailedTransient,
		RunStatusFailedAuth, RunStatusFailedSchema, RunStatusFailedMaxRetries, RunStatusRejected:
		return true
	}
	return false
}

// ErrorKind classifies why an attempt failed. The runner uses it to choose
// between retrying and sealing the job.
type ErrorKind string

const (
	ErrorKindTransient      ErrorKind = "TRANSIENT"
	ErrorKindAuth           ErrorKind = "AUTH"
	ErrorKindSchema         ErrorKind = "SCHEMA"
	ErrorKindValidation     ErrorKind = "VALIDATION"
	ErrorKindNotFound       ErrorKind = "NOT_FOUND"
	ErrorKindCancelled      ErrorKind = "CANCELLED"
	ErrorKindPartialFailure ErrorKind = "PARTIAL_FAILURE"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// RunError is the error recorded on a ledger row.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RunResult is the outcome reported by an agent, persisted alongside the run.
type RunResult struct {
	OK              bool               `json:"ok"`
	RecordsWritten  int                `json:"records_written"`
	Metrics         map[string]float64 `json:"metrics"`
	Notes           []string           `json:"notes"`
	Error           *RunError          `json:"error,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
}

// AgentRun is one execution attempt of an agent. Attempts of the same job share
// JobID. Rows are sealed once FinishedAt is set and never change afterwards.
type AgentRun struct {
	RunID           uuid.UUID          `json:"run_id"`
	JobID           string             `json:"job_id"`
	Attempt         int                `json:"attempt"`
	AgentName       string             `json:"agent_name"`
	Scope           string             `json:"scope"`
	Params          map[string]string  `json:"params"`
	Window          Window             `json:"window"`
	DryRun          bool               `json:"dry_run"`
	Trigger         string             `json:"trigger"`
	Status          RunStatus          `json:"status"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	RecordsWritten  int                `json:"records_written"`
	Metrics         map[string]float64 `json:"metrics"`
	Notes           []string           `json:"notes"`
	Error           *RunError          `json:"error,omitempty"`
	WatermarkBefore *time.Time         `json:"watermark_before,omitempty"`
	WatermarkAfter  *time.Time         `json:"watermark_after,omitempty"`
}

// Sealed reports whether the row has reached a terminal state.
func (r AgentRun) Sealed() bool {
	return r.FinishedAt != nil
}

// Watermark is the high-water mark of an agent within a scope.
type Watermark struct {
	AgentName       string    `json:"agent_name"`
	Scope           string    `json:"scope"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	RunID           uuid.UUID `json:"run_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Run trigger sources.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerAPI       = "api"
	TriggerMCP       = "mcp"
	TriggerRecovered = "recovered"
)
