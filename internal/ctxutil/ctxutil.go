// Package ctxutil provides shared context key accessors.
//
// Both server and mcp populate request metadata, and the logging handler in
// config reads run identity set by the runner. Keeping the keys here lets
// those packages share them without importing each other.
package ctxutil

import (
	"context"
)

type contextKey string

const (
	keyRunFields contextKey = "run_fields"
	keyRequestID contextKey = "request_id"
)

// RunFields identifies the attempt a piece of work belongs to. They are
// attached to every log record emitted with the context.
type RunFields struct {
	RunID   string
	JobID   string
	Agent   string
	Attempt int
}

// WithRunFields merges f into the fields already on ctx. Non-empty values win.
func WithRunFields(ctx context.Context, f RunFields) context.Context {
	merged := RunFieldsFromContext(ctx)
	if f.RunID != "" {
		merged.RunID = f.RunID
	}
	if f.JobID != "" {
		merged.JobID = f.JobID
	}
	if f.Agent != "" {
		merged.Agent = f.Agent
	}
	if f.Attempt > 0 {
		merged.Attempt = f.Attempt
	}
	return context.WithValue(ctx, keyRunFields, merged)
}

// RunFieldsFromContext returns the run fields on ctx, or the zero value.
func RunFieldsFromContext(ctx context.Context) RunFields {
	if v, ok := ctx.Value(keyRunFields).(RunFields); ok {
		return v
	}
	return RunFields{}
}

// WithRequestID returns a new context carrying the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
