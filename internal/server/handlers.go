package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

// Store is the read side of the run ledger.
type Store interface {
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	ListRuns(ctx context.Context, agentName string, limit, offset int) ([]model.AgentRun, int, error)
	ListJobAttempts(ctx context.Context, jobID string) ([]model.AgentRun, error)
	ListWatermarks(ctx context.Context, agentName string) ([]model.Watermark, error)
}

// JobRunner dispatches and cancels agent jobs.
type JobRunner interface {
	Registry() *agent.Registry
	Execute(ctx context.Context, req runner.Request) (runner.Outcome, error)
	ExecuteAsync(ctx context.Context, req runner.Request) (runner.Outcome, error)
	Cancel(runID uuid.UUID) bool
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	runner              JobRunner
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	realMutations       bool
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker and OpenAPISpec are optional.
type HandlersDeps struct {
	DB                  Store
	Runner              JobRunner
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	RealMutations       bool
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		db:                  d.DB,
		runner:              d.Runner,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		realMutations:       d.RealMutations,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Postgres:      pgStatus,
		RealMutations: h.realMutations,
		Agents:        len(h.runner.Registry().Names()),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.RunStream = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleSubscribe handles GET /v1/runs/stream (SSE of sealed attempts).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"run stream not available (NOTIFY_URL not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams would otherwise be cut at WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeRunnerError maps runner dispatch errors onto HTTP statuses.
func (h *Handlers) writeRunnerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agent.ErrUnknownAgent):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, runner.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, runner.ErrShuttingDown):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, err.Error())
	default:
		h.writeInternalError(w, r, "failed to dispatch job", err)
	}
}

// --- Shared helpers ---

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := r.PathValue("run_id")
	if runIDStr == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	id, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", runIDStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset bounds offsets so a request cannot force a huge scan.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a limit from query params clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
