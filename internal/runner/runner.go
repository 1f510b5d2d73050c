// Package runner executes agents: it resolves the agent, derives the window,
// records every attempt in the run ledger, retries transient failures and
// advances the watermark when a live attempt succeeds.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/ctxutil"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/storage"
	"github.com/jshorwitz/ai-adwords/internal/telemetry"
)

// Ledger is the run ledger and watermark store.
type Ledger interface {
	InsertRun(ctx context.Context, run model.AgentRun) error
	InsertRejection(ctx context.Context, run model.AgentRun) error
	MarkRunning(ctx context.Context, runID uuid.UUID) error
	SealRun(ctx context.Context, req storage.SealRequest) (storage.SealOutcome, error)
	GetWatermark(ctx context.Context, agentName, scope string) (time.Time, bool, error)
}

var (
	// ErrInvalidRequest marks a job refused before execution.
	ErrInvalidRequest = errors.New("runner: invalid request")
	// ErrShuttingDown is returned by ExecuteAsync after Drain.
	ErrShuttingDown = errors.New("runner: shutting down")
)

// Config tunes retries and window derivation.
type Config struct {
	MaxAttempts int
	// Backoff[i] is the wait before attempt i+2. The last entry repeats.
	Backoff         []time.Duration
	DefaultLookback time.Duration
}

// DefaultConfig returns 5 attempts with 1m, 4m, 10m backoff and a one day
// default lookback.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		Backoff:         []time.Duration{time.Minute, 4 * time.Minute, 10 * time.Minute},
		DefaultLookback: 24 * time.Hour,
	}
}

// Request asks for one job.
type Request struct {
	Agent  string
	Params map[string]string
	// Window is derived from the watermark when nil.
	Window  *model.Window
	DryRun  bool
	Trigger string
}

// Outcome is the sealed result of a job.
type Outcome struct {
	JobID     string
	Agent     string
	Window    model.Window
	DryRun    bool
	Status    model.RunStatus
	Attempts  int
	LastRunID uuid.UUID
	Result    model.RunResult
	// Watermark is the mark after the last attempt, nil if none exists.
	Watermark *time.Time
	// Proposals are the mutations a dry run would have sent.
	Proposals []platform.Proposal
}

// Response converts the outcome to its API shape.
func (o Outcome) Response() model.ExecuteResponse {
	resp := model.ExecuteResponse{
		JobID:    o.JobID,
		Agent:    o.Agent,
		Window:   o.Window,
		DryRun:   o.DryRun,
		Status:   o.Status,
		Attempts: o.Attempts,
	}
	if o.LastRunID != uuid.Nil {
		id, res := o.LastRunID, o.Result
		resp.LastRun, resp.Result = &id, &res
	}
	return resp
}

// Runner executes jobs. It is safe for concurrent use; concurrent jobs share
// nothing but the ledger and the stores.
type Runner struct {
	registry *agent.Registry
	ledger   Ledger
	live     platform.Mutations
	cfg      Config
	metrics  *telemetry.RunInstruments
	logger   *slog.Logger
	tracer   trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	jobs   map[string]context.CancelCauseFunc // job id -> cancel
	runs   map[uuid.UUID]string               // in-flight run id -> job id
	closed bool
	wg     sync.WaitGroup
	base   context.Context
}

// New creates a runner. live is the mutation handle given to non-dry-run
// attempts; it decides on its own whether calls commit.
func New(registry *agent.Registry, ledger Ledger, live platform.Mutations, cfg Config, metrics *telemetry.RunInstruments, logger *slog.Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 24 * time.Hour
	}
	return &Runner{
		registry: registry,
		ledger:   ledger,
		live:     live,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		tracer:   telemetry.Tracer("adagent/runner"),
		now:      time.Now,
		sleep:    sleepCtx,
		jobs:     make(map[string]context.CancelCauseFunc),
		runs:     make(map[uuid.UUID]string),
		base:     context.Background(),
	}
}

// Registry exposes the agents the runner can execute.
func (r *Runner) Registry() *agent.Registry { return r.registry }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// errCancelRequested is the cancellation cause set by Cancel.
var errCancelRequested = errors.New("runner: cancel requested")

// job is a validated request ready to run.
type job struct {
	id      string
	agent   agent.Agent
	req     Request
	scope   string
	window  model.Window
	before  *time.Time
	started time.Time
}

// NewJobID returns "{agent}-{yyyymmddThhmmss}-{8 hex}".
func NewJobID(agentName string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", agentName, now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// Execute runs a job to completion and returns its sealed outcome. Unknown
// agents return an error wrapping agent.ErrUnknownAgent and bad input one
// wrapping ErrInvalidRequest; both leave a REJECTED ledger row.
func (r *Runner) Execute(ctx context.Context, req Request) (Outcome, error) {
	j, err := r.prepare(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return r.run(ctx, j), nil
}

// ExecuteAsync validates the request, then runs it in the background under
// the runner's base context. The returned outcome carries only the job id,
// agent and window.
func (r *Runner) ExecuteAsync(ctx context.Context, req Request) (Outcome, error) {
	j, err := r.prepare(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Outcome{}, ErrShuttingDown
	}
	r.wg.Add(1)
	base := r.base
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.run(base, j)
	}()
	return Outcome{JobID: j.id, Agent: j.req.Agent, Window: j.window, DryRun: j.req.DryRun, Status: model.RunStatusPending}, nil
}

// SetBaseContext sets the context background jobs run under, normally the
// server's lifetime context.
func (r *Runner) SetBaseContext(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base = ctx
}

// Drain stops accepting background jobs and waits for running ones, or for
// ctx to expire.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the job that owns an in-flight run. The attempt is sealed
// FAILED_TRANSIENT with kind CANCELLED and is not retried. It reports
// whether the run was found.
func (r *Runner) Cancel(runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobID, ok := r.runs[runID]
	if !ok {
		return false
	}
	r.jobs[jobID](errCancelRequested)
	return true
}

// CancelJob stops a job between or during attempts.
func (r *Runner) CancelJob(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.jobs[jobID]
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

func (r *Runner) prepare(ctx context.Context, req Request) (*job, error) {
	now := r.now().UTC()
	j := &job{id: NewJobID(req.Agent, now), req: req, started: now, scope: req.Params["account_id"]}
	if j.req.Trigger == "" {
		j.req.Trigger = model.TriggerManual
	}

	a, err := r.registry.Get(req.Agent)
	if err != nil {
		r.reject(ctx, j, model.ErrorKindNotFound, err)
		return nil, err
	}
	j.agent = a

	if req.Window != nil {
		if err := req.Window.Validate(); err != nil {
			j.window = *req.Window
			verr := fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			r.reject(ctx, j, model.ErrorKindValidation, verr)
			return nil, verr
		}
		j.window = *req.Window
	}

	mark, ok, err := r.ledger.GetWatermark(ctx, req.Agent, j.scope)
	if err != nil {
		return nil, fmt.Errorf("runner: read watermark: %w", err)
	}
	if ok {
		j.before = &mark
	}

	if req.Window == nil {
		lookback := r.cfg.DefaultLookback
		if ws, isSizer := a.(agent.WindowSizer); isSizer {
			lookback = ws.DefaultLookback()
		}
		j.window = model.Window{Start: now.Add(-lookback), End: now}
		if ok {
			j.window.Start = mark
		}
		if !j.window.End.After(j.window.Start) {
			verr := fmt.Errorf("%w: watermark %s is not before now, nothing to process",
				ErrInvalidRequest, mark.Format(time.RFC3339))
			r.reject(ctx, j, model.ErrorKindValidation, verr)
			return nil, verr
		}
	}

	if v, isValidator := a.(agent.Validator); isValidator {
		if err := v.Validate(agent.JobInput{Params: req.Params, Window: j.window, DryRun: req.DryRun}); err != nil {
			verr := fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			r.reject(ctx, j, agent.KindOf(err), verr)
			return nil, verr
		}
	}
	return j, nil
}

func (r *Runner) reject(ctx context.Context, j *job, kind model.ErrorKind, cause error) {
	run := model.AgentRun{
		RunID:     uuid.New(),
		JobID:     j.id,
		Attempt:   1,
		AgentName: j.req.Agent,
		Scope:     j.scope,
		Params:    j.req.Params,
		Window:    j.window,
		DryRun:    j.req.DryRun,
		Trigger:   j.req.Trigger,
		Error:     &model.RunError{Kind: kind, Message: cause.Error()},
	}
	if run.Window.Start.IsZero() {
		run.Window = model.Window{Start: j.started, End: j.started}
	}
	if err := r.ledger.InsertRejection(ctx, run); err != nil {
		r.logger.ErrorContext(ctx, "runner: record rejection failed", "job_id", j.id, "agent", j.req.Agent, "error", err)
		return
	}
	r.metrics.RecordRun(ctx, j.req.Agent, string(model.RunStatusRejected), 0)
	r.logger.WarnContext(ctx, "runner: job rejected", "job_id", j.id, "agent", j.req.Agent, "reason", cause)
}

// run drives the attempt loop. It always returns a sealed outcome.
func (r *Runner) run(parent context.Context, j *job) Outcome {
	jobCtx, cancel := context.WithCancelCause(parent)
	r.mu.Lock()
	r.jobs[j.id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.jobs, j.id)
		r.mu.Unlock()
		cancel(nil)
	}()

	out := Outcome{JobID: j.id, Agent: j.req.Agent, Window: j.window, DryRun: j.req.DryRun, Watermark: j.before}
	var dry *platform.DryRunHandle

	for attempt := 1; ; attempt++ {
		var mut platform.Mutations = r.live
		if j.req.DryRun {
			dry = platform.NewDryRunHandle()
			mut = dry
		}

		status, kind, sealed, err := r.attempt(jobCtx, j, attempt, mut)
		out.Attempts = attempt
		if err != nil {
			// The ledger could not record the attempt; stop rather than run
			// work that leaves no trace.
			r.logger.ErrorContext(parent, "runner: ledger write failed", "job_id", j.id, "attempt", attempt, "error", err)
			out.Status = model.RunStatusFailedTransient
			out.Result = model.RunResult{Error: &model.RunError{Kind: model.ErrorKindTransient, Message: err.Error()}}
			return out
		}
		out.Status = status
		out.LastRunID = sealed.Run.RunID
		out.Result = resultOf(sealed.Run)
		out.Watermark = sealed.Watermark
		if dry != nil {
			out.Proposals = dry.Proposals()
		}

		if status != model.RunStatusFailedTransient || kind == model.ErrorKindCancelled {
			return out
		}

		wait := r.backoff(attempt)
		r.logger.InfoContext(parent, "runner: retrying after transient failure",
			"job_id", j.id, "agent", j.req.Agent, "attempt", attempt, "backoff", wait)
		if err := r.sleep(jobCtx, wait); err != nil {
			r.logger.InfoContext(parent, "runner: job cancelled during backoff", "job_id", j.id, "attempt", attempt)
			return out
		}
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	if len(r.cfg.Backoff) == 0 {
		return 0
	}
	i := min(attempt-1, len(r.cfg.Backoff)-1)
	return r.cfg.Backoff[i]
}

// attempt writes the PENDING row, runs the agent and seals the row.
func (r *Runner) attempt(jobCtx context.Context, j *job, n int, mut platform.Mutations) (model.RunStatus, model.ErrorKind, storage.SealOutcome, error) {
	runID := uuid.New()
	// Ledger writes must land even when the job is being cancelled.
	ledgerCtx := context.WithoutCancel(jobCtx)

	run := model.AgentRun{
		RunID:           runID,
		JobID:           j.id,
		Attempt:         n,
		AgentName:       j.req.Agent,
		Scope:           j.scope,
		Params:          j.req.Params,
		Window:          j.window,
		DryRun:          j.req.DryRun,
		Trigger:         j.req.Trigger,
		Status:          model.RunStatusPending,
		StartedAt:       r.now().UTC(),
		WatermarkBefore: j.before,
	}
	if err := r.ledger.InsertRun(ledgerCtx, run); err != nil {
		return "", "", storage.SealOutcome{}, err
	}
	if err := r.ledger.MarkRunning(ledgerCtx, runID); err != nil {
		return "", "", storage.SealOutcome{}, err
	}

	r.mu.Lock()
	r.runs[runID] = j.id
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
	}()

	ctx := ctxutil.WithRunFields(jobCtx, ctxutil.RunFields{
		RunID: runID.String(), JobID: j.id, Agent: j.req.Agent, Attempt: n,
	})
	ctx, span := r.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent", j.req.Agent),
		attribute.String("job_id", j.id),
		attribute.Int("attempt", n),
		attribute.Bool("dry_run", j.req.DryRun),
	))
	defer span.End()

	start := time.Now()
	res, runErr := r.invoke(ctx, j.agent, agent.JobInput{
		JobID:     j.id,
		RunID:     runID,
		Attempt:   n,
		Params:    j.req.Params,
		Window:    j.window,
		DryRun:    j.req.DryRun,
		Mutations: mut,
	})
	elapsed := time.Since(start)

	// A cancelled job never counts as a success, even if the agent ignored
	// the cancellation.
	if jobCtx.Err() != nil {
		if runErr == nil || !errors.Is(runErr, context.Canceled) {
			runErr = fmt.Errorf("attempt cancelled: %w (%v)", context.Canceled, context.Cause(jobCtx))
		}
	}

	status, kind := r.classify(runErr, n)
	result := model.RunResult{
		OK:              runErr == nil,
		RecordsWritten:  res.RecordsWritten,
		Metrics:         res.Metrics,
		Notes:           res.Notes,
		DurationSeconds: elapsed.Seconds(),
	}
	if runErr != nil {
		result.Error = &model.RunError{Kind: kind, Message: runErr.Error()}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(kind))
	}

	seal := storage.SealRequest{
		RunID:       runID,
		AgentName:   j.req.Agent,
		Scope:       j.scope,
		Status:      status,
		Result:      result,
		WindowStart: j.window.Start,
	}
	if status == model.RunStatusSucceeded && !j.req.DryRun {
		end := j.window.End
		seal.AdvanceTo = &end
	}
	sealed, err := r.ledger.SealRun(ledgerCtx, seal)
	if err != nil {
		return "", "", storage.SealOutcome{}, err
	}

	r.metrics.RecordRun(ctx, j.req.Agent, string(status), elapsed)
	log := r.logger.InfoContext
	if status != model.RunStatusSucceeded {
		log = r.logger.WarnContext
	}
	log(ctx, "runner: attempt sealed",
		"status", status, "records_written", result.RecordsWritten,
		"duration_ms", elapsed.Milliseconds(), "watermark_advanced", sealed.Advanced,
		"error", runErr)
	return status, kind, sealed, nil
}

// invoke runs the agent, turning a panic into a terminal failure.
func (r *Runner) invoke(ctx context.Context, a agent.Agent, in agent.JobInput) (res agent.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = agent.Errorf(model.ErrorKindSchema, "run", "agent panicked: %v", p)
		}
	}()
	return a.Run(ctx, in)
}

// classify maps an attempt error to the status it is sealed with.
//
//	TRANSIENT                   FAILED_TRANSIENT, FAILED_MAX_RETRIES on the last attempt
//	CANCELLED                   FAILED_TRANSIENT
//	AUTH                        FAILED_AUTH
//	SCHEMA, VALIDATION, others  FAILED_SCHEMA
//
// VALIDATION reaching classify was raised mid-attempt, typically by a
// platform refusing a request. Checks an agent can make up front go through
// agent.Validator and end as REJECTED instead. The error kind is kept on the
// sealed row either way.
func (r *Runner) classify(err error, attempt int) (model.RunStatus, model.ErrorKind) {
	if err == nil {
		return model.RunStatusSucceeded, ""
	}
	kind := agent.KindOf(err)
	switch {
	case kind.Retryable():
		if attempt >= r.cfg.MaxAttempts {
			return model.RunStatusFailedMaxRetries, kind
		}
		return model.RunStatusFailedTransient, kind
	case kind == model.ErrorKindCancelled:
		return model.RunStatusFailedTransient, kind
	case kind == model.ErrorKindAuth:
		return model.RunStatusFailedAuth, kind
	default:
		return model.RunStatusFailedSchema, kind
	}
}

func resultOf(run model.AgentRun) model.RunResult {
	res := model.RunResult{
		OK:             run.Status == model.RunStatusSucceeded,
		RecordsWritten: run.RecordsWritten,
		Metrics:        run.Metrics,
		Notes:          run.Notes,
		Error:          run.Error,
	}
	if run.FinishedAt != nil {
		res.DurationSeconds = run.FinishedAt.Sub(run.StartedAt).Seconds()
	}
	return res
}
