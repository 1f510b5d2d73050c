package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/ctxutil"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

// memLedger follows the sealing and watermark rules of the Postgres ledger.
type memLedger struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]model.AgentRun
	order []uuid.UUID
	marks map[string]time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{runs: map[uuid.UUID]model.AgentRun{}, marks: map[string]time.Time{}}
}

func (l *memLedger) InsertRun(_ context.Context, run model.AgentRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[run.RunID] = run
	l.order = append(l.order, run.RunID)
	return nil
}

func (l *memLedger) InsertRejection(ctx context.Context, run model.AgentRun) error {
	now := time.Now()
	run.Status = model.RunStatusRejected
	run.FinishedAt = &now
	return l.InsertRun(ctx, run)
}

func (l *memLedger) MarkRunning(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.runs[id]
	if r.Status != model.RunStatusPending {
		return storage.ErrRunSealed
	}
	r.Status = model.RunStatusRunning
	l.runs[id] = r
	return nil
}

func (l *memLedger) SealRun(_ context.Context, req storage.SealRequest) (storage.SealOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[req.RunID]
	if !ok {
		return storage.SealOutcome{}, storage.ErrNotFound
	}
	if r.FinishedAt != nil {
		return storage.SealOutcome{}, storage.ErrRunSealed
	}
	key := req.AgentName + "|" + req.Scope
	var after *time.Time
	if cur, ok := l.marks[key]; ok {
		after = &cur
	}
	advanced := false
	if req.AdvanceTo != nil && req.Status == model.RunStatusSucceeded {
		cur, has := l.marks[key]
		if !has || (!req.WindowStart.After(cur) && req.AdvanceTo.After(cur)) {
			l.marks[key] = *req.AdvanceTo
			t := *req.AdvanceTo
			after, advanced = &t, true
		}
	}
	now := time.Now()
	r.Status = req.Status
	r.FinishedAt = &now
	r.RecordsWritten = req.Result.RecordsWritten
	r.Metrics = req.Result.Metrics
	r.Notes = req.Result.Notes
	r.Error = req.Result.Error
	r.WatermarkAfter = after
	l.runs[req.RunID] = r
	return storage.SealOutcome{Run: r, Advanced: advanced, Watermark: after}, nil
}

func (l *memLedger) GetWatermark(_ context.Context, agentName, scope string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.marks[agentName+"|"+scope]
	return t, ok, nil
}

func (l *memLedger) all() []model.AgentRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AgentRun, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.runs[id])
	}
	return out
}

// fakeAgent runs fn for each attempt.
type fakeAgent struct {
	name     string
	lookback time.Duration
	fn       func(ctx context.Context, in agent.JobInput, attempt int) (agent.Result, error)
}

func (f *fakeAgent) Name() string { return f.name }

func (f *fakeAgent) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	return f.fn(ctx, in, in.Attempt)
}

type sizedAgent struct{ *fakeAgent }

func (s sizedAgent) DefaultLookback() time.Duration { return s.lookback }

// checkedAgent refuses jobs without an account_id before any attempt.
type checkedAgent struct {
	*fakeAgent
	runs int
}

func (c *checkedAgent) Validate(in agent.JobInput) error {
	if in.Param("account_id", "") == "" {
		return agent.Errorf(model.ErrorKindValidation, "ingest", "no account_id given")
	}
	return nil
}

func (c *checkedAgent) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	c.runs++
	return c.fakeAgent.Run(ctx, in)
}

// spyMutator counts calls that reach the platform boundary.
type spyMutator struct {
	mu    sync.Mutex
	calls int
}

func (s *spyMutator) UploadConversions(context.Context, platform.ConversionBatch) (platform.MutateResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return platform.MutateResult{}, nil
}

func (s *spyMutator) MutateCampaigns(_ context.Context, req platform.CampaignMutateRequest) (platform.MutateResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	res := platform.MutateResult{Committed: !req.ValidateOnly}
	for i := range req.Operations {
		res.Results = append(res.Results, platform.OperationResult{Index: i, OK: true})
	}
	return res, nil
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	runner *Runner
	ledger *memLedger
	spy    *spyMutator
	sleeps []time.Duration
}

func newHarness(t *testing.T, agents ...agent.Agent) *harness {
	t.Helper()
	h := &harness{ledger: newMemLedger(), spy: &spyMutator{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.runner = New(agent.NewRegistry(agents...), h.ledger,
		platform.NewGate(h.spy, true, logger), DefaultConfig(), nil, logger)
	h.runner.now = func() time.Time { return now }
	h.runner.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func succeed(records int) func(context.Context, agent.JobInput, int) (agent.Result, error) {
	return func(context.Context, agent.JobInput, int) (agent.Result, error) {
		return agent.Result{RecordsWritten: records}, nil
	}
}

func window(startDaysAgo int) *model.Window {
	return &model.Window{Start: now.AddDate(0, 0, -startDaysAgo), End: now}
}

func TestExecuteSuccessAdvancesWatermark(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "ingestor-google", fn: succeed(14)})

	out, err := h.runner.Execute(context.Background(), Request{
		Agent: "ingestor-google", Params: map[string]string{"account_id": "a1"}, Window: window(7),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, out.Result.OK)
	assert.Equal(t, 14, out.Result.RecordsWritten)
	require.NotNil(t, out.Watermark)
	assert.Equal(t, now, *out.Watermark)
	assert.Regexp(t, `^ingestor-google-20250601T120000-[0-9a-f]{8}$`, out.JobID)

	mark, ok, _ := h.ledger.GetWatermark(context.Background(), "ingestor-google", "a1")
	require.True(t, ok)
	assert.Equal(t, now, mark)

	runs := h.ledger.all()
	require.Len(t, runs, 1)
	assert.Equal(t, "a1", runs[0].Scope)
	assert.Equal(t, model.TriggerManual, runs[0].Trigger)
}

func TestDryRunPurity(t *testing.T) {
	a := &fakeAgent{name: "budget-optimizer", fn: func(ctx context.Context, in agent.JobInput, _ int) (agent.Result, error) {
		assert.False(t, in.Mutations.Live())
		_, err := in.Mutations.MutateCampaigns(ctx, platform.CampaignMutateRequest{
			Platform: model.PlatformGoogle, Operations: []platform.CampaignOperation{{CampaignID: "c1"}},
		})
		return agent.Result{}, err
	}}
	h := newHarness(t, a)

	out, err := h.runner.Execute(context.Background(), Request{Agent: "budget-optimizer", Window: window(1), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Zero(t, h.spy.calls, "dry run never reaches the mutation boundary")
	assert.Nil(t, out.Watermark)
	assert.Len(t, out.Proposals, 1)

	_, ok, _ := h.ledger.GetWatermark(context.Background(), "budget-optimizer", "")
	assert.False(t, ok)
}

func TestLiveRunUsesGate(t *testing.T) {
	a := &fakeAgent{name: "budget-optimizer", fn: func(ctx context.Context, in agent.JobInput, _ int) (agent.Result, error) {
		assert.True(t, in.Mutations.Live())
		_, err := in.Mutations.MutateCampaigns(ctx, platform.CampaignMutateRequest{
			Operations: []platform.CampaignOperation{{CampaignID: "c1"}},
		})
		return agent.Result{}, err
	}}
	h := newHarness(t, a)
	_, err := h.runner.Execute(context.Background(), Request{Agent: "budget-optimizer", Window: window(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, h.spy.calls, "validate then commit")
}

func TestRetryBound(t *testing.T) {
	calls := 0
	h := newHarness(t, &fakeAgent{name: "ingestor-reddit", fn: func(context.Context, agent.JobInput, int) (agent.Result, error) {
		calls++
		return agent.Result{}, &platform.Error{Platform: model.PlatformReddit, Kind: model.ErrorKindTransient, Status: 503, Message: "unavailable"}
	}})

	out, err := h.runner.Execute(context.Background(), Request{Agent: "ingestor-reddit", Window: window(1)})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, model.RunStatusFailedMaxRetries, out.Status)
	assert.Equal(t, []time.Duration{time.Minute, 4 * time.Minute, 10 * time.Minute, 10 * time.Minute}, h.sleeps)

	runs := h.ledger.all()
	require.Len(t, runs, 5)
	for i, r := range runs {
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, out.JobID, r.JobID)
		require.NotNil(t, r.Error)
		assert.Equal(t, model.ErrorKindTransient, r.Error.Kind)
		if i < 4 {
			assert.Equal(t, model.RunStatusFailedTransient, r.Status)
		}
	}
	assert.Equal(t, model.RunStatusFailedMaxRetries, runs[4].Status)
	_, ok, _ := h.ledger.GetWatermark(context.Background(), "ingestor-reddit", "")
	assert.False(t, ok)
}

func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "x", fn: func(_ context.Context, _ agent.JobInput, attempt int) (agent.Result, error) {
		if attempt < 3 {
			return agent.Result{}, errors.New("connection reset by peer")
		}
		return agent.Result{RecordsWritten: 1}, nil
	}})
	out, err := h.runner.Execute(context.Background(), Request{Agent: "x", Window: window(1)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Minute, 4 * time.Minute}, h.sleeps)
	require.NotNil(t, out.Watermark)
}

func TestTerminalFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.RunStatus
		kind model.ErrorKind
	}{
		{"auth", &platform.Error{Kind: model.ErrorKindAuth, Status: 401}, model.RunStatusFailedAuth, model.ErrorKindAuth},
		{"schema", &platform.Error{Kind: model.ErrorKindSchema, Message: "unexpected field"}, model.RunStatusFailedSchema, model.ErrorKindSchema},
		{"platform refuses request", &platform.Error{Kind: model.ErrorKindValidation, Status: 400}, model.RunStatusFailedSchema, model.ErrorKindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeAgent{name: "a", fn: func(context.Context, agent.JobInput, int) (agent.Result, error) {
				return agent.Result{}, tt.err
			}})
			out, err := h.runner.Execute(context.Background(), Request{Agent: "a", Window: window(1)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, 1, out.Attempts)
			assert.Empty(t, h.sleeps)
			require.NotNil(t, out.Result.Error)
			assert.Equal(t, tt.kind, out.Result.Error.Kind)
			assert.False(t, out.Result.OK)
		})
	}
}

func TestPanicIsTerminal(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "a", fn: func(context.Context, agent.JobInput, int) (agent.Result, error) {
		panic("nil map")
	}})
	out, err := h.runner.Execute(context.Background(), Request{Agent: "a", Window: window(1)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailedSchema, out.Status)
	assert.Contains(t, out.Result.Error.Message, "nil map")
}

func TestRejections(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "a", fn: succeed(0)})

	_, err := h.runner.Execute(context.Background(), Request{Agent: "nope"})
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)

	inverted := &model.Window{Start: now, End: now.Add(-time.Hour)}
	_, err = h.runner.Execute(context.Background(), Request{Agent: "a", Window: inverted})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	runs := h.ledger.all()
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, model.RunStatusRejected, r.Status)
		require.NotNil(t, r.Error)
	}
	assert.Equal(t, model.ErrorKindNotFound, runs[0].Error.Kind)
	assert.Equal(t, model.ErrorKindValidation, runs[1].Error.Kind)
}

func TestValidatorRejectsBeforeAnyAttempt(t *testing.T) {
	a := &checkedAgent{fakeAgent: &fakeAgent{name: "ingestor-google", fn: succeed(3)}}
	h := newHarness(t, a)

	_, err := h.runner.Execute(context.Background(), Request{Agent: "ingestor-google", Window: window(1)})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorContains(t, err, "no account_id given")
	assert.Zero(t, a.runs)

	runs := h.ledger.all()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusRejected, runs[0].Status)
	assert.Equal(t, model.ErrorKindValidation, runs[0].Error.Kind)

	out, err := h.runner.Execute(context.Background(), Request{Agent: "ingestor-google", Window: window(1), Params: map[string]string{"account_id": "123"}})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 1, a.runs)
}

func TestWindowDerivation(t *testing.T) {
	var got []model.Window
	record := func(_ context.Context, in agent.JobInput, _ int) (agent.Result, error) {
		got = append(got, in.Window)
		return agent.Result{}, nil
	}
	h := newHarness(t,
		&fakeAgent{name: "plain", fn: record},
		sizedAgent{&fakeAgent{name: "short", lookback: 15 * time.Minute, fn: record}},
	)
	ctx := context.Background()

	_, err := h.runner.Execute(ctx, Request{Agent: "plain"})
	require.NoError(t, err)
	assert.Equal(t, model.Window{Start: now.Add(-24 * time.Hour), End: now}, got[0])

	_, err = h.runner.Execute(ctx, Request{Agent: "short"})
	require.NoError(t, err)
	assert.Equal(t, model.Window{Start: now.Add(-15 * time.Minute), End: now}, got[1])

	// The first run advanced the mark to now; later runs start there.
	h.runner.now = func() time.Time { return now.Add(time.Hour) }
	_, err = h.runner.Execute(ctx, Request{Agent: "plain"})
	require.NoError(t, err)
	assert.Equal(t, model.Window{Start: now, End: now.Add(time.Hour)}, got[2])

	// Nothing new to process.
	h.runner.now = func() time.Time { return now.Add(time.Hour) }
	_, err = h.runner.Execute(ctx, Request{Agent: "plain"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelInFlightRun(t *testing.T) {
	started := make(chan uuid.UUID, 1)
	h := newHarness(t, &fakeAgent{name: "slow", fn: func(ctx context.Context, in agent.JobInput, _ int) (agent.Result, error) {
		assert.Equal(t, in.RunID.String(), ctxutil.RunFieldsFromContext(ctx).RunID)
		started <- in.RunID
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}})

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.runner.Execute(context.Background(), Request{Agent: "slow", Window: window(1)})
		done <- out
	}()

	runID := <-started
	assert.True(t, h.runner.Cancel(runID))
	out := <-done

	assert.Equal(t, model.RunStatusFailedTransient, out.Status)
	assert.Equal(t, 1, out.Attempts, "a cancelled attempt is not retried")
	assert.Equal(t, model.ErrorKindCancelled, out.Result.Error.Kind)
	assert.Nil(t, out.Watermark)
	assert.False(t, h.runner.Cancel(runID), "run is no longer in flight")
}

func TestCancelledRunNeverSucceeds(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "stubborn", fn: func(ctx context.Context, _ agent.JobInput, _ int) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{RecordsWritten: 3}, nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := h.runner.Execute(ctx, Request{Agent: "stubborn", Window: window(1)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailedTransient, out.Status)
	assert.Equal(t, model.ErrorKindCancelled, out.Result.Error.Kind)
	_, ok, _ := h.ledger.GetWatermark(context.Background(), "stubborn", "")
	assert.False(t, ok)
}

func TestCancelJobDuringBackoff(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "flaky", fn: func(context.Context, agent.JobInput, int) (agent.Result, error) {
		return agent.Result{}, errors.New("503")
	}})
	sleeping := make(chan struct{})
	h.runner.sleep = func(ctx context.Context, _ time.Duration) error {
		close(sleeping)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan Outcome, 1)
	var jobID string
	go func() {
		out, _ := h.runner.Execute(context.Background(), Request{Agent: "flaky", Window: window(1)})
		done <- out
	}()
	<-sleeping
	for _, r := range h.ledger.all() {
		jobID = r.JobID
	}
	assert.True(t, h.runner.CancelJob(jobID))
	out := <-done
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, model.RunStatusFailedTransient, out.Status)
}

func TestExecuteAsyncAndDrain(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeAgent{name: "bg", fn: func(context.Context, agent.JobInput, int) (agent.Result, error) {
		<-release
		return agent.Result{RecordsWritten: 2}, nil
	}})

	out, err := h.runner.ExecuteAsync(context.Background(), Request{Agent: "bg", Window: window(1), Trigger: model.TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, out.Status)
	assert.Nil(t, out.Response().LastRun)

	_, err = h.runner.ExecuteAsync(context.Background(), Request{Agent: "missing"})
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)

	close(release)
	require.NoError(t, h.runner.Drain(context.Background()))

	runs := h.ledger.all()
	var sealed []model.AgentRun
	for _, r := range runs {
		if r.JobID == out.JobID {
			sealed = append(sealed, r)
		}
	}
	require.Len(t, sealed, 1)
	assert.Equal(t, model.RunStatusSucceeded, sealed[0].Status)
	assert.Equal(t, model.TriggerAPI, sealed[0].Trigger)

	_, err = h.runner.ExecuteAsync(context.Background(), Request{Agent: "bg", Window: window(1)})
	assert.Error(t, err, "drained runner refuses new work")
}

func TestConcurrentJobsShareNothing(t *testing.T) {
	h := newHarness(t, &fakeAgent{name: "ingestor-google", fn: succeed(1)})
	var wg sync.WaitGroup
	for _, acct := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.Execute(context.Background(), Request{
				Agent: "ingestor-google", Params: map[string]string{"account_id": acct}, Window: window(1),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for _, acct := range []string{"a", "b", "c", "d"} {
		mark, ok, _ := h.ledger.GetWatermark(context.Background(), "ingestor-google", acct)
		assert.True(t, ok)
		assert.Equal(t, now, mark)
	}
}
