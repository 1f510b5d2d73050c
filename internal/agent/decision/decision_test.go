package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

var pol = model.CampaignPolicy{
	Platform: model.PlatformGoogle, AccountID: "acct", CampaignID: "c1",
	TargetCAC: 20, TargetROAS: 3, MinConversions: 5, MinBudget: 10, MaxBudget: 200, Enabled: true,
}

func TestDecideRuleOrder(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name        string
		cac, roas   float64
		conversions float64
		want        Action
	}{
		{"meets both targets", 15, 3.5, 40, ActionIncrease},
		{"too expensive", 45, 2, 40, ActionDecrease},
		{"insufficient signal beats everything", 3, 10, 2, ActionNoop},
		{"pause needs both conditions", 45, 1, 40, ActionPause},
		{"just over decrease line", 24.01, 3, 40, ActionDecrease},
		{"cheap but weak ROAS", 15, 2, 40, ActionNoop},
		{"between target and decrease line", 22, 5, 40, ActionNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.cac, tt.roas, tt.conversions, pol, th)
			assert.Equal(t, tt.want, d.Action)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	obs := Observation{Spend: 900, Conversions: 40, ConversionValue: 2000}
	first := Decide(obs, pol, DefaultThresholds())
	for range 100 {
		assert.Equal(t, first, Decide(obs, pol, DefaultThresholds()))
	}
}

func TestObservationRatios(t *testing.T) {
	assert.Equal(t, 15.0, Observation{Spend: 600, Conversions: 40}.CAC())
	assert.True(t, math.IsInf(Observation{Spend: 10}.CAC(), 1))
	assert.Zero(t, Observation{}.CAC())
	assert.Equal(t, 3.5, Observation{Spend: 100, ConversionValue: 350}.ROAS())
	assert.Zero(t, Observation{ConversionValue: 5}.ROAS())

	// Spend without conversions and no minimum: infinite CAC, zero ROAS.
	d := Decide(Observation{Spend: 500}, model.CampaignPolicy{TargetCAC: 20, TargetROAS: 3}, DefaultThresholds())
	assert.Equal(t, ActionPause, d.Action)
}

func TestNextBudget(t *testing.T) {
	th := DefaultThresholds()
	assert.InDelta(t, 80.0, NextBudget(100, Decision{Action: ActionDecrease}, pol, th), 1e-9)
	assert.InDelta(t, 10.0, NextBudget(11, Decision{Action: ActionDecrease}, pol, th), 1e-9, "floored at min_budget")
	assert.InDelta(t, 115.0, NextBudget(100, Decision{Action: ActionIncrease}, pol, th), 1e-9)
	assert.InDelta(t, 200.0, NextBudget(190, Decision{Action: ActionIncrease}, pol, th), 1e-9, "capped at max_budget")
	assert.Equal(t, 100.0, NextBudget(100, Decision{Action: ActionNoop}, pol, th))

	uncapped := pol
	uncapped.MaxBudget = 0
	assert.InDelta(t, 230.0, NextBudget(200, Decision{Action: ActionIncrease}, uncapped, th), 1e-9)
}

type perfStore struct {
	policies []model.CampaignPolicy
	perf     []model.CampaignPerformance
	from, to time.Time
	err      error

	mu     sync.Mutex
	ledger map[string]string
}

func ledgerKey(job string, p model.Platform, account, campaign string) string {
	return job + "|" + string(p) + "|" + account + "|" + campaign
}

// ReserveMutations mimics the ON CONFLICT DO NOTHING ledger in Postgres.
func (s *perfStore) ReserveMutations(_ context.Context, job string, _ uuid.UUID, p model.Platform, account string, muts []storage.CampaignMutation) (storage.MutationReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		s.ledger = map[string]string{}
	}
	out := storage.MutationReservation{Held: map[string]string{}}
	for _, m := range muts {
		key := ledgerKey(job, p, account, m.CampaignID)
		if status, ok := s.ledger[key]; ok {
			out.Held[m.CampaignID] = status
			continue
		}
		s.ledger[key] = "in_progress"
		out.Reserved = append(out.Reserved, m.CampaignID)
	}
	return out, nil
}

func (s *perfStore) SettleMutations(_ context.Context, job string, p model.Platform, account string, ids []string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		key := ledgerKey(job, p, account, id)
		if s.ledger[key] != "in_progress" {
			continue
		}
		if status == "" {
			delete(s.ledger, key)
		} else {
			s.ledger[key] = status
		}
	}
	return nil
}

func (s *perfStore) ListPolicies(_ context.Context, enabledOnly bool) ([]model.CampaignPolicy, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.CampaignPolicy
	for _, p := range s.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *perfStore) CampaignPerformance(_ context.Context, _ model.Platform, from, to time.Time) ([]model.CampaignPerformance, error) {
	s.from, s.to = from, to
	return s.perf, nil
}

func policyFor(id string) model.CampaignPolicy {
	p := pol
	p.CampaignID = id
	return p
}

func perf(id string, spend, conv, value float64) model.CampaignPerformance {
	return model.CampaignPerformance{Platform: model.PlatformGoogle, AccountID: "acct", CampaignID: id,
		Spend: spend, Conversions: conv, ConversionValue: value}
}

func optimizerFixture() (*perfStore, *platform.Simulated) {
	store := &perfStore{
		policies: []model.CampaignPolicy{policyFor("grow"), policyFor("cut"), policyFor("stop"), policyFor("quiet")},
		perf: []model.CampaignPerformance{
			perf("grow", 600, 40, 2100), // CAC 15, ROAS 3.5
			perf("cut", 1800, 40, 3600), // CAC 45, ROAS 2
			perf("stop", 1800, 40, 1800), // CAC 45, ROAS 1
			perf("quiet", 6, 2, 20),     // below min conversions
		},
	}
	sim := platform.NewSimulated()
	for _, id := range []string{"grow", "cut", "stop", "quiet"} {
		sim.SetCampaignState(model.PlatformGoogle, "acct", platform.CampaignState{
			CampaignID: id, Status: platform.StatusEnabled, DailyBudgetMicros: 100_000_000,
		})
	}
	return store, sim
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var end = time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)

func TestOptimizerLiveAppliesFieldMaskedChanges(t *testing.T) {
	store, sim := optimizerFixture()
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())

	res, err := o.Run(context.Background(), agent.JobInput{
		JobID:     "budget-optimizer-1",
		Window:    model.Window{Start: end.Add(-24 * time.Hour), End: end},
		Mutations: platform.NewGate(sim, true, discard()),
	})
	require.NoError(t, err)
	assert.Equal(t, end.AddDate(0, 0, -14), store.from)
	assert.Equal(t, end, store.to)
	assert.Equal(t, 3, res.RecordsWritten)
	assert.Equal(t, 1.0, res.Metrics["decisions_noop"])

	states, err := sim.CampaignStates(context.Background(), model.PlatformGoogle, "acct", []string{"grow", "cut", "stop", "quiet"})
	require.NoError(t, err)
	assert.Equal(t, int64(115_000_000), states[0].DailyBudgetMicros)
	assert.Equal(t, int64(80_000_000), states[1].DailyBudgetMicros)
	assert.Equal(t, platform.StatusPaused, states[2].Status)
	assert.Equal(t, int64(100_000_000), states[2].DailyBudgetMicros, "pause leaves the budget alone")
	assert.Equal(t, int64(100_000_000), states[3].DailyBudgetMicros)

	muts := sim.Mutations()
	require.Len(t, muts, 1)
	for _, op := range muts[0].Operations {
		require.Len(t, op.UpdateMask, 1)
	}

	// A second job with the same data: pause is already in effect.
	res, err = o.Run(context.Background(), agent.JobInput{JobID: "budget-optimizer-2", Window: model.Window{Start: end.Add(-24 * time.Hour), End: end}, Mutations: platform.NewGate(sim, true, discard())})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsWritten)
}

func TestOptimizerDryRunNeverMutates(t *testing.T) {
	store, sim := optimizerFixture()
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())
	handle := platform.NewDryRunHandle()

	res, err := o.Run(context.Background(), agent.JobInput{Window: model.Window{Start: end.Add(-time.Hour), End: end}, DryRun: true, Mutations: handle})
	require.NoError(t, err)
	assert.Zero(t, res.RecordsWritten)
	assert.Equal(t, 3.0, res.Metrics["proposed"])
	assert.Zero(t, sim.Calls("mutate_campaigns"))
	require.Len(t, handle.Proposals(), 1)
	for _, n := range res.Notes {
		assert.True(t, strings.HasPrefix(n, "proposed"), n)
	}
}

func TestOptimizerPartialFailure(t *testing.T) {
	store, sim := optimizerFixture()
	sim.RejectCampaign("cut", "budget locked by shared budget")
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())

	res, err := o.Run(context.Background(), agent.JobInput{Window: model.Window{Start: end.Add(-time.Hour), End: end}, Mutations: platform.NewGate(sim, true, discard())})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsWritten)
	assert.Equal(t, 1.0, res.Metrics["failed"])

	var partial []string
	for _, n := range res.Notes {
		if strings.HasPrefix(n, string(model.ErrorKindPartialFailure)) {
			partial = append(partial, n)
		}
	}
	require.Len(t, partial, 1)
	assert.Contains(t, partial[0], "budget locked")
}

func TestOptimizerRealMutationsOff(t *testing.T) {
	store, sim := optimizerFixture()
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())

	res, err := o.Run(context.Background(), agent.JobInput{Window: model.Window{Start: end.Add(-time.Hour), End: end}, Mutations: platform.NewGate(sim, false, discard())})
	require.NoError(t, err)
	assert.Zero(t, res.RecordsWritten)
	assert.Equal(t, 3.0, res.Metrics["proposed"])
	assert.Empty(t, sim.Mutations())
}

func TestOptimizerFiltersByParams(t *testing.T) {
	store, sim := optimizerFixture()
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())
	res, err := o.Run(context.Background(), agent.JobInput{
		Params: map[string]string{"platform": "reddit"},
		Window: model.Window{Start: end.Add(-time.Hour), End: end}, Mutations: platform.NewDryRunHandle(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Metrics["policies"])
	assert.Equal(t, []string{"no enabled campaign policies"}, res.Notes)
}

// flakyMutator fails the n-th MutateCampaigns call (1-based). With apply set
// it forwards the call first, like a commit whose response was lost.
type flakyMutator struct {
	platform.Mutator
	mu    sync.Mutex
	calls int
	fail  int
	apply bool
	err   error
}

func (f *flakyMutator) MutateCampaigns(ctx context.Context, req platform.CampaignMutateRequest) (platform.MutateResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.fail
	f.mu.Unlock()
	if !fail {
		return f.Mutator.MutateCampaigns(ctx, req)
	}
	if f.apply {
		if _, err := f.Mutator.MutateCampaigns(ctx, req); err != nil {
			return platform.MutateResult{}, err
		}
	}
	return platform.MutateResult{}, f.err
}

// twoAccounts has one campaign to grow in each of accounts a1 and a2.
func twoAccounts() (*perfStore, *platform.Simulated) {
	store := &perfStore{}
	sim := platform.NewSimulated()
	for _, acct := range []string{"a1", "a2"} {
		id := "g" + acct[1:]
		p := pol
		p.AccountID, p.CampaignID = acct, id
		store.policies = append(store.policies, p)
		store.perf = append(store.perf, model.CampaignPerformance{
			Platform: model.PlatformGoogle, AccountID: acct, CampaignID: id,
			Spend: 600, Conversions: 40, ConversionValue: 2100,
		})
		sim.SetCampaignState(model.PlatformGoogle, acct, platform.CampaignState{
			CampaignID: id, Status: platform.StatusEnabled, DailyBudgetMicros: 100_000_000,
		})
	}
	return store, sim
}

func budgetOf(t *testing.T, sim *platform.Simulated, acct, id string) int64 {
	t.Helper()
	states, err := sim.CampaignStates(context.Background(), model.PlatformGoogle, acct, []string{id})
	require.NoError(t, err)
	require.Len(t, states, 1)
	return states[0].DailyBudgetMicros
}

func TestOptimizerRetryAppliesEachChangeOnce(t *testing.T) {
	transient := &platform.Error{Platform: model.PlatformGoogle, Op: "mutate_campaigns", Kind: model.ErrorKindTransient, Err: errors.New("503 backend")}

	tests := []struct {
		name  string
		fail  int
		apply bool
		// budgets after both attempts
		a1, a2 int64
	}{
		// Calls: a1 validate, a1 commit, a2 validate, a2 commit.
		{name: "second account fails validation", fail: 3, a1: 115_000_000, a2: 115_000_000},
		{name: "commit lost before reaching the platform", fail: 2, a1: 100_000_000, a2: 115_000_000},
		{name: "commit applied but response lost", fail: 2, apply: true, a1: 115_000_000, a2: 115_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, sim := twoAccounts()
			flaky := &flakyMutator{Mutator: sim, fail: tt.fail, apply: tt.apply, err: transient}
			o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())
			in := agent.JobInput{
				JobID:     "budget-optimizer-20250215T000000-0badcafe",
				Window:    model.Window{Start: end.Add(-24 * time.Hour), End: end},
				Mutations: platform.NewGate(flaky, true, discard()),
			}

			in.RunID = uuid.New()
			_, err := o.Run(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, model.ErrorKindTransient, agent.KindOf(err))

			in.RunID = uuid.New()
			res, err := o.Run(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, 1.0, res.Metrics["skipped"])
			assert.Equal(t, 1, res.RecordsWritten)

			assert.Equal(t, tt.a1, budgetOf(t, sim, "a1", "g1"))
			assert.Equal(t, tt.a2, budgetOf(t, sim, "a2", "g2"))
		})
	}
}

func TestOptimizerRetryNotesSkippedCampaigns(t *testing.T) {
	store, sim := twoAccounts()
	flaky := &flakyMutator{Mutator: sim, fail: 2, err: &platform.Error{Platform: model.PlatformGoogle, Kind: model.ErrorKindTransient, Err: context.DeadlineExceeded}}
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())
	in := agent.JobInput{JobID: "job-1", Window: model.Window{Start: end.Add(-time.Hour), End: end}, Mutations: platform.NewGate(flaky, true, discard())}

	_, err := o.Run(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, "unknown", store.ledger[ledgerKey("job-1", model.PlatformGoogle, "a1", "g1")])

	res, err := o.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(res.Notes, "\n"), "google campaign g1: outcome of an earlier attempt unknown, skipped")
	assert.Equal(t, "applied", store.ledger[ledgerKey("job-1", model.PlatformGoogle, "a2", "g2")])

	// Another job is free to change the same campaigns.
	in.JobID = "job-2"
	res, err = o.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsWritten)
}

func TestOptimizerValidateOnlyLeavesLedgerEmpty(t *testing.T) {
	store, sim := optimizerFixture()
	o := NewOptimizer(store, sim, 14*24*time.Hour, DefaultThresholds(), discard())
	in := agent.JobInput{JobID: "job-1", Window: model.Window{Start: end.Add(-time.Hour), End: end}, Mutations: platform.NewGate(sim, false, discard())}

	_, err := o.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, store.ledger)
}

func TestOptimizerStoreError(t *testing.T) {
	o := NewOptimizer(&perfStore{err: errors.New("db gone")}, platform.NewSimulated(), time.Hour, DefaultThresholds(), discard())
	_, err := o.Run(context.Background(), agent.JobInput{Mutations: platform.NewDryRunHandle()})
	assert.Equal(t, model.ErrorKindTransient, agent.KindOf(err))
}

type kwStore struct {
	stats []model.KeywordStat
}

func (k *kwStore) UpsertKeywordStats(_ context.Context, stats []model.KeywordStat) (int, error) {
	k.stats = append(k.stats, stats...)
	return len(stats), nil
}

func TestHydratorBatches(t *testing.T) {
	var seeds []string
	for i := range 250 {
		seeds = append(seeds, "kw"+strings.Repeat("x", i%7)+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	sim := platform.NewSimulated()
	store := &kwStore{}
	h := NewHydrator(sim, store, seeds, discard())

	res, err := h.Run(context.Background(), agent.JobInput{})
	require.NoError(t, err)
	assert.Equal(t, 3, sim.Calls("keyword_ideas"))
	assert.Equal(t, 250, res.RecordsWritten)
	assert.Equal(t, "google_ads", store.stats[0].Source)
	assert.Greater(t, store.stats[0].EstimatedCPC, 0.0)
}

func TestHydratorParamsAndDryRun(t *testing.T) {
	sim := platform.NewSimulated()
	store := &kwStore{}
	h := NewHydrator(sim, store, nil, discard())

	res, err := h.Run(context.Background(), agent.JobInput{Params: map[string]string{"keywords": " Ads , ads,crm "}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Metrics["would_write"])
	assert.Empty(t, store.stats)

	_, err = h.Run(context.Background(), agent.JobInput{})
	assert.Equal(t, model.ErrorKindValidation, agent.KindOf(err))

	var v agent.Validator = h
	assert.Equal(t, model.ErrorKindValidation, agent.KindOf(v.Validate(agent.JobInput{Params: map[string]string{"keywords": " , "}})))
	assert.NoError(t, v.Validate(agent.JobInput{Params: map[string]string{"keywords": "crm"}}))
}
