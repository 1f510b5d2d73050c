// Package decision holds the agents that change campaigns or enrich
// planning data: the budget optimizer and the keyword hydrator.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

// OptimizerName is the registry name of the budget optimizer.
const OptimizerName = "budget-optimizer"

// Store supplies policies and aggregated metrics, and keeps the per-job
// ledger of campaign changes that makes a retried attempt skip campaigns an
// earlier attempt already changed.
type Store interface {
	ListPolicies(ctx context.Context, enabledOnly bool) ([]model.CampaignPolicy, error)
	CampaignPerformance(ctx context.Context, p model.Platform, from, to time.Time) ([]model.CampaignPerformance, error)
	ReserveMutations(ctx context.Context, jobID string, runID uuid.UUID, p model.Platform, accountID string, muts []storage.CampaignMutation) (storage.MutationReservation, error)
	SettleMutations(ctx context.Context, jobID string, p model.Platform, accountID string, campaignIDs []string, status string) error
}

// Optimizer is the budget-optimizer agent.
type Optimizer struct {
	store      Store
	states     platform.StateReader
	period     time.Duration
	thresholds Thresholds
	logger     *slog.Logger
}

// NewOptimizer creates the optimizer. period is the trailing span that
// performance is aggregated over.
func NewOptimizer(store Store, states platform.StateReader, period time.Duration, th Thresholds, logger *slog.Logger) *Optimizer {
	return &Optimizer{store: store, states: states, period: period, thresholds: th, logger: logger}
}

func (o *Optimizer) Name() string { return OptimizerName }

func (o *Optimizer) Describe() model.AgentInfo {
	return model.AgentInfo{
		Kind:        "decision",
		Description: "Pauses, cuts or grows campaign budgets from trailing CAC and ROAS against each campaign policy.",
	}
}

type accountKey struct {
	platform model.Platform
	account  string
}

type planned struct {
	policy   model.CampaignPolicy
	decision Decision
	op       platform.CampaignOperation
}

func perfKey(p model.Platform, account, campaign string) string {
	return string(p) + "|" + account + "|" + campaign
}

func (o *Optimizer) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	var res agent.Result

	policies, err := o.store.ListPolicies(ctx, true)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "load policies", err)
	}
	policies = filterPolicies(policies, in.Param("platform", ""), in.Param("account_id", ""))
	res.Metric("policies", float64(len(policies)))
	if len(policies) == 0 {
		res.Note("no enabled campaign policies")
		return res, nil
	}

	to := in.Window.End
	from := to.Add(-o.period)
	perf, err := o.store.CampaignPerformance(ctx, "", from, to)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "load performance", err)
	}
	byCampaign := make(map[string]model.CampaignPerformance, len(perf))
	for _, p := range perf {
		byCampaign[perfKey(p.Platform, p.AccountID, p.CampaignID)] = p
	}

	groups := map[accountKey][]model.CampaignPolicy{}
	for _, pol := range policies {
		k := accountKey{pol.Platform, pol.AccountID}
		groups[k] = append(groups[k], pol)
	}
	keys := make([]accountKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].platform != keys[j].platform {
			return keys[i].platform < keys[j].platform
		}
		return keys[i].account < keys[j].account
	})

	counts := map[Action]int{}
	var t tally
	for _, k := range keys {
		plan, err := o.plan(ctx, k, groups[k], byCampaign, counts, &res)
		if err != nil {
			finish(&res, counts, t)
			return res, err
		}
		if len(plan) == 0 {
			continue
		}
		if err := o.submit(ctx, in, k, plan, &t, &res); err != nil {
			finish(&res, counts, t)
			return res, err
		}
	}

	finish(&res, counts, t)
	o.logger.InfoContext(ctx, "decision: budget optimizer finished",
		"policies", len(policies), "applied", t.applied, "proposed", t.proposed,
		"failed", t.failed, "skipped", t.skipped, "dry_run", in.DryRun)
	return res, nil
}

// tally counts operation outcomes across accounts.
type tally struct {
	applied, proposed, failed, skipped int
}

// finish records the decision counts and tally as metrics.
func finish(res *agent.Result, counts map[Action]int, t tally) {
	for _, a := range []Action{ActionNoop, ActionPause, ActionDecrease, ActionIncrease} {
		res.Metric("decisions_"+string(a), float64(counts[a]))
	}
	res.Metric("failed", float64(t.failed))
	res.Metric("applied", float64(t.applied))
	res.Metric("proposed", float64(t.proposed))
	res.Metric("skipped", float64(t.skipped))
	res.RecordsWritten = t.applied
}

func filterPolicies(in []model.CampaignPolicy, p, account string) []model.CampaignPolicy {
	if p == "" && account == "" {
		return in
	}
	out := in[:0:0]
	for _, pol := range in {
		if p != "" && string(pol.Platform) != p {
			continue
		}
		if account != "" && pol.AccountID != account {
			continue
		}
		out = append(out, pol)
	}
	return out
}

// plan decides every campaign of one account and builds the field-masked
// operations that actually change something.
func (o *Optimizer) plan(ctx context.Context, k accountKey, pols []model.CampaignPolicy,
	perf map[string]model.CampaignPerformance, counts map[Action]int, res *agent.Result,
) ([]planned, error) {
	ids := make([]string, len(pols))
	for i, pol := range pols {
		ids[i] = pol.CampaignID
	}
	states, err := o.states.CampaignStates(ctx, k.platform, k.account, ids)
	if err != nil {
		return nil, agent.Wrap(model.ErrorKindTransient, "read campaign state", err)
	}
	byID := make(map[string]platform.CampaignState, len(states))
	for _, s := range states {
		byID[s.CampaignID] = s
	}

	var out []planned
	for _, pol := range pols {
		obs := ObservationOf(perf[perfKey(pol.Platform, pol.AccountID, pol.CampaignID)])
		d := Decide(obs, pol, o.thresholds)
		counts[d.Action]++

		state, ok := byID[pol.CampaignID]
		if !ok {
			res.Note("%s campaign %s: no state returned, skipped", pol.Platform, pol.CampaignID)
			continue
		}

		op := platform.CampaignOperation{CampaignID: pol.CampaignID}
		switch d.Action {
		case ActionPause:
			if state.Status == platform.StatusPaused {
				continue
			}
			op.UpdateMask = []string{platform.FieldStatus}
			op.Status = platform.StatusPaused
		case ActionDecrease, ActionIncrease:
			current := float64(state.DailyBudgetMicros) / 1e6
			next := NextBudget(current, d, pol, o.thresholds)
			micros := int64(math.Round(next * 1e6))
			if micros == state.DailyBudgetMicros {
				continue
			}
			op.UpdateMask = []string{platform.FieldBudget}
			op.BudgetMicros = micros
		default:
			continue
		}
		out = append(out, planned{policy: pol, decision: d, op: op})
	}
	return out, nil
}

// submit sends one account's operations and itemizes the outcome.
//
// Live submissions are recorded in the job's mutation ledger first. A
// campaign an earlier attempt of the same job applied, or lost track of, is
// skipped, so a retried attempt never changes a budget twice.
func (o *Optimizer) submit(ctx context.Context, in agent.JobInput, k accountKey, plan []planned, t *tally, res *agent.Result) error {
	ledger := in.Mutations.Live() && !in.DryRun
	if ledger {
		var err error
		plan, err = o.reserve(ctx, in, k, plan, t, res)
		if err != nil {
			return err
		}
		if len(plan) == 0 {
			return nil
		}
	}

	req := platform.CampaignMutateRequest{Platform: k.platform, AccountID: k.account}
	ids := make([]string, len(plan))
	for i, p := range plan {
		req.Operations = append(req.Operations, p.op)
		ids[i] = p.policy.CampaignID
	}

	out, err := in.Mutations.MutateCampaigns(ctx, req)
	if err != nil {
		if ledger {
			// After a failed commit the platform may hold the changes, so the
			// campaigns stay recorded and later attempts leave them alone.
			status := ""
			if errors.Is(err, platform.ErrOutcomeUnknown) {
				status = storage.MutationUnknown
			}
			if serr := o.store.SettleMutations(context.WithoutCancel(ctx), in.JobID, k.platform, k.account, ids, status); serr != nil {
				o.logger.WarnContext(ctx, "decision: settle mutation ledger failed",
					"job_id", in.JobID, "platform", k.platform, "account_id", k.account, "error", serr)
			}
		}
		return agent.Wrap(model.ErrorKindTransient, fmt.Sprintf("mutate %s account %s", k.platform, k.account), err)
	}

	results := make(map[int]platform.OperationResult, len(out.Results))
	for _, r := range out.Results {
		results[r.Index] = r
	}
	verb := "applied"
	if !out.Committed {
		verb = "proposed"
	}
	var applied, released []string
	for i, p := range plan {
		r, found := results[i]
		if !found || !r.OK {
			t.failed++
			released = append(released, p.policy.CampaignID)
			msg := "no result returned"
			if found {
				msg = r.Error
			}
			res.Note("%s: %s campaign %s %s rejected: %s", model.ErrorKindPartialFailure, k.platform, p.policy.CampaignID, p.decision.Action, msg)
			continue
		}
		if out.Committed {
			t.applied++
			applied = append(applied, p.policy.CampaignID)
		} else {
			t.proposed++
			released = append(released, p.policy.CampaignID)
		}
		res.Note("%s %s campaign %s: %s", verb, p.decision.Action, p.policy.CampaignID, p.decision.Reason)
	}
	if !ledger {
		return nil
	}
	if err := o.store.SettleMutations(ctx, in.JobID, k.platform, k.account, applied, storage.MutationApplied); err != nil {
		return agent.Wrap(model.ErrorKindTransient, "record applied mutations", err)
	}
	if err := o.store.SettleMutations(ctx, in.JobID, k.platform, k.account, released, ""); err != nil {
		return agent.Wrap(model.ErrorKindTransient, "release mutations", err)
	}
	return nil
}

// reserve claims plan's campaigns for this job and drops the ones an earlier
// attempt already recorded.
func (o *Optimizer) reserve(ctx context.Context, in agent.JobInput, k accountKey, plan []planned, t *tally, res *agent.Result) ([]planned, error) {
	muts := make([]storage.CampaignMutation, len(plan))
	for i, p := range plan {
		muts[i] = storage.CampaignMutation{CampaignID: p.policy.CampaignID, Action: string(p.decision.Action)}
	}
	rsv, err := o.store.ReserveMutations(ctx, in.JobID, in.RunID, k.platform, k.account, muts)
	if err != nil {
		return nil, agent.Wrap(model.ErrorKindTransient, "reserve mutations", err)
	}
	owned := make(map[string]bool, len(rsv.Reserved))
	for _, id := range rsv.Reserved {
		owned[id] = true
	}
	kept := plan[:0:0]
	for _, p := range plan {
		id := p.policy.CampaignID
		if owned[id] {
			kept = append(kept, p)
			continue
		}
		t.skipped++
		switch rsv.Held[id] {
		case storage.MutationApplied:
			res.Note("%s campaign %s: already changed by an earlier attempt of this job, skipped", k.platform, id)
		default:
			res.Note("%s campaign %s: outcome of an earlier attempt unknown, skipped", k.platform, id)
		}
	}
	return kept, nil
}
