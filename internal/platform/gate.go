package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Gate is the live mutation handle. Unless real mutations are enabled it
// forces every call to validate-only, whatever the caller asked for.
type Gate struct {
	mut           Mutator
	realMutations bool
	logger        *slog.Logger
}

// NewGate wraps mut. realMutations is the process-wide switch.
func NewGate(mut Mutator, realMutations bool, logger *slog.Logger) *Gate {
	return &Gate{mut: mut, realMutations: realMutations, logger: logger}
}

func (g *Gate) Live() bool { return true }

// UploadConversions sends the batch, validate-only when real mutations are off.
func (g *Gate) UploadConversions(ctx context.Context, b ConversionBatch) (MutateResult, error) {
	if !g.realMutations {
		b.ValidateOnly = true
	}
	res, err := g.mut.UploadConversions(ctx, b)
	if err != nil {
		return MutateResult{}, err
	}
	res.Committed = !b.ValidateOnly
	return res, nil
}

// MutateCampaigns validates the whole request first, then commits only the
// operations the platform accepted. With real mutations off, or when the
// caller asked for validation only, it stops after the first step.
func (g *Gate) MutateCampaigns(ctx context.Context, req CampaignMutateRequest) (MutateResult, error) {
	check := req
	check.ValidateOnly = true
	validated, err := g.mut.MutateCampaigns(ctx, check)
	if err != nil {
		return MutateResult{}, err
	}
	validated.Committed = false
	if !g.realMutations || req.ValidateOnly {
		if !g.realMutations {
			g.logger.InfoContext(ctx, "platform: real mutations disabled, campaign changes validated only",
				"platform", req.Platform, "account_id", req.AccountID, "operations", len(req.Operations))
		}
		return validated, nil
	}

	// Map validated results back to operations by index.
	accepted := make([]CampaignOperation, 0, len(req.Operations))
	origIndex := make([]int, 0, len(req.Operations))
	final := make([]OperationResult, len(req.Operations))
	for i := range req.Operations {
		final[i] = OperationResult{Index: i, ID: req.Operations[i].CampaignID, OK: true}
	}
	for _, r := range validated.Results {
		if r.Index >= 0 && r.Index < len(final) && !r.OK {
			final[r.Index] = r
		}
	}
	for i, op := range req.Operations {
		if final[i].OK {
			accepted = append(accepted, op)
			origIndex = append(origIndex, i)
		}
	}
	if len(accepted) == 0 {
		return MutateResult{Results: final}, nil
	}

	commit := req
	commit.Operations = accepted
	commit.ValidateOnly = false
	committed, err := g.mut.MutateCampaigns(ctx, commit)
	if err != nil {
		return MutateResult{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	for _, r := range committed.Results {
		if r.Index < 0 || r.Index >= len(origIndex) {
			continue
		}
		orig := origIndex[r.Index]
		r.Index = orig
		final[orig] = r
	}
	return MutateResult{Results: final, Committed: true}, nil
}

// Proposal is a mutation a dry-run job would have sent.
type Proposal struct {
	Conversions *ConversionBatch       `json:"conversions,omitempty"`
	Campaigns   *CampaignMutateRequest `json:"campaigns,omitempty"`
}

// DryRunHandle records proposed mutations and never contacts a platform.
type DryRunHandle struct {
	mu        sync.Mutex
	proposals []Proposal
}

// NewDryRunHandle returns an empty recorder.
func NewDryRunHandle() *DryRunHandle {
	return &DryRunHandle{}
}

func (d *DryRunHandle) Live() bool { return false }

// UploadConversions records the batch and reports every conversion accepted.
func (d *DryRunHandle) UploadConversions(_ context.Context, b ConversionBatch) (MutateResult, error) {
	d.mu.Lock()
	d.proposals = append(d.proposals, Proposal{Conversions: &b})
	d.mu.Unlock()
	res := MutateResult{Results: make([]OperationResult, len(b.Conversions))}
	for i, c := range b.Conversions {
		res.Results[i] = OperationResult{Index: i, ID: c.OrderID, OK: true}
	}
	return res, nil
}

// MutateCampaigns records the request and reports every operation accepted.
func (d *DryRunHandle) MutateCampaigns(_ context.Context, req CampaignMutateRequest) (MutateResult, error) {
	d.mu.Lock()
	d.proposals = append(d.proposals, Proposal{Campaigns: &req})
	d.mu.Unlock()
	res := MutateResult{Results: make([]OperationResult, len(req.Operations))}
	for i, op := range req.Operations {
		res.Results[i] = OperationResult{Index: i, ID: op.CampaignID, OK: true}
	}
	return res, nil
}

// Proposals returns what was recorded so far.
func (d *DryRunHandle) Proposals() []Proposal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Proposal(nil), d.proposals...)
}
