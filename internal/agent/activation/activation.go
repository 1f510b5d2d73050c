// Package activation attributes conversions to ad clicks and sends them
// back to the platform that produced the click.
package activation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

// Name is the registry name of the uploader.
const Name = "conversion-uploader"

const pendingLimit = 1000

// Store is the persistence the uploader needs.
type Store interface {
	PendingConversions(ctx context.Context, w model.Window, lookback time.Duration, limit int) ([]model.Conversion, error)
	TouchpointsByClickIDs(ctx context.Context, ids []string) ([]model.Touchpoint, error)
	TouchpointsByUserRefs(ctx context.Context, refs []string, since, until time.Time) ([]model.Touchpoint, error)
	MarkConversionMatched(ctx context.Context, id, clickID string, p model.Platform) error
	MarkConversionUnmatched(ctx context.Context, id string) error
	BeginUpload(ctx context.Context, conversionID string, p model.Platform, runID uuid.UUID) (storage.UploadLookup, error)
	CompleteUpload(ctx context.Context, conversionID string, p model.Platform) error
	ClearUpload(ctx context.Context, conversionID string, p model.Platform) error
}

// Match picks the touchpoint a conversion is attributed to: the most recent
// candidate with the conversion's click id that occurred no later than the
// conversion and within lookback of it. Without a click id match it falls
// back to the user's last touch under the same bounds.
func Match(conv model.Conversion, candidates []model.Touchpoint, lookback time.Duration) (model.Touchpoint, bool) {
	earliest := conv.OccurredAt.Add(-lookback)
	eligible := func(tp model.Touchpoint) bool {
		return !tp.OccurredAt.After(conv.OccurredAt) && !tp.OccurredAt.Before(earliest)
	}
	latest := func(pred func(model.Touchpoint) bool) (model.Touchpoint, bool) {
		var (
			best  model.Touchpoint
			found bool
		)
		for _, tp := range candidates {
			if !pred(tp) || !eligible(tp) {
				continue
			}
			if !found || tp.OccurredAt.After(best.OccurredAt) ||
				(tp.OccurredAt.Equal(best.OccurredAt) && tp.ClickID < best.ClickID) {
				best, found = tp, true
			}
		}
		return best, found
	}

	if conv.ClickID != "" {
		if tp, ok := latest(func(tp model.Touchpoint) bool { return tp.ClickID == conv.ClickID }); ok {
			return tp, true
		}
	}
	if conv.UserRef != "" {
		return latest(func(tp model.Touchpoint) bool { return tp.UserRef == conv.UserRef })
	}
	return model.Touchpoint{}, false
}

// BuildUpload shapes a matched conversion for the touchpoint's platform.
func BuildUpload(conv model.Conversion, tp model.Touchpoint) platform.ConversionUpload {
	currency := conv.Currency
	if currency == "" {
		currency = "USD"
	}
	return platform.ConversionUpload{
		OrderID:        conv.ConversionID,
		ClickField:     clickField(tp),
		ClickID:        tp.ClickID,
		ConversionName: conv.Name,
		Value:          conv.Value,
		Currency:       currency,
		OccurredAt:     conv.OccurredAt.UTC(),
	}
}

func clickField(tp model.Touchpoint) string {
	switch tp.Platform {
	case model.PlatformGoogle:
		for _, k := range []string{"gbraid", "wbraid"} {
			if v, ok := tp.Raw[k].(string); ok && v == tp.ClickID {
				return k
			}
		}
		return "gclid"
	case model.PlatformReddit:
		return "click_id"
	case model.PlatformX:
		return "twclid"
	case model.PlatformMicrosoft:
		return "msclkid"
	case model.PlatformLinkedIn:
		return "li_fat_id"
	}
	return "click_id"
}

// Uploader is the conversion-uploader agent.
type Uploader struct {
	store    Store
	lookback time.Duration
	accounts map[model.Platform]string
	logger   *slog.Logger
}

// New creates the uploader. accounts names the conversion account per
// platform; a job's account_id parameter overrides it.
func New(store Store, lookback time.Duration, accounts map[model.Platform]string, logger *slog.Logger) *Uploader {
	return &Uploader{store: store, lookback: lookback, accounts: accounts, logger: logger}
}

func (u *Uploader) Name() string { return Name }

func (u *Uploader) Describe() model.AgentInfo {
	return model.AgentInfo{
		Kind:        "activation",
		Description: "Attributes conversions to touchpoints (last touch) and uploads them to the originating platform.",
	}
}

// pending is a matched conversion waiting for delivery.
type pending struct {
	conv   model.Conversion
	upload platform.ConversionUpload
}

type tally struct {
	matched, unmatched, uploaded, validated, failed, skipped, unknown int
}

func (u *Uploader) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	var res agent.Result

	convs, err := u.store.PendingConversions(ctx, in.Window, u.lookback, pendingLimit)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "load conversions", err)
	}
	if len(convs) == pendingLimit {
		res.Note("more than %d conversions pending; the rest wait for the next run", pendingLimit)
	}

	candidates, err := u.candidates(ctx, convs)
	if err != nil {
		return res, err
	}

	var t tally
	byPlatform := map[model.Platform][]pending{}
	for _, c := range convs {
		tp, ok := Match(c, candidates, u.lookback)
		if !ok {
			t.unmatched++
			if !in.DryRun && c.MatchState != model.MatchUnmatched {
				if err := u.store.MarkConversionUnmatched(ctx, c.ConversionID); err != nil {
					return res, agent.Wrap(model.ErrorKindTransient, "mark unmatched", err)
				}
			}
			continue
		}
		t.matched++
		if c.UploadedTo(tp.Platform) {
			t.skipped++
			continue
		}
		if !in.DryRun && (c.MatchState != model.MatchMatched || c.MatchedClickID != tp.ClickID) {
			if err := u.store.MarkConversionMatched(ctx, c.ConversionID, tp.ClickID, tp.Platform); err != nil {
				return res, agent.Wrap(model.ErrorKindTransient, "mark matched", err)
			}
		}
		byPlatform[tp.Platform] = append(byPlatform[tp.Platform], pending{conv: c, upload: BuildUpload(c, tp)})
	}

	platforms := make([]model.Platform, 0, len(byPlatform))
	for p := range byPlatform {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	for _, p := range platforms {
		if err := u.deliver(ctx, in, p, byPlatform[p], &t, &res); err != nil {
			u.finish(&res, t, in.DryRun)
			return res, err
		}
	}
	u.finish(&res, t, in.DryRun)
	u.logger.InfoContext(ctx, "activation: conversions processed",
		"conversions", len(convs), "matched", t.matched, "unmatched", t.unmatched,
		"uploaded", t.uploaded, "failed", t.failed, "dry_run", in.DryRun)
	return res, nil
}

func (u *Uploader) finish(res *agent.Result, t tally, dryRun bool) {
	res.Metric("matched", float64(t.matched))
	res.Metric("unmatched", float64(t.unmatched))
	res.Metric("uploaded", float64(t.uploaded))
	res.Metric("failed", float64(t.failed))
	res.Metric("skipped", float64(t.skipped))
	res.Metric("unknown_outcome", float64(t.unknown))
	if dryRun {
		res.Metric("would_upload", float64(t.validated))
	} else {
		res.Metric("validated_only", float64(t.validated))
	}
	res.RecordsWritten = t.uploaded
}

// candidates loads every touchpoint that could match one of convs.
func (u *Uploader) candidates(ctx context.Context, convs []model.Conversion) ([]model.Touchpoint, error) {
	if len(convs) == 0 {
		return nil, nil
	}
	var (
		clickIDs, refs []string
		first, last    = convs[0].OccurredAt, convs[0].OccurredAt
	)
	for _, c := range convs {
		if c.ClickID != "" {
			clickIDs = append(clickIDs, c.ClickID)
		}
		if c.UserRef != "" {
			refs = append(refs, c.UserRef)
		}
		if c.OccurredAt.Before(first) {
			first = c.OccurredAt
		}
		if c.OccurredAt.After(last) {
			last = c.OccurredAt
		}
	}
	byClick, err := u.store.TouchpointsByClickIDs(ctx, clickIDs)
	if err != nil {
		return nil, agent.Wrap(model.ErrorKindTransient, "load touchpoints", err)
	}
	byUser, err := u.store.TouchpointsByUserRefs(ctx, refs, first.Add(-u.lookback), last.Add(time.Nanosecond))
	if err != nil {
		return nil, agent.Wrap(model.ErrorKindTransient, "load touchpoints", err)
	}
	return append(byClick, byUser...), nil
}

// deliver reserves, uploads and settles the conversions of one platform.
func (u *Uploader) deliver(ctx context.Context, in agent.JobInput, p model.Platform, items []pending, t *tally, res *agent.Result) error {
	reserved := items
	if !in.DryRun {
		reserved = reserved[:0:0]
		for _, it := range items {
			lookup, err := u.store.BeginUpload(ctx, it.conv.ConversionID, p, in.RunID)
			switch {
			case errors.Is(err, storage.ErrUploadInProgress):
				t.skipped++
				res.Note("%s conversion %s: upload already in progress elsewhere", p, it.conv.ConversionID)
				continue
			case errors.Is(err, storage.ErrUploadUnknown):
				t.skipped++
				t.unknown++
				res.Note("%s conversion %s: earlier upload outcome unknown, needs reconciliation", p, it.conv.ConversionID)
				continue
			case err != nil:
				u.release(context.WithoutCancel(ctx), p, reserved)
				return agent.Wrap(model.ErrorKindTransient, "reserve upload", err)
			case lookup.Completed:
				t.skipped++
				continue
			}
			reserved = append(reserved, it)
		}
	}
	if len(reserved) == 0 {
		return nil
	}

	batch := platform.ConversionBatch{Platform: p, AccountID: in.Param("account_id", u.accounts[p])}
	for _, it := range reserved {
		batch.Conversions = append(batch.Conversions, it.upload)
	}

	out, err := in.Mutations.UploadConversions(ctx, batch)
	if err != nil {
		// A timed-out or cancelled call may still have been applied. Keep
		// those reservations so the conversions are not sent twice. The
		// maintenance sweep later marks them unknown.
		if !in.DryRun && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			u.release(context.WithoutCancel(ctx), p, reserved)
		}
		return agent.Wrap(model.ErrorKindTransient, "upload conversions to "+string(p), err)
	}

	results := make(map[int]platform.OperationResult, len(out.Results))
	for _, r := range out.Results {
		results[r.Index] = r
	}
	for i, it := range reserved {
		r, ok := results[i]
		if !ok {
			r = platform.OperationResult{Index: i, Error: "no result returned"}
		}
		id := it.conv.ConversionID
		switch {
		case !r.OK:
			t.failed++
			res.Note("%s: %s conversion %s rejected: %s", model.ErrorKindPartialFailure, p, id, r.Error)
			if !in.DryRun {
				if err := u.store.ClearUpload(ctx, id, p); err != nil {
					return agent.Wrap(model.ErrorKindTransient, "clear upload", err)
				}
			}
		case out.Committed:
			t.uploaded++
			if err := u.store.CompleteUpload(ctx, id, p); err != nil {
				return agent.Wrap(model.ErrorKindTransient, "complete upload", err)
			}
		default:
			// Validated but not committed: free the reservation so a run with
			// real mutations enabled can deliver it.
			t.validated++
			if !in.DryRun {
				if err := u.store.ClearUpload(ctx, id, p); err != nil {
					return agent.Wrap(model.ErrorKindTransient, "clear upload", err)
				}
			}
		}
	}
	return nil
}

func (u *Uploader) release(ctx context.Context, p model.Platform, items []pending) {
	for _, it := range items {
		if err := u.store.ClearUpload(ctx, it.conv.ConversionID, p); err != nil {
			u.logger.WarnContext(ctx, "activation: release reservation failed",
				"conversion_id", it.conv.ConversionID, "platform", p, "error", err)
		}
	}
}
