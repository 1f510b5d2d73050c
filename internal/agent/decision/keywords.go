package decision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
)

// HydratorName is the registry name of the keyword hydrator.
const HydratorName = "keywords-hydrator"

// maxSeedsPerCall is the planner's limit on seeds per request.
const maxSeedsPerCall = 100

// KeywordStore persists keyword research.
type KeywordStore interface {
	UpsertKeywordStats(ctx context.Context, stats []model.KeywordStat) (int, error)
}

// Hydrator pulls search volume and cost estimates for seed keywords.
type Hydrator struct {
	planner platform.KeywordPlanner
	store   KeywordStore
	seeds   []string
	logger  *slog.Logger
	now     func() time.Time
}

// NewHydrator creates the hydrator. A job's "keywords" parameter, a comma
// separated list, replaces the configured seeds.
func NewHydrator(planner platform.KeywordPlanner, store KeywordStore, seeds []string, logger *slog.Logger) *Hydrator {
	return &Hydrator{planner: planner, store: store, seeds: seeds, logger: logger, now: time.Now}
}

func (h *Hydrator) Name() string { return HydratorName }

func (h *Hydrator) Describe() model.AgentInfo {
	return model.AgentInfo{
		Kind:        "decision",
		Description: "Refreshes keyword volume, CPC and competition from the keyword planner.",
	}
}

// DefaultLookback is one day; the planner data is not windowed.
func (h *Hydrator) DefaultLookback() time.Duration { return 24 * time.Hour }

func (h *Hydrator) seedsFor(in agent.JobInput) []string {
	seeds := h.seeds
	if v := in.Param("keywords", ""); v != "" {
		seeds = strings.Split(v, ",")
	}
	return normalizeSeeds(seeds)
}

// Validate rejects jobs with no seed keyword.
func (h *Hydrator) Validate(in agent.JobInput) error {
	if len(h.seedsFor(in)) == 0 {
		return agent.Errorf(model.ErrorKindValidation, "hydrate keywords", "no seed keywords configured")
	}
	return nil
}

func (h *Hydrator) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	var res agent.Result

	if err := h.Validate(in); err != nil {
		return res, err
	}
	seeds := h.seedsFor(in)

	pulled := h.now().UTC()
	var stats []model.KeywordStat
	batches := 0
	for start := 0; start < len(seeds); start += maxSeedsPerCall {
		end := min(start+maxSeedsPerCall, len(seeds))
		ideas, err := h.planner.KeywordIdeas(ctx, seeds[start:end])
		if err != nil {
			return res, agent.Wrap(model.ErrorKindTransient, "keyword ideas", err)
		}
		batches++
		for _, idea := range ideas {
			stats = append(stats, model.KeywordStat{
				Keyword:       idea.Keyword,
				Source:        "google_ads",
				MonthlyVolume: idea.MonthlyVolume,
				EstimatedCPC:  float64(idea.CPCMicros) / 1e6,
				Competition:   idea.Competition,
				PulledAt:      pulled,
			})
		}
	}
	res.Metric("seeds", float64(len(seeds)))
	res.Metric("batches", float64(batches))
	res.Metric("keywords", float64(len(stats)))

	if in.DryRun {
		res.Metric("would_write", float64(len(stats)))
		return res, nil
	}
	n, err := h.store.UpsertKeywordStats(ctx, stats)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "upsert keyword stats", err)
	}
	res.RecordsWritten = n
	h.logger.InfoContext(ctx, "decision: keywords hydrated", "keywords", n, "batches", batches)
	return res, nil
}

func normalizeSeeds(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
