// Package ingest pulls daily campaign metrics from ad platforms into the
// metrics store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
)

// MetricsStore is the write side used by ingestors.
type MetricsStore interface {
	UpsertAdMetrics(ctx context.Context, metrics []model.AdMetric) (int, error)
}

// maxPages guards against a platform that never stops paging.
const maxPages = 10_000

// Ingestor copies one platform's metrics for a window into the store.
// All pages are fetched before anything is written, so a failed page
// leaves the store untouched.
type Ingestor struct {
	platform model.Platform
	reader   platform.MetricsReader
	store    MetricsStore
	accounts []string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the ingestor for p. accounts are used when a job carries no
// account_id parameter.
func New(p model.Platform, reader platform.MetricsReader, store MetricsStore, accounts []string, logger *slog.Logger) *Ingestor {
	return &Ingestor{platform: p, reader: reader, store: store, accounts: accounts, logger: logger, now: time.Now}
}

// NameFor returns the registry name of the ingestor for p.
func NameFor(p model.Platform) string { return "ingestor-" + string(p) }

// Name returns "ingestor-<platform>".
func (i *Ingestor) Name() string { return NameFor(i.platform) }

func (i *Ingestor) Describe() model.AgentInfo {
	return model.AgentInfo{
		Kind:        "ingestor",
		Description: fmt.Sprintf("Pulls daily campaign metrics from %s into ad_metrics.", i.platform),
	}
}

func (i *Ingestor) accountsFor(in agent.JobInput) []string {
	if acct := in.Param("account_id", ""); acct != "" {
		return []string{acct}
	}
	return i.accounts
}

// Validate rejects jobs with no account to pull.
func (i *Ingestor) Validate(in agent.JobInput) error {
	if len(i.accountsFor(in)) == 0 {
		return agent.Errorf(model.ErrorKindValidation, "ingest", "no account_id given and none configured for %s", i.platform)
	}
	return nil
}

func (i *Ingestor) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	var res agent.Result

	if err := i.Validate(in); err != nil {
		return res, err
	}
	accounts := i.accountsFor(in)

	var rows []model.AdMetric
	pages := 0
	for _, acct := range accounts {
		fetched, n, err := i.fetchAccount(ctx, acct, in.Window)
		if err != nil {
			return res, err
		}
		rows = append(rows, fetched...)
		pages += n
	}

	res.Metric("pages", float64(pages))
	res.Metric("rows_fetched", float64(len(rows)))
	res.Metric("accounts", float64(len(accounts)))

	if in.DryRun {
		res.Metric("would_write", float64(len(rows)))
		res.Note("dry run: %d rows from %d accounts not written", len(rows), len(accounts))
		return res, nil
	}

	written, err := i.store.UpsertAdMetrics(ctx, rows)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "upsert metrics", err)
	}
	res.RecordsWritten = written
	i.logger.InfoContext(ctx, "ingest: metrics upserted",
		"platform", i.platform, "rows", written, "accounts", len(accounts), "pages", pages)
	return res, nil
}

func (i *Ingestor) fetchAccount(ctx context.Context, account string, w model.Window) ([]model.AdMetric, int, error) {
	var (
		out   []model.AdMetric
		token string
		pages int
	)
	now := i.now().UTC()
	for {
		page, err := i.reader.FetchMetrics(ctx, platform.MetricsQuery{
			Platform: i.platform, AccountID: account, Window: w, PageToken: token,
		})
		if err != nil {
			return nil, pages, fmt.Errorf("fetch %s account %s page %d: %w", i.platform, account, pages+1, err)
		}
		pages++
		for _, r := range page.Rows {
			m, err := normalize(i.platform, account, r, now)
			if err != nil {
				return nil, pages, err
			}
			out = append(out, m)
		}
		if page.NextPageToken == "" {
			return out, pages, nil
		}
		if pages >= maxPages || page.NextPageToken == token {
			return nil, pages, agent.Errorf(model.ErrorKindSchema, "ingest", "%s pagination did not terminate", i.platform)
		}
		token = page.NextPageToken
	}
}

// normalize converts a platform row to the unified metric shape.
func normalize(p model.Platform, account string, r platform.MetricsRow, now time.Time) (model.AdMetric, error) {
	if r.CampaignID == "" || r.Date.IsZero() {
		return model.AdMetric{}, agent.Errorf(model.ErrorKindSchema, "normalize", "%s row missing campaign_id or date", p)
	}
	if r.Impressions < 0 || r.Clicks < 0 || r.CostMicros < 0 {
		return model.AdMetric{}, agent.Errorf(model.ErrorKindSchema, "normalize", "%s row %s has negative counters", p, r.CampaignID)
	}
	acct := r.AccountID
	if acct == "" {
		acct = account
	}
	return model.AdMetric{
		Platform:        p,
		AccountID:       acct,
		CampaignID:      r.CampaignID,
		CampaignName:    r.CampaignName,
		Date:            model.Date(r.Date),
		Impressions:     r.Impressions,
		Clicks:          r.Clicks,
		Spend:           float64(r.CostMicros) / 1e6,
		Conversions:     r.Conversions,
		ConversionValue: r.ConversionValue,
		RawPayload: map[string]any{
			"cost_micros": r.CostMicros,
		},
		IngestedAt: now,
	}, nil
}
