package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// UpsertAdMetrics writes rows keyed by (platform, account_id, campaign_id, date)
// in a single transaction. Reprocessing a key overwrites it (last write wins),
// so ingesting an overlapping window twice leaves one row per key.
func (db *DB) UpsertAdMetrics(ctx context.Context, metrics []model.AdMetric) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}
	var written int
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		written, err = db.upsertAdMetricsTx(ctx, metrics)
		return err
	})
	return written, err
}

func (db *DB) upsertAdMetricsTx(ctx context.Context, metrics []model.AdMetric) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin metrics upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, m := range metrics {
		raw := m.RawPayload
		if raw == nil {
			raw = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO ad_metrics (platform, account_id, campaign_id, date, campaign_name,
			     impressions, clicks, spend, conversions, conversion_value, raw_payload, ingested_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
			 ON CONFLICT (platform, account_id, campaign_id, date) DO UPDATE
			 SET campaign_name = EXCLUDED.campaign_name,
			     impressions = EXCLUDED.impressions,
			     clicks = EXCLUDED.clicks,
			     spend = EXCLUDED.spend,
			     conversions = EXCLUDED.conversions,
			     conversion_value = EXCLUDED.conversion_value,
			     raw_payload = EXCLUDED.raw_payload,
			     updated_at = now()`,
			string(m.Platform), m.AccountID, m.CampaignID, model.Date(m.Date), m.CampaignName,
			m.Impressions, m.Clicks, m.Spend, m.Conversions, m.ConversionValue, raw,
		)
	}

	br := tx.SendBatch(ctx, batch)
	written := 0
	for range metrics {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("storage: upsert ad metric: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("storage: close metrics batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit metrics upsert: %w", err)
	}
	return written, nil
}

// MetricsFilter narrows aggregate queries. Empty fields match everything.
// From is inclusive and To exclusive, both truncated to dates.
type MetricsFilter struct {
	Platform  model.Platform
	AccountID string
	From      time.Time
	To        time.Time
}

// MetricsSummary is a roll-up over the filtered rows.
type MetricsSummary struct {
	Rows            int
	Impressions     int64
	Clicks          int64
	Spend           float64
	Conversions     float64
	ConversionValue float64
}

// SumAdMetrics aggregates ad_metrics rows matching the filter.
func (db *DB) SumAdMetrics(ctx context.Context, f MetricsFilter) (MetricsSummary, error) {
	var s MetricsSummary
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(impressions), 0)::bigint, COALESCE(SUM(clicks), 0)::bigint,
		        COALESCE(SUM(spend), 0)::float8, COALESCE(SUM(conversions), 0)::float8,
		        COALESCE(SUM(conversion_value), 0)::float8
		 FROM ad_metrics
		 WHERE ($1 = '' OR platform = $1)
		   AND ($2 = '' OR account_id = $2)
		   AND date >= $3 AND date < $4`,
		string(f.Platform), f.AccountID, model.Date(f.From), model.Date(f.To),
	).Scan(&s.Rows, &s.Impressions, &s.Clicks, &s.Spend, &s.Conversions, &s.ConversionValue)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("storage: sum ad metrics: %w", err)
	}
	return s, nil
}

// CampaignPerformance aggregates per-campaign totals for dates in [from, to).
func (db *DB) CampaignPerformance(ctx context.Context, platform model.Platform, from, to time.Time) ([]model.CampaignPerformance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT platform, account_id, campaign_id,
		        SUM(impressions)::bigint, SUM(clicks)::bigint,
		        SUM(spend)::float8, SUM(conversions)::float8, SUM(conversion_value)::float8
		 FROM ad_metrics
		 WHERE ($1 = '' OR platform = $1) AND date >= $2 AND date < $3
		 GROUP BY platform, account_id, campaign_id
		 ORDER BY platform, account_id, campaign_id`,
		string(platform), model.Date(from), model.Date(to),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: campaign performance: %w", err)
	}
	defer rows.Close()

	var out []model.CampaignPerformance
	for rows.Next() {
		var (
			p    model.CampaignPerformance
			plat string
		)
		if err := rows.Scan(&plat, &p.AccountID, &p.CampaignID,
			&p.Impressions, &p.Clicks, &p.Spend, &p.Conversions, &p.ConversionValue); err != nil {
			return nil, fmt.Errorf("storage: scan campaign performance: %w", err)
		}
		p.Platform = model.Platform(plat)
		out = append(out, p)
	}
	return out, rows.Err()
}
