package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// UpsertPolicies writes campaign policies keyed by (platform, account_id, campaign_id).
func (db *DB) UpsertPolicies(ctx context.Context, policies []model.CampaignPolicy) (int, error) {
	if len(policies) == 0 {
		return 0, nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin policy upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, p := range policies {
		batch.Queue(
			`INSERT INTO campaign_policies (platform, account_id, campaign_id, target_cac, target_roas,
			     min_budget, max_budget, min_conversions, enabled, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			 ON CONFLICT (platform, account_id, campaign_id) DO UPDATE
			 SET target_cac = EXCLUDED.target_cac,
			     target_roas = EXCLUDED.target_roas,
			     min_budget = EXCLUDED.min_budget,
			     max_budget = EXCLUDED.max_budget,
			     min_conversions = EXCLUDED.min_conversions,
			     enabled = EXCLUDED.enabled,
			     updated_at = now()`,
			string(p.Platform), p.AccountID, p.CampaignID, p.TargetCAC, p.TargetROAS,
			p.MinBudget, p.MaxBudget, p.MinConversions, p.Enabled,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range policies {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("storage: upsert policy: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("storage: close policy batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit policy upsert: %w", err)
	}
	return len(policies), nil
}

// ListPolicies returns campaign policies, optionally only enabled ones.
func (db *DB) ListPolicies(ctx context.Context, enabledOnly bool) ([]model.CampaignPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT platform, account_id, campaign_id, target_cac::float8, target_roas::float8,
		        min_budget::float8, max_budget::float8, min_conversions::float8, enabled, updated_at
		 FROM campaign_policies
		 WHERE (NOT $1 OR enabled)
		 ORDER BY platform, account_id, campaign_id`,
		enabledOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	var out []model.CampaignPolicy
	for rows.Next() {
		var (
			p        model.CampaignPolicy
			platform string
		)
		if err := rows.Scan(&platform, &p.AccountID, &p.CampaignID, &p.TargetCAC, &p.TargetROAS,
			&p.MinBudget, &p.MaxBudget, &p.MinConversions, &p.Enabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		p.Platform = model.Platform(platform)
		out = append(out, p)
	}
	return out, rows.Err()
}
