package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// UpsertKeywordStats stores keyword research results keyed by (keyword, source).
func (db *DB) UpsertKeywordStats(ctx context.Context, stats []model.KeywordStat) (int, error) {
	if len(stats) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range stats {
		batch.Queue(
			`INSERT INTO keywords_external (keyword, source, monthly_volume, est_cpc, competition, pulled_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (keyword, source) DO UPDATE
			 SET monthly_volume = EXCLUDED.monthly_volume,
			     est_cpc = EXCLUDED.est_cpc,
			     competition = EXCLUDED.competition,
			     pulled_at = EXCLUDED.pulled_at`,
			s.Keyword, s.Source, s.MonthlyVolume, s.EstimatedCPC, s.Competition, s.PulledAt,
		)
	}
	br := db.pool.SendBatch(ctx, batch)
	written := 0
	for range stats {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return written, fmt.Errorf("storage: upsert keyword stat: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return written, fmt.Errorf("storage: close keyword batch: %w", err)
	}
	return written, nil
}
