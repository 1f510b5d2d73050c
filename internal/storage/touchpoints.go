package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

const touchpointColumns = `click_id, platform, user_ref, occurred_at, campaign, source, medium, landing_url, event_type, raw`

// InsertTouchpoints records clicks, skipping any click_id already present.
// It returns the number of newly inserted rows, so replaying an event stream
// reports zero on the second pass.
func (db *DB) InsertTouchpoints(ctx context.Context, tps []model.Touchpoint) (int, error) {
	if len(tps) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, tp := range tps {
		raw := tp.Raw
		if raw == nil {
			raw = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO touchpoints (`+touchpointColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (click_id) DO NOTHING`,
			tp.ClickID, string(tp.Platform), tp.UserRef, tp.OccurredAt, tp.Campaign,
			tp.Source, tp.Medium, tp.LandingURL, tp.EventType, raw,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	inserted := 0
	for range tps {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("storage: insert touchpoint: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("storage: close touchpoint batch: %w", err)
	}
	return inserted, nil
}

// TouchpointsByClickIDs loads touchpoints for the given click ids.
func (db *DB) TouchpointsByClickIDs(ctx context.Context, ids []string) ([]model.Touchpoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+touchpointColumns+` FROM touchpoints WHERE click_id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: touchpoints by click id: %w", err)
	}
	return collectTouchpoints(rows)
}

// TouchpointsByUserRefs loads touchpoints of the given users that occurred in
// [since, until), newest first.
func (db *DB) TouchpointsByUserRefs(ctx context.Context, refs []string, since, until time.Time) ([]model.Touchpoint, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+touchpointColumns+` FROM touchpoints
		 WHERE user_ref = ANY($1) AND occurred_at >= $2 AND occurred_at < $3
		 ORDER BY occurred_at DESC`,
		refs, since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: touchpoints by user ref: %w", err)
	}
	return collectTouchpoints(rows)
}

func collectTouchpoints(rows pgx.Rows) ([]model.Touchpoint, error) {
	defer rows.Close()
	var out []model.Touchpoint
	for rows.Next() {
		var (
			tp       model.Touchpoint
			platform string
		)
		if err := rows.Scan(&tp.ClickID, &platform, &tp.UserRef, &tp.OccurredAt, &tp.Campaign,
			&tp.Source, &tp.Medium, &tp.LandingURL, &tp.EventType, &tp.Raw); err != nil {
			return nil, fmt.Errorf("storage: scan touchpoint: %w", err)
		}
		tp.Platform = model.Platform(platform)
		tp.OccurredAt = tp.OccurredAt.UTC()
		out = append(out, tp)
	}
	return out, rows.Err()
}
