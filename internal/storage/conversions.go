package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

const conversionColumns = `conversion_id, click_id, user_ref, name, value::float8, currency, occurred_at,
	match_state, matched_click_id, matched_platform, uploaded_platforms`

// InsertConversions stores conversions reported by the site or CRM. Existing
// conversion ids are left untouched.
func (db *DB) InsertConversions(ctx context.Context, convs []model.Conversion) (int, error) {
	if len(convs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, c := range convs {
		currency := c.Currency
		if currency == "" {
			currency = "USD"
		}
		batch.Queue(
			`INSERT INTO conversions (conversion_id, click_id, user_ref, name, value, currency, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (conversion_id) DO NOTHING`,
			c.ConversionID, c.ClickID, c.UserRef, c.Name, c.Value, currency, c.OccurredAt,
		)
	}
	br := db.pool.SendBatch(ctx, batch)
	inserted := 0
	for range convs {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("storage: insert conversion: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("storage: close conversion batch: %w", err)
	}
	return inserted, nil
}

// PendingConversions returns conversions that still need work: anything that
// occurred in the window, plus older conversions within the attribution
// lookback that are unmatched or matched but not yet uploaded. Conversions
// that are matched and already uploaded to their platform are excluded.
func (db *DB) PendingConversions(ctx context.Context, w model.Window, lookback time.Duration, limit int) ([]model.Conversion, error) {
	if limit <= 0 {
		limit = 1000
	}
	from := w.Start
	if lb := w.End.Add(-lookback); lb.Before(from) {
		from = lb
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+conversionColumns+` FROM conversions
		 WHERE occurred_at >= $1 AND occurred_at < $2
		   AND NOT (match_state = 'matched' AND matched_platform = ANY(uploaded_platforms))
		 ORDER BY occurred_at, conversion_id
		 LIMIT $3`,
		from, w.End, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending conversions: %w", err)
	}
	return collectConversions(rows)
}

// GetConversion loads one conversion.
func (db *DB) GetConversion(ctx context.Context, id string) (model.Conversion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+conversionColumns+` FROM conversions WHERE conversion_id = $1`, id,
	)
	if err != nil {
		return model.Conversion{}, fmt.Errorf("storage: get conversion: %w", err)
	}
	convs, err := collectConversions(rows)
	if err != nil {
		return model.Conversion{}, err
	}
	if len(convs) == 0 {
		return model.Conversion{}, fmt.Errorf("storage: conversion %s: %w", id, ErrNotFound)
	}
	return convs[0], nil
}

// MarkConversionMatched records the touchpoint a conversion was attributed to.
func (db *DB) MarkConversionMatched(ctx context.Context, id, clickID string, platform model.Platform) error {
	return db.setMatch(ctx, id, model.MatchMatched, clickID, platform)
}

// MarkConversionUnmatched flags a conversion that has no touchpoint within the
// lookback. It stays eligible for later runs.
func (db *DB) MarkConversionUnmatched(ctx context.Context, id string) error {
	return db.setMatch(ctx, id, model.MatchUnmatched, "", "")
}

func (db *DB) setMatch(ctx context.Context, id string, state model.MatchState, clickID string, platform model.Platform) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversions
		 SET match_state = $2, matched_click_id = $3, matched_platform = $4, updated_at = now()
		 WHERE conversion_id = $1`,
		id, string(state), clickID, string(platform),
	)
	if err != nil {
		return fmt.Errorf("storage: set conversion match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: conversion %s: %w", id, ErrNotFound)
	}
	return nil
}

func collectConversions(rows pgx.Rows) ([]model.Conversion, error) {
	defer rows.Close()
	var out []model.Conversion
	for rows.Next() {
		var (
			c         model.Conversion
			state     string
			platform  string
			platforms []string
		)
		if err := rows.Scan(&c.ConversionID, &c.ClickID, &c.UserRef, &c.Name, &c.Value, &c.Currency,
			&c.OccurredAt, &state, &c.MatchedClickID, &platform, &platforms); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("storage: scan conversion: %w", err)
		}
		c.MatchState = model.MatchState(state)
		c.MatchedPlatform = model.Platform(platform)
		c.OccurredAt = c.OccurredAt.UTC()
		c.UploadedPlatforms = make([]model.Platform, 0, len(platforms))
		for _, p := range platforms {
			c.UploadedPlatforms = append(c.UploadedPlatforms, model.Platform(p))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
