package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

func watermarkLockKey(agentName, scope string) string {
	return "adagent.watermark:" + agentName + "/" + scope
}

// GetWatermark returns the high-water mark for (agent, scope). The boolean is
// false when the agent has never completed a live run in that scope.
func (db *DB) GetWatermark(ctx context.Context, agentName, scope string) (time.Time, bool, error) {
	var t time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT last_processed_at FROM watermarks WHERE agent_name = $1 AND scope = $2`,
		agentName, scope,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("storage: get watermark: %w", err)
	}
	return t.UTC(), true, nil
}

// ListWatermarks returns every scope's watermark for an agent.
func (db *DB) ListWatermarks(ctx context.Context, agentName string) ([]model.Watermark, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_name, scope, last_processed_at, run_id, updated_at
		 FROM watermarks WHERE agent_name = $1 ORDER BY scope`, agentName,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list watermarks: %w", err)
	}
	defer rows.Close()

	var out []model.Watermark
	for rows.Next() {
		var w model.Watermark
		if err := rows.Scan(&w.AgentName, &w.Scope, &w.LastProcessedAt, &w.RunID, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan watermark: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// upsertWatermark moves the mark forward inside a seal transaction. GREATEST
// keeps the mark monotonic even if a caller passes an older timestamp.
func upsertWatermark(ctx context.Context, tx pgx.Tx, agentName, scope string, to time.Time, runID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO watermarks (agent_name, scope, last_processed_at, run_id, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (agent_name, scope) DO UPDATE
		 SET last_processed_at = GREATEST(watermarks.last_processed_at, EXCLUDED.last_processed_at),
		     run_id = CASE WHEN EXCLUDED.last_processed_at > watermarks.last_processed_at
		                   THEN EXCLUDED.run_id ELSE watermarks.run_id END,
		     updated_at = now()`,
		agentName, scope, to, runID,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert watermark: %w", err)
	}
	return nil
}
