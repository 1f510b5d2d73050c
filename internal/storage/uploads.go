package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// UploadLookup describes the state of an upload reservation.
type UploadLookup struct {
	// Completed means the conversion was already delivered to the platform and
	// the caller must skip it.
	Completed bool
}

// BeginUpload reserves (conversionID, platform) for delivery.
//
// If this call returns (lookup, nil) with lookup.Completed=false, the caller
// owns the reservation and must finish with CompleteUpload or ClearUpload.
// If it returns ErrUploadInProgress, another attempt holds it. If it returns
// ErrUploadUnknown, an earlier attempt may or may not have reached the
// platform and only an operator can settle it.
//
// Stale in-progress reservations are never taken over or deleted.
// MarkStaleUploads turns them into unknown reservations, which keep
// blocking re-delivery.
func (db *DB) BeginUpload(ctx context.Context, conversionID string, platform model.Platform, runID uuid.UUID) (UploadLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO conversion_uploads (conversion_id, platform, status, run_id)
		 VALUES ($1, $2, 'in_progress', $3)
		 ON CONFLICT DO NOTHING`,
		conversionID, string(platform), runID,
	)
	if err != nil {
		return UploadLookup{}, fmt.Errorf("storage: begin upload: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return UploadLookup{}, nil // caller owns delivery
	}

	var status string
	if err := db.pool.QueryRow(ctx,
		`SELECT status FROM conversion_uploads WHERE conversion_id = $1 AND platform = $2`,
		conversionID, string(platform),
	).Scan(&status); err != nil {
		return UploadLookup{}, fmt.Errorf("storage: lookup upload: %w", err)
	}
	switch status {
	case "completed":
		return UploadLookup{Completed: true}, nil
	case "unknown":
		return UploadLookup{}, ErrUploadUnknown
	}
	return UploadLookup{}, ErrUploadInProgress
}

// CompleteUpload marks the reservation delivered and records the platform in
// the conversion's uploaded_platforms set, atomically.
func (db *DB) CompleteUpload(ctx context.Context, conversionID string, platform model.Platform) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin complete upload: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversion_uploads SET status = 'completed', updated_at = now()
		 WHERE conversion_id = $1 AND platform = $2 AND status = 'in_progress'`,
		conversionID, string(platform),
	)
	if err != nil {
		return fmt.Errorf("storage: complete upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete upload: reservation not found or not in_progress")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversions
		 SET uploaded_platforms = array_append(uploaded_platforms, $2), updated_at = now()
		 WHERE conversion_id = $1 AND NOT ($2 = ANY(uploaded_platforms))`,
		conversionID, string(platform),
	); err != nil {
		return fmt.Errorf("storage: record uploaded platform: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit complete upload: %w", err)
	}
	return nil
}

// ClearUpload removes an in-progress reservation after the platform rejected
// the conversion, so a later run may retry it.
func (db *DB) ClearUpload(ctx context.Context, conversionID string, platform model.Platform) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM conversion_uploads
		 WHERE conversion_id = $1 AND platform = $2 AND status = 'in_progress'`,
		conversionID, string(platform),
	)
	if err != nil {
		return fmt.Errorf("storage: clear upload: %w", err)
	}
	return nil
}

// MarkStaleUploads moves in-progress reservations older than ttl to the
// unknown state. Their conversions stay blocked for every later run.
func (db *DB) MarkStaleUploads(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversion_uploads SET status = 'unknown', updated_at = now()
		 WHERE status = 'in_progress' AND updated_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark stale uploads: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnknownUploads returns how many reservations await reconciliation.
func (db *DB) CountUnknownUploads(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversion_uploads WHERE status = 'unknown'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count unknown uploads: %w", err)
	}
	return n, nil
}

// ResolveUpload settles an unknown reservation after an operator checked the
// platform. delivered=true records the conversion as uploaded; false deletes
// the reservation so the next activation run sends it again.
func (db *DB) ResolveUpload(ctx context.Context, conversionID string, platform model.Platform, delivered bool) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin resolve upload: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if delivered {
		tag, err = tx.Exec(ctx,
			`UPDATE conversion_uploads SET status = 'completed', updated_at = now()
			 WHERE conversion_id = $1 AND platform = $2 AND status = 'unknown'`,
			conversionID, string(platform))
	} else {
		tag, err = tx.Exec(ctx,
			`DELETE FROM conversion_uploads
			 WHERE conversion_id = $1 AND platform = $2 AND status = 'unknown'`,
			conversionID, string(platform))
	}
	if err != nil {
		return fmt.Errorf("storage: resolve upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if delivered {
		if _, err := tx.Exec(ctx,
			`UPDATE conversions
			 SET uploaded_platforms = array_append(uploaded_platforms, $2), updated_at = now()
			 WHERE conversion_id = $1 AND NOT ($2 = ANY(uploaded_platforms))`,
			conversionID, string(platform),
		); err != nil {
			return fmt.Errorf("storage: record uploaded platform: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit resolve upload: %w", err)
	}
	return nil
}
