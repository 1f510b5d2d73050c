package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

const runColumns = `run_id, job_id, attempt, agent_name, scope, params, window_start, window_end,
	dry_run, trigger, status, started_at, finished_at, records_written, metrics, notes,
	error_kind, error_message, watermark_before, watermark_after`

// InsertRun records a new attempt at dispatch time. The row must be PENDING,
// RUNNING or REJECTED; rejected rows are inserted already sealed.
func (db *DB) InsertRun(ctx context.Context, run model.AgentRun) error {
	normalizeRun(&run)
	var errKind, errMsg *string
	if run.Error != nil {
		k := string(run.Error.Kind)
		errKind, errMsg = &k, &run.Error.Message
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		run.RunID, run.JobID, run.Attempt, run.AgentName, run.Scope, run.Params,
		run.Window.Start, run.Window.End, run.DryRun, run.Trigger, string(run.Status),
		run.StartedAt, run.FinishedAt, run.RecordsWritten, run.Metrics, run.Notes,
		errKind, errMsg, run.WatermarkBefore, run.WatermarkAfter,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// InsertRejection records a job that was refused before execution. The row
// is sealed on insert and never advances a watermark.
func (db *DB) InsertRejection(ctx context.Context, run model.AgentRun) error {
	now := time.Now().UTC()
	run.Status = model.RunStatusRejected
	run.FinishedAt = &now
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	return db.InsertRun(ctx, run)
}

// MarkRunning moves a PENDING attempt to RUNNING.
func (db *DB) MarkRunning(ctx context.Context, runID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs SET status = 'RUNNING', started_at = now()
		 WHERE run_id = $1 AND status = 'PENDING' AND finished_at IS NULL`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("storage: mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mark running %s: %w", runID, ErrRunSealed)
	}
	return nil
}

// SealRequest is the terminal write for one attempt.
type SealRequest struct {
	RunID     uuid.UUID
	AgentName string
	Scope     string
	Status    model.RunStatus
	Result    model.RunResult
	// WindowStart and AdvanceTo describe the processed window. AdvanceTo is
	// set only for a live SUCCEEDED attempt; the watermark moves when the
	// window is contiguous with the current mark and never moves backwards.
	WindowStart time.Time
	AdvanceTo   *time.Time
}

// SealOutcome reports what SealRun wrote.
type SealOutcome struct {
	Run       model.AgentRun
	Advanced  bool
	Watermark *time.Time
}

// SealRun writes the terminal ledger state and, when requested, advances the
// watermark. Both happen in one transaction holding an advisory lock on
// (agent, scope), so concurrent seals for the same key are serialized and a
// crash cannot record success without the watermark or vice versa.
func (db *DB) SealRun(ctx context.Context, req SealRequest) (SealOutcome, error) {
	if !req.Status.Terminal() || req.Status == model.RunStatusRejected {
		return SealOutcome{}, fmt.Errorf("storage: seal run: status %s is not a seal status", req.Status)
	}
	var out SealOutcome
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		out, err = db.sealRunTx(ctx, req)
		return err
	})
	return out, err
}

func (db *DB) sealRunTx(ctx context.Context, req SealRequest) (SealOutcome, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return SealOutcome{}, fmt.Errorf("storage: begin seal: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		watermarkLockKey(req.AgentName, req.Scope)); err != nil {
		return SealOutcome{}, fmt.Errorf("storage: lock watermark: %w", err)
	}

	var current *time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_processed_at FROM watermarks WHERE agent_name = $1 AND scope = $2`,
		req.AgentName, req.Scope,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return SealOutcome{}, fmt.Errorf("storage: read watermark: %w", err)
	}

	res := req.Result
	notes := res.Notes
	after := current
	advanced := false
	if req.AdvanceTo != nil && req.Status == model.RunStatusSucceeded {
		switch {
		case current != nil && req.WindowStart.After(*current):
			notes = append(notes, fmt.Sprintf("watermark not advanced: window starts at %s, after current mark %s",
				req.WindowStart.UTC().Format(time.RFC3339), current.UTC().Format(time.RFC3339)))
		case current != nil && !req.AdvanceTo.After(*current):
			// Backfill inside already-processed territory; the mark stays.
		default:
			if err := upsertWatermark(ctx, tx, req.AgentName, req.Scope, *req.AdvanceTo, req.RunID); err != nil {
				return SealOutcome{}, err
			}
			t := *req.AdvanceTo
			after = &t
			advanced = true
		}
	}

	var errKind, errMsg *string
	if res.Error != nil {
		k := string(res.Error.Kind)
		errKind, errMsg = &k, &res.Error.Message
	}
	metrics := res.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	if notes == nil {
		notes = []string{}
	}

	row := tx.QueryRow(ctx,
		`UPDATE agent_runs
		 SET status = $2, finished_at = now(), records_written = $3, metrics = $4, notes = $5,
		     error_kind = $6, error_message = $7, watermark_after = $8
		 WHERE run_id = $1 AND finished_at IS NULL
		 RETURNING `+runColumns,
		req.RunID, string(req.Status), res.RecordsWritten, metrics, notes, errKind, errMsg, after,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if exists, _ := runExists(ctx, tx, req.RunID); exists {
				return SealOutcome{}, fmt.Errorf("storage: seal run %s: %w", req.RunID, ErrRunSealed)
			}
			return SealOutcome{}, fmt.Errorf("storage: seal run %s: %w", req.RunID, ErrNotFound)
		}
		return SealOutcome{}, fmt.Errorf("storage: seal run: %w", err)
	}

	payload, err := json.Marshal(runNotification{
		RunID: run.RunID, JobID: run.JobID, Agent: run.AgentName, Status: run.Status, Advanced: advanced,
	})
	if err != nil {
		return SealOutcome{}, fmt.Errorf("storage: marshal run notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelRuns, string(payload)); err != nil {
		return SealOutcome{}, fmt.Errorf("storage: notify run sealed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SealOutcome{}, fmt.Errorf("storage: commit seal: %w", err)
	}
	return SealOutcome{Run: run, Advanced: advanced, Watermark: after}, nil
}

func runExists(ctx context.Context, tx pgx.Tx, runID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_runs WHERE run_id = $1)`, runID).Scan(&exists)
	return exists, err
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE run_id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by started_at DESC, optionally filtered by
// agent name, along with the total count.
func (db *DB) ListRuns(ctx context.Context, agentName string, limit, offset int) ([]model.AgentRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE ($1 = '' OR agent_name = $1)`, agentName,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE ($1 = '' OR agent_name = $1)
		 ORDER BY started_at DESC, attempt DESC
		 LIMIT $2 OFFSET $3`,
		agentName, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	return runs, total, err
}

// ListJobAttempts returns every attempt of a job in attempt order.
func (db *DB) ListJobAttempts(ctx context.Context, jobID string) ([]model.AgentRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE job_id = $1 ORDER BY attempt`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list job attempts: %w", err)
	}
	return collectRuns(rows)
}

// FailOrphanedRuns seals attempts left open by a process that died before
// sealing them. They become FAILED_TRANSIENT with kind CANCELLED; watermarks
// are not touched.
func (db *DB) FailOrphanedRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = 'FAILED_TRANSIENT', finished_at = now(),
		     error_kind = 'CANCELLED', error_message = 'orphaned: process exited before the attempt was sealed'
		 WHERE finished_at IS NULL
		   AND started_at < now() - ($1 * interval '1 microsecond')`,
		olderThan.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail orphaned runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type runNotification struct {
	RunID    uuid.UUID       `json:"run_id"`
	JobID    string          `json:"job_id"`
	Agent    string          `json:"agent"`
	Status   model.RunStatus `json:"status"`
	Advanced bool            `json:"watermark_advanced"`
}

func collectRuns(rows pgx.Rows) ([]model.AgentRun, error) {
	defer rows.Close()
	var runs []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (model.AgentRun, error) {
	var (
		r       model.AgentRun
		status  string
		errKind *string
		errMsg  *string
	)
	if err := row.Scan(
		&r.RunID, &r.JobID, &r.Attempt, &r.AgentName, &r.Scope, &r.Params,
		&r.Window.Start, &r.Window.End, &r.DryRun, &r.Trigger, &status,
		&r.StartedAt, &r.FinishedAt, &r.RecordsWritten, &r.Metrics, &r.Notes,
		&errKind, &errMsg, &r.WatermarkBefore, &r.WatermarkAfter,
	); err != nil {
		return model.AgentRun{}, err
	}
	r.Status = model.RunStatus(status)
	if errKind != nil {
		r.Error = &model.RunError{Kind: model.ErrorKind(*errKind)}
		if errMsg != nil {
			r.Error.Message = *errMsg
		}
	}
	r.Window.Start = r.Window.Start.UTC()
	r.Window.End = r.Window.End.UTC()
	return r, nil
}

func normalizeRun(run *model.AgentRun) {
	if run.Params == nil {
		run.Params = map[string]string{}
	}
	if run.Metrics == nil {
		run.Metrics = map[string]float64{}
	}
	if run.Notes == nil {
		run.Notes = []string{}
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Trigger == "" {
		run.Trigger = model.TriggerManual
	}
}
