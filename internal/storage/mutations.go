package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// Settled states of the campaign mutation ledger. Fresh reservations are
// in_progress.
const (
	MutationApplied = "applied"
	MutationUnknown = "unknown"
)

// CampaignMutation identifies one campaign change a job intends to make.
type CampaignMutation struct {
	CampaignID string
	Action     string
}

// MutationReservation is the outcome of ReserveMutations.
type MutationReservation struct {
	// Reserved lists the campaigns the caller now owns for this job.
	Reserved []string
	// Held maps campaigns an earlier attempt of the job already recorded to
	// their ledger state. The caller must not change them again.
	Held map[string]string
}

// ReserveMutations records the campaigns job is about to change on one
// account. Rows are keyed by (job, platform, account, campaign) and inserted
// with ON CONFLICT DO NOTHING, so a retried attempt gets back only the
// campaigns no earlier attempt touched.
func (db *DB) ReserveMutations(ctx context.Context, jobID string, runID uuid.UUID, p model.Platform, accountID string, muts []CampaignMutation) (MutationReservation, error) {
	if len(muts) == 0 {
		return MutationReservation{Held: map[string]string{}}, nil
	}
	ids := make([]string, len(muts))
	actions := make([]string, len(muts))
	for i, m := range muts {
		ids[i], actions[i] = m.CampaignID, m.Action
	}

	var out MutationReservation
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		out, err = db.reserveMutationsTx(ctx, jobID, runID, p, accountID, ids, actions)
		return err
	})
	return out, err
}

func (db *DB) reserveMutationsTx(ctx context.Context, jobID string, runID uuid.UUID, p model.Platform, accountID string, ids, actions []string) (MutationReservation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return MutationReservation{}, fmt.Errorf("storage: begin reserve mutations: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`INSERT INTO campaign_mutations (job_id, platform, account_id, campaign_id, action, status, run_id)
		 SELECT $1, $2, $3, c.id, c.action, 'in_progress', $4
		 FROM unnest($5::text[], $6::text[]) AS c(id, action)
		 ON CONFLICT DO NOTHING
		 RETURNING campaign_id`,
		jobID, string(p), accountID, runID, ids, actions,
	)
	if err != nil {
		return MutationReservation{}, fmt.Errorf("storage: reserve mutations: %w", err)
	}
	out := MutationReservation{Reserved: []string{}, Held: map[string]string{}}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return MutationReservation{}, fmt.Errorf("storage: scan reserved mutation: %w", err)
		}
		out.Reserved = append(out.Reserved, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return MutationReservation{}, fmt.Errorf("storage: reserve mutations: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT campaign_id, status FROM campaign_mutations
		 WHERE job_id = $1 AND platform = $2 AND account_id = $3
		   AND campaign_id = ANY($4) AND NOT (campaign_id = ANY($5))`,
		jobID, string(p), accountID, ids, out.Reserved,
	)
	if err != nil {
		return MutationReservation{}, fmt.Errorf("storage: read held mutations: %w", err)
	}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return MutationReservation{}, fmt.Errorf("storage: scan held mutation: %w", err)
		}
		out.Held[id] = status
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return MutationReservation{}, fmt.Errorf("storage: read held mutations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return MutationReservation{}, fmt.Errorf("storage: commit reserve mutations: %w", err)
	}
	return out, nil
}

// SettleMutations moves reserved campaigns of a job to status. Passing an
// empty status deletes the reservations instead, so a later attempt may
// try those campaigns again.
func (db *DB) SettleMutations(ctx context.Context, jobID string, p model.Platform, accountID string, campaignIDs []string, status string) error {
	if len(campaignIDs) == 0 {
		return nil
	}
	var err error
	if status == "" {
		_, err = db.pool.Exec(ctx,
			`DELETE FROM campaign_mutations
			 WHERE job_id = $1 AND platform = $2 AND account_id = $3
			   AND campaign_id = ANY($4) AND status = 'in_progress'`,
			jobID, string(p), accountID, campaignIDs)
	} else {
		_, err = db.pool.Exec(ctx,
			`UPDATE campaign_mutations SET status = $5, updated_at = now()
			 WHERE job_id = $1 AND platform = $2 AND account_id = $3
			   AND campaign_id = ANY($4) AND status = 'in_progress'`,
			jobID, string(p), accountID, campaignIDs, status)
	}
	if err != nil {
		return fmt.Errorf("storage: settle mutations: %w", err)
	}
	return nil
}
