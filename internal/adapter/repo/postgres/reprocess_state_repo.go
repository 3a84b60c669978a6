package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// ReprocessStateRepo tracks long-running reclassification jobs; same shape
// and transition rules as SyncStateRepo.
type ReprocessStateRepo struct{ Pool PgxPool }

// NewReprocessStateRepo constructs a ReprocessStateRepo with the given pool.
func NewReprocessStateRepo(p PgxPool) *ReprocessStateRepo { return &ReprocessStateRepo{Pool: p} }

// Get returns the reprocess state for a user, idle when absent.
func (r *ReprocessStateRepo) Get(ctx domain.Context, userID int64) (domain.ReprocessState, error) {
	q := `SELECT user_id, status, processed, total, updated, errors, COALESCE(message,''), COALESCE(error,''), updated_at
		FROM reprocess_state WHERE user_id=$1`
	var st domain.ReprocessState
	err := r.Pool.QueryRow(ctx, q, userID).Scan(&st.UserID, &st.Status, &st.Processed, &st.Total,
		&st.Updated, &st.Errors, &st.Message, &st.Error, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReprocessState{UserID: userID, Status: domain.SyncIdle}, nil
		}
		return domain.ReprocessState{}, fmt.Errorf("op=reprocess_state.get: %w", err)
	}
	return st, nil
}

// BeginRun gates concurrent reprocess runs the same way sync runs are gated.
func (r *ReprocessStateRepo) BeginRun(ctx domain.Context, userID int64) error {
	q := `INSERT INTO reprocess_state (user_id, status, processed, total, updated, errors, message, error, updated_at)
		VALUES ($1, 'syncing', 0, 0, 0, 0, '', '', $2)
		ON CONFLICT (user_id) DO UPDATE
		SET status='syncing', processed=0, total=0, updated=0, errors=0, message='', error='', updated_at=$2
		WHERE reprocess_state.status <> 'syncing'`
	tag, err := r.Pool.Exec(ctx, q, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=reprocess_state.begin_run: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=reprocess_state.begin_run: %w", domain.ErrAlreadyRunning)
	}
	return nil
}

// UpdateProgress writes live counters while a reprocess runs.
func (r *ReprocessStateRepo) UpdateProgress(ctx domain.Context, userID int64, processed, total, updated, errs int, message string) error {
	q := `UPDATE reprocess_state SET processed=$2, total=$3, updated=$4, errors=$5, message=$6, updated_at=$7 WHERE user_id=$1`
	if _, err := r.Pool.Exec(ctx, q, userID, processed, total, updated, errs, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=reprocess_state.progress: %w", err)
	}
	return nil
}

// Finish transitions syncing -> idle with final counters.
func (r *ReprocessStateRepo) Finish(ctx domain.Context, userID int64, st domain.ReprocessState) error {
	q := `UPDATE reprocess_state SET status='idle', processed=$2, total=$3, updated=$4, errors=$5,
		message=$6, error='', updated_at=$7 WHERE user_id=$1`
	if _, err := r.Pool.Exec(ctx, q, userID, st.Processed, st.Total, st.Updated, st.Errors,
		st.Message, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=reprocess_state.finish: %w", err)
	}
	return nil
}

// SetError transitions syncing -> error.
func (r *ReprocessStateRepo) SetError(ctx domain.Context, userID int64, errMsg string) error {
	q := `UPDATE reprocess_state SET status='error', error=$2, updated_at=$3 WHERE user_id=$1`
	if _, err := r.Pool.Exec(ctx, q, userID, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=reprocess_state.set_error: %w", err)
	}
	return nil
}
