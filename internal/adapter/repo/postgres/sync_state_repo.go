package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// SyncStateRepo owns the one-row-per-user sync state.
type SyncStateRepo struct{ Pool PgxPool }

// NewSyncStateRepo constructs a SyncStateRepo with the given pool.
func NewSyncStateRepo(p PgxPool) *SyncStateRepo { return &SyncStateRepo{Pool: p} }

func syncSpan(ctx domain.Context, name, op string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.sync_state")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", "sync_state"),
	)
	return ctx, func() { span.End() }
}

const syncStateColumns = `user_id, COALESCE(history_cursor,''), last_synced_at, last_full_sync_at,
	status, processed, total, created, skipped, errors, COALESCE(message,''), COALESCE(error,''), updated_at`

// Get returns the sync state for a user. A user who never synced gets a
// fresh idle state.
func (r *SyncStateRepo) Get(ctx domain.Context, userID int64) (domain.SyncState, error) {
	ctx, done := syncSpan(ctx, "sync_state.Get", "SELECT")
	defer done()
	q := `SELECT ` + syncStateColumns + ` FROM sync_state WHERE user_id=$1`
	var st domain.SyncState
	err := r.Pool.QueryRow(ctx, q, userID).Scan(&st.UserID, &st.HistoryCursor, &st.LastSyncedAt,
		&st.LastFullSyncAt, &st.Status, &st.Processed, &st.Total, &st.Created, &st.Skipped,
		&st.Errors, &st.Message, &st.Error, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncState{UserID: userID, Status: domain.SyncIdle}, nil
		}
		return domain.SyncState{}, fmt.Errorf("op=sync_state.get: %w", err)
	}
	return st, nil
}

// BeginRun transitions idle/error -> syncing in one statement, clearing
// counters and the previous error. The conditional upsert is the per-user
// serialization gate: a row already in 'syncing' is left untouched and
// ErrAlreadyRunning is returned.
func (r *SyncStateRepo) BeginRun(ctx domain.Context, userID int64) error {
	ctx, done := syncSpan(ctx, "sync_state.BeginRun", "UPSERT")
	defer done()
	q := `INSERT INTO sync_state (user_id, status, processed, total, created, skipped, errors, message, error, updated_at)
		VALUES ($1, 'syncing', 0, 0, 0, 0, 0, '', '', $2)
		ON CONFLICT (user_id) DO UPDATE
		SET status='syncing', processed=0, total=0, created=0, skipped=0, errors=0, message='', error='', updated_at=$2
		WHERE sync_state.status <> 'syncing'`
	tag, err := r.Pool.Exec(ctx, q, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=sync_state.begin_run: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sync_state.begin_run: %w", domain.ErrAlreadyRunning)
	}
	return nil
}

// UpdateProgress writes live counters while a sync runs.
func (r *SyncStateRepo) UpdateProgress(ctx domain.Context, userID int64, processed, total int, message string) error {
	ctx, done := syncSpan(ctx, "sync_state.UpdateProgress", "UPDATE")
	defer done()
	q := `UPDATE sync_state SET processed=$2, total=$3, message=$4, updated_at=$5 WHERE user_id=$1`
	if _, err := r.Pool.Exec(ctx, q, userID, processed, total, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=sync_state.progress: %w", err)
	}
	return nil
}

// Finish transitions syncing -> idle with final counters and timestamps.
func (r *SyncStateRepo) Finish(ctx domain.Context, userID int64, st domain.SyncState) error {
	ctx, done := syncSpan(ctx, "sync_state.Finish", "UPDATE")
	defer done()
	q := `UPDATE sync_state SET status='idle', processed=$2, total=$3, created=$4, skipped=$5, errors=$6,
		message=$7, error='', last_synced_at=$8, last_full_sync_at=COALESCE($9, last_full_sync_at),
		history_cursor=COALESCE(NULLIF($10,''), history_cursor), updated_at=$11
		WHERE user_id=$1`
	if _, err := r.Pool.Exec(ctx, q, userID, st.Processed, st.Total, st.Created, st.Skipped, st.Errors,
		st.Message, st.LastSyncedAt, st.LastFullSyncAt, st.HistoryCursor, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=sync_state.finish: %w", err)
	}
	return nil
}

// SetError transitions syncing -> error with the redacted error string.
func (r *SyncStateRepo) SetError(ctx domain.Context, userID int64, errMsg string) error {
	ctx, done := syncSpan(ctx, "sync_state.SetError", "UPDATE")
	defer done()
	q := `UPDATE sync_state SET status='error', error=$2, updated_at=$3 WHERE user_id=$1`
	if _, err := r.Pool.Exec(ctx, q, userID, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=sync_state.set_error: %w", err)
	}
	return nil
}
