package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// IngestStore opens the ingestion loop's outer transactions. Savepoints map
// to pgx nested transactions (SAVEPOINT under the hood), so a single
// message's unique-constraint race rolls back without losing the batch.
type IngestStore struct{ Pool PgxPool }

// NewIngestStore constructs an IngestStore with the given pool.
func NewIngestStore(p PgxPool) *IngestStore { return &IngestStore{Pool: p} }

// Begin opens an outer ingestion transaction.
func (s *IngestStore) Begin(ctx domain.Context) (domain.IngestTx, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=ingest.begin: %w", mapError(err))
	}
	return &ingestTx{ingestOps: ingestOps{q: tx}, tx: tx}, nil
}

// ingestOps implements the ingestion writes over any pgx.Tx, outer or
// savepoint-nested.
type ingestOps struct{ q pgx.Tx }

func (o ingestOps) ApplicationExists(ctx domain.Context, userID int64, sourceMessageID string) (bool, error) {
	var exists bool
	q := `SELECT EXISTS(SELECT 1 FROM applications WHERE user_id=$1 AND source_message_id=$2)`
	if err := o.q.QueryRow(ctx, q, userID, sourceMessageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=ingest.exists: %w", mapError(err))
	}
	return exists, nil
}

func (o ingestOps) InsertApplication(ctx domain.Context, app *domain.Application) error {
	items, err := json.Marshal(app.ActionItems)
	if err != nil {
		return fmt.Errorf("op=ingest.insert_marshal: %w", err)
	}
	var received *time.Time
	if !app.ReceivedAt.IsZero() {
		received = &app.ReceivedAt
	}
	now := time.Now().UTC()
	q := `INSERT INTO applications (user_id, source_message_id, company_name, job_title, position_level,
		category, confidence, reasoning, stage, status, requires_action, action_items, needs_review,
		processed_by, email_subject, email_from, email_body, received_date,
		applied_at, interview_at, offer_at, rejected_at, created_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,
		NULLIF($14,''),$15,$16,NULLIF($17,''),$18,$19,$20,$21,$22,$23,$23)
		RETURNING id`
	err = o.q.QueryRow(ctx, q, app.UserID, app.SourceMessageID, app.CompanyName, app.JobTitle,
		app.PositionLevel, app.Category, app.Confidence, app.Reasoning, app.Stage, app.Status,
		app.RequiresAction, items, app.NeedsReview, app.ProcessedBy,
		app.EmailSubject, app.EmailFrom, app.EmailBody, received,
		app.AppliedAt, app.InterviewAt, app.OfferAt, app.RejectedAt, now).Scan(&app.ID)
	if err != nil {
		return fmt.Errorf("op=ingest.insert_application: %w", mapError(err))
	}
	app.CreatedAt = now
	app.UpdatedAt = now
	return nil
}

func (o ingestOps) InsertEmailLog(ctx domain.Context, log domain.EmailLog) error {
	q := `INSERT INTO email_logs (user_id, source_message_id, classification, error, processed_at)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5)`
	if _, err := o.q.Exec(ctx, q, log.UserID, log.SourceMessageID, log.Classification, log.Error, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=ingest.insert_email_log: %w", mapError(err))
	}
	return nil
}

func (o ingestOps) UpsertClassificationCache(ctx domain.Context, row domain.ClassificationCacheRow) error {
	if _, err := o.q.Exec(ctx, cacheUpsertSQL, row.UserID, row.ContentHash, row.Category,
		row.CompanyName, row.JobTitle, row.PositionLevel, row.Confidence, row.Payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=ingest.upsert_cache: %w", mapError(err))
	}
	return nil
}

func (o ingestOps) RecentApplicationPairs(ctx domain.Context, userID int64, since time.Time) ([]domain.CompanyTitle, error) {
	q := `SELECT company_name, COALESCE(job_title,'') FROM applications
		WHERE user_id=$1 AND received_date >= $2`
	rows, err := o.q.Query(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("op=ingest.recent_pairs: %w", mapError(err))
	}
	defer rows.Close()
	var out []domain.CompanyTitle
	for rows.Next() {
		var ct domain.CompanyTitle
		if err := rows.Scan(&ct.Company, &ct.Title); err != nil {
			return nil, fmt.Errorf("op=ingest.recent_pairs_scan: %w", err)
		}
		out = append(out, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ingest.recent_pairs_rows: %w", err)
	}
	return out, nil
}

func (o ingestOps) SaveSyncCursor(ctx domain.Context, userID int64, cursor string, fullSync bool, at time.Time) error {
	q := `INSERT INTO sync_state (user_id, history_cursor, last_synced_at, last_full_sync_at, status, updated_at)
		VALUES ($1, NULLIF($2,''), $3, CASE WHEN $4 THEN $3 ELSE NULL END, 'syncing', $3)
		ON CONFLICT (user_id) DO UPDATE
		SET history_cursor=COALESCE(NULLIF($2,''), sync_state.history_cursor),
			last_synced_at=$3,
			last_full_sync_at=CASE WHEN $4 THEN $3 ELSE sync_state.last_full_sync_at END,
			updated_at=$3`
	if _, err := o.q.Exec(ctx, q, userID, cursor, at, fullSync); err != nil {
		return fmt.Errorf("op=ingest.save_cursor: %w", mapError(err))
	}
	return nil
}

// ingestTx is the outer transaction.
type ingestTx struct {
	ingestOps
	tx pgx.Tx
}

func (t *ingestTx) Savepoint(ctx domain.Context) (domain.IngestSavepoint, error) {
	inner, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=ingest.savepoint: %w", mapError(err))
	}
	return &ingestSavepoint{ingestOps: ingestOps{q: inner}, tx: inner}, nil
}

func (t *ingestTx) Commit(ctx domain.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ingest.commit: %w", mapError(err))
	}
	return nil
}

func (t *ingestTx) Rollback(ctx domain.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("op=ingest.rollback: %w", mapError(err))
	}
	return nil
}

// ingestSavepoint is a nested transaction scope.
type ingestSavepoint struct {
	ingestOps
	tx pgx.Tx
}

func (s *ingestSavepoint) Release(ctx domain.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ingest.savepoint_release: %w", mapError(err))
	}
	return nil
}

func (s *ingestSavepoint) Rollback(ctx domain.Context) error {
	if err := s.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("op=ingest.savepoint_rollback: %w", mapError(err))
	}
	return nil
}
