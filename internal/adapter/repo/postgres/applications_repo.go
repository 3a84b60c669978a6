package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

const applicationColumns = `id, user_id, source_message_id, company_name, COALESCE(job_title,''),
	COALESCE(position_level,''), category, COALESCE(confidence,0), COALESCE(reasoning,''), stage, status,
	requires_action, COALESCE(action_items,'[]'::jsonb), needs_review, COALESCE(processed_by,''),
	COALESCE(email_subject,''), COALESCE(email_from,''), COALESCE(email_body,''), received_date,
	applied_at, interview_at, offer_at, rejected_at, created_at, updated_at`

// ApplicationRepo reads and updates applications outside the ingestion
// transaction. Inserts happen only through the ingestion loop.
type ApplicationRepo struct{ Pool PgxPool }

// NewApplicationRepo constructs an ApplicationRepo with the given pool.
func NewApplicationRepo(p PgxPool) *ApplicationRepo { return &ApplicationRepo{Pool: p} }

func appSpan(ctx domain.Context, name, op string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", "applications"),
	)
	return ctx, func() { span.End() }
}

// CountByUser returns how many applications a user has.
func (r *ApplicationRepo) CountByUser(ctx domain.Context, userID int64) (int64, error) {
	ctx, done := appSpan(ctx, "applications.CountByUser", "COUNT")
	defer done()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM applications WHERE user_id=$1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=application.count: %w", err)
	}
	return n, nil
}

// ListByUser returns a page of a user's applications, newest received first.
func (r *ApplicationRepo) ListByUser(ctx domain.Context, userID int64, offset, limit int) ([]domain.Application, error) {
	ctx, done := appSpan(ctx, "applications.ListByUser", "SELECT")
	defer done()
	q := `SELECT ` + applicationColumns + ` FROM applications WHERE user_id=$1 ORDER BY received_date DESC NULLS LAST LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=application.list: %w", err)
	}
	defer rows.Close()

	var apps []domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("op=application.list_scan: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=application.list_rows: %w", err)
	}
	return apps, nil
}

// Get loads one application scoped to its owner.
func (r *ApplicationRepo) Get(ctx domain.Context, userID, id int64) (domain.Application, error) {
	ctx, done := appSpan(ctx, "applications.Get", "SELECT")
	defer done()
	q := `SELECT ` + applicationColumns + ` FROM applications WHERE user_id=$1 AND id=$2`
	app, err := scanApplication(r.Pool.QueryRow(ctx, q, userID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Application{}, fmt.Errorf("op=application.get: %w", domain.ErrNotFound)
		}
		return domain.Application{}, fmt.Errorf("op=application.get: %w", err)
	}
	return app, nil
}

// Update persists a reclassification over an existing application.
func (r *ApplicationRepo) Update(ctx domain.Context, app domain.Application) error {
	ctx, done := appSpan(ctx, "applications.Update", "UPDATE")
	defer done()
	items, err := json.Marshal(app.ActionItems)
	if err != nil {
		return fmt.Errorf("op=application.update_marshal: %w", err)
	}
	q := `UPDATE applications SET company_name=$3, job_title=NULLIF($4,''), position_level=NULLIF($5,''),
		category=$6, confidence=$7, reasoning=NULLIF($8,''), stage=$9, status=$10, requires_action=$11,
		action_items=$12, needs_review=$13, processed_by=NULLIF($14,''),
		applied_at=$15, interview_at=$16, offer_at=$17, rejected_at=$18, updated_at=$19
		WHERE user_id=$1 AND id=$2`
	tag, err := r.Pool.Exec(ctx, q, app.UserID, app.ID, app.CompanyName, app.JobTitle, app.PositionLevel,
		app.Category, app.Confidence, app.Reasoning, app.Stage, app.Status, app.RequiresAction,
		items, app.NeedsReview, app.ProcessedBy,
		app.AppliedAt, app.InterviewAt, app.OfferAt, app.RejectedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=application.update: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=application.update: %w", domain.ErrNotFound)
	}
	return nil
}

func scanApplication(row pgx.Row) (domain.Application, error) {
	var app domain.Application
	var items []byte
	var received *time.Time
	if err := row.Scan(&app.ID, &app.UserID, &app.SourceMessageID, &app.CompanyName, &app.JobTitle,
		&app.PositionLevel, &app.Category, &app.Confidence, &app.Reasoning, &app.Stage, &app.Status,
		&app.RequiresAction, &items, &app.NeedsReview, &app.ProcessedBy,
		&app.EmailSubject, &app.EmailFrom, &app.EmailBody, &received,
		&app.AppliedAt, &app.InterviewAt, &app.OfferAt, &app.RejectedAt,
		&app.CreatedAt, &app.UpdatedAt); err != nil {
		return domain.Application{}, err
	}
	if received != nil {
		app.ReceivedAt = *received
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &app.ActionItems); err != nil {
			return domain.Application{}, fmt.Errorf("action_items decode: %w", err)
		}
	}
	return app, nil
}
