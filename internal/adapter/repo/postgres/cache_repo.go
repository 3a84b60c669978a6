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

// CacheRepo is the durable (L2) classification cache tier. Uniqueness of
// (user_id, content_hash) is enforced by a composite unique index.
type CacheRepo struct{ Pool PgxPool }

// NewCacheRepo constructs a CacheRepo with the given pool.
func NewCacheRepo(p PgxPool) *CacheRepo { return &CacheRepo{Pool: p} }

const cacheUpsertSQL = `INSERT INTO classification_cache
	(user_id, content_hash, category, company_name, job_title, position_level, confidence, payload, updated_at)
	VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9)
	ON CONFLICT (user_id, content_hash) DO UPDATE
	SET category=EXCLUDED.category, company_name=EXCLUDED.company_name, job_title=EXCLUDED.job_title,
		position_level=EXCLUDED.position_level, confidence=EXCLUDED.confidence,
		payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`

// Get returns the cached row for (userID, contentHash).
func (r *CacheRepo) Get(ctx domain.Context, userID int64, contentHash string) (domain.ClassificationCacheRow, error) {
	tracer := otel.Tracer("repo.classification_cache")
	ctx, span := tracer.Start(ctx, "classification_cache.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "classification_cache"),
	)
	q := `SELECT user_id, content_hash, category, company_name, COALESCE(job_title,''),
		COALESCE(position_level,''), confidence, payload, updated_at
		FROM classification_cache WHERE user_id=$1 AND content_hash=$2`
	var row domain.ClassificationCacheRow
	err := r.Pool.QueryRow(ctx, q, userID, contentHash).Scan(&row.UserID, &row.ContentHash,
		&row.Category, &row.CompanyName, &row.JobTitle, &row.PositionLevel, &row.Confidence,
		&row.Payload, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClassificationCacheRow{}, fmt.Errorf("op=cache.get: %w", domain.ErrNotFound)
		}
		return domain.ClassificationCacheRow{}, fmt.Errorf("op=cache.get: %w", err)
	}
	return row, nil
}

// Upsert writes the row, overwriting an existing entry for the same key.
// Insert races collapse into the update arm of the conflict clause, so a
// cache write never aborts the surrounding transaction.
func (r *CacheRepo) Upsert(ctx domain.Context, row domain.ClassificationCacheRow) error {
	tracer := otel.Tracer("repo.classification_cache")
	ctx, span := tracer.Start(ctx, "classification_cache.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "classification_cache"),
	)
	if _, err := r.Pool.Exec(ctx, cacheUpsertSQL, row.UserID, row.ContentHash, row.Category,
		row.CompanyName, row.JobTitle, row.PositionLevel, row.Confidence, row.Payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=cache.upsert: %w", mapError(err))
	}
	return nil
}
