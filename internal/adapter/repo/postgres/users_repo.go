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

// UserRepo persists and loads users.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

func (r *UserRepo) span(ctx domain.Context, name, op string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", "users"),
	)
	return ctx, func() { span.End() }
}

// Create inserts a new user and returns its id. A duplicate email maps to
// ErrConflict.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (int64, error) {
	ctx, done := r.span(ctx, "users.Create", "INSERT")
	defer done()
	q := `INSERT INTO users (email, password_hash, google_id, created_at) VALUES ($1,$2,NULLIF($3,''),$4) RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, u.Email, u.PasswordHash, u.GoogleID, time.Now().UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=user.create: %w", mapError(err))
	}
	return id, nil
}

// GetByID loads a user by id.
func (r *UserRepo) GetByID(ctx domain.Context, id int64) (domain.User, error) {
	ctx, done := r.span(ctx, "users.GetByID", "SELECT")
	defer done()
	q := `SELECT id, email, COALESCE(password_hash,''), COALESCE(google_id,''), created_at FROM users WHERE id=$1`
	return r.scanOne(r.Pool.QueryRow(ctx, q, id), "user.get")
}

// GetByEmail loads a user by email.
func (r *UserRepo) GetByEmail(ctx domain.Context, email string) (domain.User, error) {
	ctx, done := r.span(ctx, "users.GetByEmail", "SELECT")
	defer done()
	q := `SELECT id, email, COALESCE(password_hash,''), COALESCE(google_id,''), created_at FROM users WHERE email=$1`
	return r.scanOne(r.Pool.QueryRow(ctx, q, email), "user.get_by_email")
}

// UpsertByGoogleID links or creates a user for a third-party sign-in: match
// on google_id first, then adopt an existing row by email, else create.
func (r *UserRepo) UpsertByGoogleID(ctx domain.Context, googleID, email string) (domain.User, error) {
	ctx, done := r.span(ctx, "users.UpsertByGoogleID", "INSERT")
	defer done()
	q := `SELECT id, email, COALESCE(password_hash,''), COALESCE(google_id,''), created_at FROM users WHERE google_id=$1`
	u, err := r.scanOne(r.Pool.QueryRow(ctx, q, googleID), "user.get_by_google_id")
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}

	if u, err = r.GetByEmail(ctx, email); err == nil {
		if _, err := r.Pool.Exec(ctx, `UPDATE users SET google_id=$2 WHERE id=$1`, u.ID, googleID); err != nil {
			return domain.User{}, fmt.Errorf("op=user.link_google: %w", mapError(err))
		}
		u.GoogleID = googleID
		return u, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}

	id, err := r.Create(ctx, domain.User{Email: email, GoogleID: googleID})
	if err != nil {
		return domain.User{}, err
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepo) scanOne(row pgx.Row, op string) (domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.GoogleID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return u, nil
}
