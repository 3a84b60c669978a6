package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// OAuthStateRepo stores short-lived single-use CSRF state tokens.
type OAuthStateRepo struct{ Pool PgxPool }

// NewOAuthStateRepo constructs an OAuthStateRepo with the given pool.
func NewOAuthStateRepo(p PgxPool) *OAuthStateRepo { return &OAuthStateRepo{Pool: p} }

// Put stores a state token, overwriting any previous row for the same token.
func (r *OAuthStateRepo) Put(ctx domain.Context, st domain.OAuthState) error {
	q := `INSERT INTO oauth_state (token, kind, user_id, redirect_url, created_at)
		VALUES ($1,$2,NULLIF($3,0),$4,$5)
		ON CONFLICT (token) DO UPDATE
		SET kind=EXCLUDED.kind, user_id=EXCLUDED.user_id, redirect_url=EXCLUDED.redirect_url, created_at=EXCLUDED.created_at`
	if _, err := r.Pool.Exec(ctx, q, st.Token, st.Kind, st.UserID, st.RedirectURL, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=oauth_state.put: %w", mapError(err))
	}
	return nil
}

// Consume deletes the row and returns the state. The DELETE ... RETURNING
// makes the consume single-use under concurrent callbacks; expired rows are
// treated as unknown.
func (r *OAuthStateRepo) Consume(ctx domain.Context, token string) (domain.OAuthState, error) {
	q := `DELETE FROM oauth_state WHERE token=$1 RETURNING token, kind, COALESCE(user_id,0), COALESCE(redirect_url,''), created_at`
	var st domain.OAuthState
	err := r.Pool.QueryRow(ctx, q, token).Scan(&st.Token, &st.Kind, &st.UserID, &st.RedirectURL, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OAuthState{}, fmt.Errorf("op=oauth_state.consume: %w", domain.ErrNotFound)
		}
		return domain.OAuthState{}, fmt.Errorf("op=oauth_state.consume: %w", err)
	}
	if time.Since(st.CreatedAt) > domain.OAuthStateTTL {
		return domain.OAuthState{}, fmt.Errorf("op=oauth_state.consume: expired: %w", domain.ErrNotFound)
	}
	return st, nil
}

// CleanupExpired deletes expired state rows; run periodically.
func (r *OAuthStateRepo) CleanupExpired(ctx domain.Context) error {
	q := `DELETE FROM oauth_state WHERE created_at < $1`
	if _, err := r.Pool.Exec(ctx, q, time.Now().UTC().Add(-domain.OAuthStateTTL)); err != nil {
		return fmt.Errorf("op=oauth_state.cleanup: %w", err)
	}
	return nil
}
