// Package tokenvault stores per-user mailbox OAuth credentials on disk.
//
// One JSON blob per user at TOKEN_DIR/token_<user_id>, mode 0600. Written
// only by the OAuth callback; read by the fetcher, refreshing expired tokens
// in place when a refresh credential is available.
package tokenvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// Vault is a file-backed TokenVault. When dir is empty it falls back to the
// legacy single shared token file.
type Vault struct {
	dir        string
	legacyPath string
	oauthCfg   *oauth2.Config
}

// New constructs a Vault. oauthCfg enables refresh-on-read; a nil config
// disables refresh and serves blobs verbatim.
func New(dir, legacyPath string, oauthCfg *oauth2.Config) *Vault {
	return &Vault{dir: dir, legacyPath: legacyPath, oauthCfg: oauthCfg}
}

func (v *Vault) path(userID int64) string {
	if v.dir == "" {
		return v.legacyPath
	}
	return filepath.Join(v.dir, "token_"+strconv.FormatInt(userID, 10))
}

// Put writes the credential blob for a user, creating the parent directory
// and enforcing owner-only permissions.
func (v *Vault) Put(_ domain.Context, userID int64, blob []byte) error {
	p := v.path(userID)
	if parent := filepath.Dir(p); parent != "." {
		if err := os.MkdirAll(parent, 0o700); err != nil {
			return fmt.Errorf("op=vault.mkdir: %w", err)
		}
	}
	if err := os.WriteFile(p, blob, 0o600); err != nil {
		return fmt.Errorf("op=vault.write: %w", err)
	}
	// WriteFile only applies the mode on create; re-assert on rewrite.
	if err := os.Chmod(p, 0o600); err != nil {
		slog.Warn("vault chmod failed", slog.String("path", p), slog.Any("error", err))
	}
	return nil
}

// Get returns the credential blob for a user. Expired tokens with a refresh
// credential are refreshed and rewritten; a missing blob or failed refresh
// returns ErrAuthRequired so the caller surfaces a reauthorize action
// instead of blocking on an interactive flow.
func (v *Vault) Get(ctx domain.Context, userID int64) ([]byte, error) {
	p := v.path(userID)
	blob, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=vault.read: %w", domain.ErrAuthRequired)
		}
		return nil, fmt.Errorf("op=vault.read: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(blob, &tok); err != nil {
		return nil, fmt.Errorf("op=vault.parse: %w", domain.ErrAuthRequired)
	}
	if tok.Valid() || v.oauthCfg == nil {
		return blob, nil
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("op=vault.refresh: token expired without refresh credential: %w", domain.ErrAuthRequired)
	}

	fresh, err := v.oauthCfg.TokenSource(ctx, &tok).Token()
	if err != nil {
		return nil, fmt.Errorf("op=vault.refresh: %v: %w", err, domain.ErrAuthRequired)
	}
	out, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("op=vault.refresh_marshal: %w", err)
	}
	if err := v.Put(ctx, userID, out); err != nil {
		slog.Warn("vault rewrite after refresh failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return out, nil
}

// Token parses the stored blob into an oauth2 token, refreshing as needed.
func (v *Vault) Token(ctx domain.Context, userID int64) (*oauth2.Token, error) {
	blob, err := v.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(blob, &tok); err != nil {
		return nil, fmt.Errorf("op=vault.token_parse: %w", domain.ErrAuthRequired)
	}
	return &tok, nil
}

// Delete removes the credential on explicit revocation. Missing files are
// not an error.
func (v *Vault) Delete(_ domain.Context, userID int64) error {
	if err := os.Remove(v.path(userID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("op=vault.delete: %w", err)
	}
	return nil
}
