package tokenvault

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

func validToken(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(oauth2.Token{
		AccessToken: "at-123",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return b
}

func TestVault_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	v := New(dir, "", nil)
	ctx := context.Background()

	blob := validToken(t)
	require.NoError(t, v.Put(ctx, 7, blob))

	// One file per user, owner-only permissions.
	path := filepath.Join(dir, "token_7")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := v.Get(ctx, 7)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(got))

	require.NoError(t, v.Delete(ctx, 7))
	_, err = v.Get(ctx, 7)
	assert.True(t, errors.Is(err, domain.ErrAuthRequired))
}

func TestVault_MissingTokenIsAuthRequired(t *testing.T) {
	v := New(t.TempDir(), "", nil)
	_, err := v.Get(context.Background(), 1)
	assert.True(t, errors.Is(err, domain.ErrAuthRequired))
}

func TestVault_CorruptBlobIsAuthRequired(t *testing.T) {
	dir := t.TempDir()
	v := New(dir, "", nil)
	ctx := context.Background()
	require.NoError(t, v.Put(ctx, 3, []byte("not json")))
	_, err := v.Get(ctx, 3)
	assert.True(t, errors.Is(err, domain.ErrAuthRequired))
}

func TestVault_ExpiredWithoutRefreshIsAuthRequired(t *testing.T) {
	dir := t.TempDir()
	v := New(dir, "", &oauth2.Config{ClientID: "id"})
	ctx := context.Background()

	expired, err := json.Marshal(oauth2.Token{
		AccessToken: "old",
		Expiry:      time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, v.Put(ctx, 4, expired))

	_, err = v.Get(ctx, 4)
	assert.True(t, errors.Is(err, domain.ErrAuthRequired))
}

func TestVault_LegacySingleFileMode(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "token.json")
	v := New("", legacy, nil)
	ctx := context.Background()

	blob := validToken(t)
	require.NoError(t, v.Put(ctx, 1, blob))
	// All users share the legacy file.
	got, err := v.Get(ctx, 99)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(got))
}

func TestVault_DeleteMissingIsNoError(t *testing.T) {
	v := New(t.TempDir(), "", nil)
	assert.NoError(t, v.Delete(context.Background(), 42))
}

func TestVault_Token(t *testing.T) {
	v := New(t.TempDir(), "", nil)
	ctx := context.Background()
	require.NoError(t, v.Put(ctx, 5, validToken(t)))

	tok, err := v.Token(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "at-123", tok.AccessToken)
	assert.True(t, tok.Valid())
}
