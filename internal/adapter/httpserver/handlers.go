package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/oauth2"

	"github.com/fairyhunter13/jobmail-tracker/internal/config"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
	"github.com/fairyhunter13/jobmail-tracker/internal/usecase"
)

// Server bundles the handlers' dependencies.
type Server struct {
	Cfg         config.Config
	Users       domain.UserRepository
	States      domain.OAuthStateRepository
	Vault       domain.TokenVault
	Coordinator *usecase.SyncCoordinator
	Reprocess   *usecase.ReprocessService
	Tokens      *TokenIssuer
	// OAuthCfg drives the mailbox authorization flow.
	OAuthCfg *oauth2.Config
	// DefaultRedirect is where the callback lands when the state carries no
	// post-auth URL.
	DefaultRedirect string
}

type ctxKey int

const userIDKey ctxKey = 0

// UserID extracts the authenticated user from a request context.
func UserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// RequireAuth authenticates via Bearer JWT, the configured API key, or a
// ?token= query parameter (for EventSource, which cannot set headers).
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" && s.Cfg.APIKey != "" && key == s.Cfg.APIKey && s.Cfg.APIKeyUserID > 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, s.Cfg.APIKeyUserID)))
			return
		}
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			token = q
		}
		if token == "" {
			writeError(w, domain.ErrAuthRequired)
			return
		}
		userID, err := s.Tokens.Verify(token)
		if err != nil {
			writeError(w, domain.ErrAuthRequired)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// Register creates a user with a password verifier and returns a session token.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || len(req.Password) < 8 {
		writeError(w, fmt.Errorf("email and password (8+ chars) required: %w", domain.ErrInvalidArgument))
		return
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.Users.Create(r.Context(), domain.User{Email: strings.ToLower(strings.TrimSpace(req.Email)), PasswordHash: hash})
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.Tokens.Issue(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, UserID: id})
}

// Login verifies credentials and returns a session token.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	u, err := s.Users.GetByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || u.PasswordHash == "" || !VerifyPassword(req.Password, u.PasswordHash) {
		writeError(w, domain.ErrAuthRequired)
		return
	}
	token, err := s.Tokens.Issue(u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: u.ID})
}

// StartSync kicks off a background sync for the caller.
// mode=auto|incremental|full; optional after_date/before_date bound a full
// sync's window.
func (s *Server) StartSync(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	opts := usecase.SyncOptions{
		Mode:       domain.SyncMode(r.URL.Query().Get("mode")),
		AfterDate:  r.URL.Query().Get("after_date"),
		BeforeDate: r.URL.Query().Get("before_date"),
	}
	if err := s.Coordinator.StartSync(r.Context(), userID, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "Email sync started.",
		"status":  domain.SyncRunning,
		"mode":    opts.Mode,
	})
}

// CancelSync requests cooperative cancellation of the caller's running sync.
func (s *Server) CancelSync(w http.ResponseWriter, r *http.Request) {
	s.Coordinator.CancelSync(UserID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Cancellation requested."})
}

// SyncStatus returns the caller's live sync progress projection.
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Coordinator.GetSyncState(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

// SyncEvents streams sync progress as server-sent events until the run lands
// on idle or error.
func (s *Server) SyncEvents(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported: %w", domain.ErrInvalidArgument))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.Coordinator.Subscribe(userID)
	defer cancel()

	send := func(snap domain.SyncSnapshot) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return snap.Status == domain.SyncRunning
	}

	// Seed with the current state so late subscribers see something
	// immediately.
	if st, err := s.Coordinator.GetSyncState(r.Context(), userID); err == nil {
		if !send(st.Snapshot()) {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-events:
			if !send(snap) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// StartReprocess launches a background reclassification of the caller's
// existing applications.
func (s *Server) StartReprocess(w http.ResponseWriter, r *http.Request) {
	if err := s.Reprocess.Start(r.Context(), UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Reprocess started."})
}

// ReprocessStatus returns the caller's reprocess progress.
func (s *Server) ReprocessStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Reprocess.GetState(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// MailboxAuth starts the mailbox OAuth flow: store a single-use state bound
// to the caller and redirect to the provider's consent page.
func (s *Server) MailboxAuth(w http.ResponseWriter, r *http.Request) {
	if s.OAuthCfg == nil || s.OAuthCfg.ClientID == "" {
		writeError(w, fmt.Errorf("mailbox OAuth client not configured: %w", domain.ErrConfig))
		return
	}
	userID := UserID(r.Context())
	state := domain.OAuthState{
		Token:       ulid.Make().String(),
		Kind:        domain.OAuthKindMailbox,
		UserID:      userID,
		RedirectURL: r.URL.Query().Get("redirect_url"),
	}
	if err := s.States.Put(r.Context(), state); err != nil {
		writeError(w, err)
		return
	}
	authURL := s.OAuthCfg.AuthCodeURL(state.Token, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// MailboxCallback finishes the OAuth flow: consume the single-use state,
// exchange the code, write the credential blob, and redirect.
func (s *Server) MailboxCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	stateToken := r.URL.Query().Get("state")
	if code == "" || stateToken == "" {
		writeError(w, fmt.Errorf("missing code or state: %w", domain.ErrInvalidArgument))
		return
	}
	st, err := s.States.Consume(r.Context(), stateToken)
	if err != nil {
		writeError(w, fmt.Errorf("invalid or expired OAuth state: %w", domain.ErrInvalidArgument))
		return
	}
	if st.Kind != domain.OAuthKindMailbox {
		writeError(w, fmt.Errorf("invalid or expired OAuth state: %w", domain.ErrInvalidArgument))
		return
	}
	if s.Cfg.PerUserTokens() && st.UserID == 0 {
		// Multi-user safety: per-user tokens must be bound to a user.
		writeError(w, fmt.Errorf("OAuth state missing user binding: %w", domain.ErrInvalidArgument))
		return
	}

	tok, err := s.OAuthCfg.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, fmt.Errorf("op=oauth.exchange: %w", domain.ErrAuthRequired))
		return
	}
	blob, err := json.Marshal(tok)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Vault.Put(r.Context(), st.UserID, blob); err != nil {
		writeError(w, err)
		return
	}

	redirect := st.RedirectURL
	if redirect == "" {
		redirect = s.DefaultRedirect
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// MailboxRevoke deletes the caller's stored mailbox credential.
func (s *Server) MailboxRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.Vault.Delete(r.Context(), UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mailbox authorization revoked."})
}

// Healthz is a liveness probe.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
