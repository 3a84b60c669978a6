package app

import (
	"net/http"

	"golang.org/x/oauth2"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/mailbox"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/tokenvault"
	"github.com/fairyhunter13/jobmail-tracker/internal/config"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// Mailbox OAuth scopes: modify + readonly.
var mailboxScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.readonly",
}

// NewOAuthConfig builds the mailbox OAuth client config.
func NewOAuthConfig(cfg config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.MailboxClientID,
		ClientSecret: cfg.MailboxClientSecret,
		RedirectURL:  cfg.MailboxRedirectURL,
		Scopes:       mailboxScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

// NewMailboxFactory returns a factory that builds one authorized provider
// client per caller. Each fetch worker gets its own client; the handles are
// not safe to share.
func NewMailboxFactory(cfg config.Config, vault *tokenvault.Vault, oauthCfg *oauth2.Config) domain.MailboxClientFactory {
	return func(ctx domain.Context, userID int64) (domain.MailboxClient, error) {
		tok, err := vault.Token(ctx, userID)
		if err != nil {
			return nil, err
		}
		authorized := &http.Client{Transport: &oauth2.Transport{
			Source: oauthCfg.TokenSource(ctx, tok),
			Base:   http.DefaultTransport,
		}}
		return mailbox.NewClient(cfg.MailboxBaseURL, authorized, cfg.MailboxHistoryPageSize, cfg.MailboxListPageSize), nil
	}
}
