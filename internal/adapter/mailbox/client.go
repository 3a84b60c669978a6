// Package mailbox implements the mailbox provider adapter: an authorized
// HTTP client with exponential backoff, history-based delta sync, and a
// parallel multi-query full fetch.
//
// Provider client handles are not safe for concurrent use; parallel fetches
// construct one Client per worker through a factory.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

const (
	maxRetries = 5
	maxPages   = 2000
)

// Client talks to the provider's REST API for a single user. Not safe for
// concurrent use.
type Client struct {
	baseURL         string
	hc              *http.Client
	historyPageSize int
	listPageSize    int
	// retryBaseInterval is the first backoff sleep; subsequent sleeps double.
	// Overridable in tests.
	retryBaseInterval time.Duration
}

// NewClient builds a provider client over an authorized http.Client (the
// oauth2 transport owns token injection).
func NewClient(baseURL string, authorized *http.Client, historyPageSize, listPageSize int) *Client {
	if authorized == nil {
		authorized = http.DefaultClient
	}
	// Wrap with otel instrumentation for outbound spans.
	hc := &http.Client{
		Transport: otelhttp.NewTransport(authorized.Transport),
		Timeout:   60 * time.Second,
	}
	if historyPageSize <= 0 {
		historyPageSize = 100
	}
	if listPageSize <= 0 {
		listPageSize = 100
	}
	return &Client{
		baseURL:           baseURL,
		hc:                hc,
		historyPageSize:   historyPageSize,
		listPageSize:      listPageSize,
		retryBaseInterval: time.Second,
	}
}

// statusError carries a non-2xx provider response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string { return fmt.Sprintf("provider returned HTTP %d", e.Code) }

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusServiceUnavailable
}

// getJSON performs one GET with exponential backoff: retry on 429/500/503
// and transient network errors, sleeping 2^attempt seconds up to 5 attempts.
// Non-retryable errors propagate immediately.
func (c *Client) getJSON(ctx domain.Context, u string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %v", domain.ErrTransientProvider, err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			// Treat remaining transport errors (TLS handshake blips and the
			// like) as transient.
			return fmt.Errorf("%w: %v", domain.ErrTransientProvider, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{Code: resp.StatusCode, Body: string(snippet)}
			if retryableStatus(resp.StatusCode) {
				return fmt.Errorf("%w: %v", domain.ErrTransientProvider, serr)
			}
			return backoff.Permanent(serr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", domain.ErrMalformed, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBaseInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries-1), ctx))
}

// Profile returns the user's current history cursor.
func (c *Client) Profile(ctx domain.Context) (string, error) {
	var out struct {
		HistoryID string `json:"historyId"`
	}
	u := c.baseURL + "/users/me/profile"
	if err := c.getJSON(ctx, u, &out); err != nil {
		return "", fmt.Errorf("op=mailbox.profile: %w", err)
	}
	return out.HistoryID, nil
}

// ListMessages lists message ids matching query, one page at a time.
func (c *Client) ListMessages(ctx domain.Context, query, pageToken string, pageSize int) ([]string, string, error) {
	if pageSize <= 0 || pageSize > c.listPageSize {
		pageSize = c.listPageSize
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		NextPageToken string `json:"nextPageToken"`
	}
	u := c.baseURL + "/users/me/messages?" + q.Encode()
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, "", fmt.Errorf("op=mailbox.list: %w", err)
	}
	ids := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		ids = append(ids, m.ID)
	}
	return ids, out.NextPageToken, nil
}

// GetMessage fetches one full message and decodes it to its parts.
func (c *Client) GetMessage(ctx domain.Context, id string) (domain.EmailMessage, error) {
	var raw rawMessage
	u := c.baseURL + "/users/me/messages/" + url.PathEscape(id) + "?format=full"
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return domain.EmailMessage{}, fmt.Errorf("op=mailbox.get: %w", err)
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return domain.EmailMessage{}, fmt.Errorf("op=mailbox.decode id=%s: %w", id, err)
	}
	return msg, nil
}

// ListHistory walks one page of the provider delta log. A 404 means the
// cursor is too old and the caller must fall back to a full sync.
func (c *Client) ListHistory(ctx domain.Context, startCursor, pageToken string, pageSize int) (domain.HistoryPage, error) {
	if pageSize <= 0 || pageSize > c.historyPageSize {
		pageSize = c.historyPageSize
	}
	q := url.Values{}
	q.Set("startHistoryId", startCursor)
	q.Set("maxResults", strconv.Itoa(pageSize))
	q.Add("historyTypes", "messageAdded")
	q.Add("historyTypes", "messageDeleted")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var out struct {
		History []struct {
			MessagesAdded []struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"messagesAdded"`
			MessagesDeleted []struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"messagesDeleted"`
		} `json:"history"`
		HistoryID     string `json:"historyId"`
		NextPageToken string `json:"nextPageToken"`
	}
	u := c.baseURL + "/users/me/history?" + q.Encode()
	if err := c.getJSON(ctx, u, &out); err != nil {
		var serr *statusError
		if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
			return domain.HistoryPage{}, fmt.Errorf("op=mailbox.history: %w", domain.ErrCursorTooOld)
		}
		return domain.HistoryPage{}, fmt.Errorf("op=mailbox.history: %w", err)
	}
	page := domain.HistoryPage{NewCursor: out.HistoryID, NextPageToken: out.NextPageToken}
	for _, rec := range out.History {
		for _, m := range rec.MessagesAdded {
			page.AddedIDs = append(page.AddedIDs, m.Message.ID)
		}
		for _, m := range rec.MessagesDeleted {
			page.DeletedIDs = append(page.DeletedIDs, m.Message.ID)
		}
	}
	return page, nil
}
