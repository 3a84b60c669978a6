package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// fakeProvider is an httptest-backed mailbox provider. Message ids per query
// and page behavior are scripted.
type fakeProvider struct {
	t *testing.T

	mu sync.Mutex
	// idsByQuery maps query -> pages of ids.
	idsByQuery map[string][][]string
	// repeatToken makes every list response return this next token (stall).
	repeatToken string
	// failQuery is served as HTTP 400.
	failQuery string

	listCalls  atomic.Int64
	getCalls   atomic.Int64
	fail429s   atomic.Int64 // remaining 429s to serve before succeeding
	historyFn  func(w http.ResponseWriter, r *http.Request)
	srv        *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	f := &fakeProvider{t: t, idsByQuery: map[string][][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/messages", f.handleList)
	mux.HandleFunc("/users/me/messages/", f.handleGet)
	mux.HandleFunc("/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.historyFn != nil {
			f.historyFn(w, r)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/users/me/profile", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"historyId": "h-42"})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProvider) client() *Client {
	c := NewClient(f.srv.URL, f.srv.Client(), 100, 100)
	c.retryBaseInterval = time.Millisecond
	return c
}

func (f *fakeProvider) handleList(w http.ResponseWriter, r *http.Request) {
	f.listCalls.Add(1)
	if f.fail429s.Load() > 0 {
		f.fail429s.Add(-1)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	query := r.URL.Query().Get("q")
	if f.failQuery != "" && query == f.failQuery {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	pages := f.idsByQuery[query]
	page := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" && f.repeatToken == "" {
		n, err := strconv.Atoi(tok)
		require.NoError(f.t, err)
		page = n
	}

	resp := map[string]any{}
	if page < len(pages) {
		var msgs []map[string]string
		for _, id := range pages[page] {
			msgs = append(msgs, map[string]string{"id": id})
		}
		resp["messages"] = msgs
	}
	if f.repeatToken != "" {
		resp["nextPageToken"] = f.repeatToken
	} else if page+1 < len(pages) {
		resp["nextPageToken"] = strconv.Itoa(page + 1)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeProvider) handleGet(w http.ResponseWriter, r *http.Request) {
	f.getCalls.Add(1)
	id := r.URL.Path[len("/users/me/messages/"):]
	body := base64.RawURLEncoding.EncodeToString([]byte("body of " + id))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id": id,
		"payload": map[string]any{
			"mimeType": "text/plain",
			"headers": []map[string]string{
				{"name": "Subject", "value": "subject " + id},
				{"name": "From", "value": "sender@example.com"},
				{"name": "Date", "value": "Mon, 02 Jan 2023 10:00:00 +0000"},
			},
			"body": map[string]string{"data": body},
		},
	})
}

func TestFetchQuery_Paginates(t *testing.T) {
	f := newFakeProvider(t)
	f.idsByQuery["q1"] = [][]string{{"a", "b"}, {"c"}}

	msgs, err := FetchQuery(context.Background(), f.client(), "q1", 100, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "subject a", msgs[0].Subject)
	assert.Equal(t, "body of a", msgs[0].Body)
}

func TestFetchQuery_StopsAtMaxResults(t *testing.T) {
	f := newFakeProvider(t)
	f.idsByQuery["q1"] = [][]string{{"a", "b", "c", "d"}}

	msgs, err := FetchQuery(context.Background(), f.client(), "q1", 100, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFetchQuery_BreaksOnRepeatedPageToken(t *testing.T) {
	f := newFakeProvider(t)
	f.idsByQuery["q1"] = [][]string{{"a"}}
	f.repeatToken = "same"

	msgs, err := FetchQuery(context.Background(), f.client(), "q1", 100, 100)
	require.NoError(t, err)
	// Page served twice (token "" then "same"), then the repeat is detected.
	assert.Len(t, msgs, 2)
	assert.LessOrEqual(t, f.listCalls.Load(), int64(3))
}

func TestFetchFull_FusesAndDedupes(t *testing.T) {
	f := newFakeProvider(t)
	f.idsByQuery["q1"] = [][]string{{"a", "b"}}
	f.idsByQuery["q2"] = [][]string{{"b", "c"}}

	var clientsBuilt atomic.Int64
	factory := func(domain.Context) (domain.MailboxClient, error) {
		clientsBuilt.Add(1)
		return f.client(), nil
	}

	msgs, err := FetchFull(context.Background(), factory, []string{"q1", "q2"}, 100, 100, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 3) // "b" appears exactly once

	ids := map[string]int{}
	for _, m := range msgs {
		ids[m.ID]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, ids)
	// One client per worker, never shared across parallel queries.
	assert.Equal(t, int64(2), clientsBuilt.Load())
}

func TestFetchFull_SingleQueryFailureTolerated(t *testing.T) {
	f := newFakeProvider(t)
	f.idsByQuery["ok"] = [][]string{{"a"}}
	f.failQuery = "bad" // served as HTTP 400, non-retryable

	factory := func(domain.Context) (domain.MailboxClient, error) { return f.client(), nil }
	msgs, err := FetchFull(context.Background(), factory, []string{"ok", "bad"}, 100, 100, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].ID)
}

func TestFetchFull_AllQueriesFailedErrors(t *testing.T) {
	factory := func(domain.Context) (domain.MailboxClient, error) {
		return nil, fmt.Errorf("no token")
	}
	_, err := FetchFull(context.Background(), factory, []string{"q1", "q2"}, 100, 100, 2)
	require.Error(t, err)
}

func TestClient_RetriesOn429(t *testing.T) {
	f := newFakeProvider(t)
	f.idsByQuery["q1"] = [][]string{{"a"}}
	f.fail429s.Store(2)

	msgs, err := FetchQuery(context.Background(), f.client(), "q1", 100, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.GreaterOrEqual(t, f.listCalls.Load(), int64(3))
}

func TestClient_NonRetryableStatusPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, srv.Client(), 100, 100)
	c.retryBaseInterval = time.Millisecond

	_, _, err := c.ListMessages(context.Background(), "q", "", 10)
	require.Error(t, err)
}

func TestClient_Profile(t *testing.T) {
	f := newFakeProvider(t)
	cursor, err := f.client().Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h-42", cursor)
}
