package mailbox

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// ClientFactory builds a fresh provider client. FetchFull calls it once per
// worker goroutine; reusing one client across parallel queries corrupts the
// underlying connection state.
type ClientFactory func(ctx domain.Context) (domain.MailboxClient, error)

// FetchQuery pulls full messages for one query, paginating until the next
// token is exhausted, the token repeats (stall), the page guard fires, or
// maxResults messages have accumulated.
func FetchQuery(ctx domain.Context, client domain.MailboxClient, query string, pageSize, maxResults int) ([]domain.EmailMessage, error) {
	var out []domain.EmailMessage
	pageToken := ""
	for page := 0; ; page++ {
		ids, nextToken, err := client.ListMessages(ctx, query, pageToken, pageSize)
		if err != nil {
			return nil, fmt.Errorf("op=fetch.list page=%d: %w", page, err)
		}
		for _, id := range ids {
			msg, err := client.GetMessage(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("op=fetch.get id=%s: %w", id, err)
			}
			out = append(out, msg)
			if len(out) >= maxResults {
				return out, nil
			}
		}
		if nextToken != "" && nextToken == pageToken {
			slog.Warn("pagination stalled on repeated page token", slog.String("query", query))
			break
		}
		pageToken = nextToken
		if pageToken == "" || page+1 >= maxPages {
			if page+1 >= maxPages {
				slog.Warn("pagination hit max page limit", slog.String("query", query))
			}
			break
		}
	}
	return out, nil
}

// fetchResult carries one query's outcome across the worker pool.
type fetchResult struct {
	index    int
	messages []domain.EmailMessage
	err      error
}

// FetchFull runs every query in parallel over a bounded worker pool and
// fuses the results by message id. Each worker constructs its own client via
// the factory. A single failing query is logged; the fetch fails only when
// every query fails.
func FetchFull(ctx domain.Context, factory ClientFactory, queries []string, pageSize, perQueryLimit, workers int) ([]domain.EmailMessage, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = 7
	}
	if workers > len(queries) {
		workers = len(queries)
	}

	jobs := make(chan int, len(queries))
	results := make(chan fetchResult, len(queries))
	for i := range queries {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// One client per worker: the provider handle is not thread-safe.
			client, err := factory(ctx)
			if err != nil {
				for idx := range jobs {
					results <- fetchResult{index: idx, err: err}
				}
				return
			}
			for idx := range jobs {
				msgs, err := FetchQuery(ctx, client, queries[idx], pageSize, perQueryLimit)
				results <- fetchResult{index: idx, messages: msgs, err: err}
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]struct{})
	var fused []domain.EmailMessage
	var firstErr error
	failed := 0
	for r := range results {
		if r.err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.err
			}
			slog.Error("full-sync query failed",
				slog.Int("query", r.index+1), slog.Int("total", len(queries)), slog.Any("error", r.err))
			continue
		}
		for _, m := range r.messages {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			fused = append(fused, m)
		}
	}
	if failed == len(queries) {
		return nil, fmt.Errorf("op=fetch.full: all %d queries failed: %w", len(queries), firstErr)
	}
	return fused, nil
}
