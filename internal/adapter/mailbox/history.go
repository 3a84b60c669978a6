package mailbox

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// DeltaResult is the outcome of a history-based incremental fetch.
type DeltaResult struct {
	Messages     []domain.EmailMessage
	NewCursor    string
	CursorTooOld bool
}

// FetchDelta walks history pages from cursor, accumulating added message ids
// and discarding deleted ones, then fetches each surviving message in full.
// When the provider reports the cursor is too old, CursorTooOld is set and
// the caller falls back to a full sync.
func FetchDelta(ctx domain.Context, client domain.MailboxClient, cursor string, pageSize int, onProgress func(n int, msg string)) (DeltaResult, error) {
	added := make(map[string]struct{})
	newCursor := cursor
	pageToken := ""

	for pages := 1; ; pages++ {
		page, err := client.ListHistory(ctx, cursor, pageToken, pageSize)
		if err != nil {
			if errors.Is(err, domain.ErrCursorTooOld) {
				return DeltaResult{CursorTooOld: true}, nil
			}
			return DeltaResult{}, fmt.Errorf("op=delta.history: %w", err)
		}
		for _, id := range page.AddedIDs {
			added[id] = struct{}{}
		}
		for _, id := range page.DeletedIDs {
			delete(added, id)
		}
		if page.NewCursor != "" {
			newCursor = page.NewCursor
		}
		if page.NextPageToken != "" && page.NextPageToken == pageToken {
			slog.Warn("history walk stalled on repeated page token")
			break
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		if pages >= maxPages {
			slog.Warn("history walk hit max page limit")
			break
		}
		if onProgress != nil {
			onProgress(len(added), "Fetching history…")
		}
	}

	out := DeltaResult{NewCursor: newCursor}
	i := 0
	for id := range added {
		msg, err := client.GetMessage(ctx, id)
		if err != nil {
			// Message may have been deleted between the history walk and the
			// fetch; skip it.
			slog.Warn("delta fetch: message unavailable", slog.String("message_id", id), slog.Any("error", err))
			continue
		}
		out.Messages = append(out.Messages, msg)
		i++
		if onProgress != nil && i%10 == 0 {
			onProgress(i, fmt.Sprintf("Fetching message %d/%d…", i, len(added)))
		}
	}
	return out, nil
}
