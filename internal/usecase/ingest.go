package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/observability"
	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
	"github.com/fairyhunter13/jobmail-tracker/pkg/textx"
)

// Duplicate-detection and persistence limits.
const (
	duplicateWindow = 14 * 24 * time.Hour
	subjectLimit    = 500
	senderLimit     = 255
	bodyLimit       = 10000

	contentionSleep     = 50 * time.Millisecond
	commitRetryBase     = 50 * time.Millisecond
	commitRetryAttempts = 6
)

// applicationLikeCategories gates the in-memory duplicate detector: only
// classes that represent an actual application event participate.
var applicationLikeCategories = map[domain.Category]bool{
	domain.CategoryApplicationConfirmation: true,
	domain.CategoryRejection:               true,
	domain.CategoryInterviewAssessment:     true,
	domain.CategoryApplicationFollowup:     true,
}

// DupDetector is the writer-owned in-memory (company -> titles) map used to
// collapse near-duplicate applications inside the 14-day window. Not safe
// for concurrent use; only the writer goroutine touches it.
type DupDetector struct {
	byCompany map[string]map[string]struct{}
}

// NewDupDetector seeds the detector from recent (company, title) pairs.
func NewDupDetector(pairs []domain.CompanyTitle) *DupDetector {
	d := &DupDetector{byCompany: make(map[string]map[string]struct{})}
	for _, p := range pairs {
		d.Add(p.Company, p.Title)
	}
	return d
}

func dupCompanyKey(company string) string {
	return strings.ToLower(strings.TrimSpace(company))
}

// Add records a created application so later messages in the same sync see it.
func (d *DupDetector) Add(company, title string) {
	ck := dupCompanyKey(company)
	if ck == "" || ck == "unknown" {
		return
	}
	if d.byCompany[ck] == nil {
		d.byCompany[ck] = make(map[string]struct{})
	}
	d.byCompany[ck][strings.ToLower(strings.TrimSpace(title))] = struct{}{}
}

// IsDuplicate reports whether (company, title) matches a cached pair:
// the exact title, an empty cached title, or an empty incoming title against
// any cached title for that company.
func (d *DupDetector) IsDuplicate(company, title string) bool {
	ck := dupCompanyKey(company)
	if ck == "" || ck == "unknown" {
		return false
	}
	titles, ok := d.byCompany[ck]
	if !ok {
		return false
	}
	tk := strings.ToLower(strings.TrimSpace(title))
	if tk == "" {
		return len(titles) > 0
	}
	if _, hit := titles[tk]; hit {
		return true
	}
	_, emptyCached := titles[""]
	return emptyCached
}

// IngestResult is the completion count set for one sync.
type IngestResult struct {
	Processed        int
	Total            int
	Created          int
	Skipped          int
	SkippedExisting  int
	SkippedDuplicate int
	Errors           int
}

// Ingestor runs the fan-out/fan-in ingestion loop: N workers classify
// batches in parallel, one writer persists results under savepoints.
type Ingestor struct {
	Graph *classify.Graph
	Cache *CacheService
	Store domain.IngestWriter

	Workers         int
	BatchSize       int
	BatchCommitSize int

	// sleep is swapped in tests.
	sleep func(time.Duration)
}

// NewIngestor constructs an Ingestor, defaulting zero-valued knobs.
func NewIngestor(graph *classify.Graph, cache *CacheService, store domain.IngestWriter, workers, batchSize, batchCommitSize int) *Ingestor {
	if workers <= 0 {
		workers = 6
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if batchCommitSize <= 0 {
		batchCommitSize = 50
	}
	return &Ingestor{
		Graph:           graph,
		Cache:           cache,
		Store:           store,
		Workers:         workers,
		BatchSize:       batchSize,
		BatchCommitSize: batchCommitSize,
		sleep:           time.Sleep,
	}
}

type workerResult struct {
	msg   domain.EmailMessage
	state classify.EmailState
	err   error
}

// ingestRun carries one sync's mutable writer-side state.
type ingestRun struct {
	ing    *Ingestor
	userID int64
	// dbCtx shields storage operations from cooperative cancellation so the
	// writer can drain and commit partial progress after a cancel.
	dbCtx    domain.Context
	tx       domain.IngestTx
	dups     *DupDetector
	res      IngestResult
	progress func(processed, total int, message string)

	savepointsSinceCommit int
}

// Run executes the full three-phase loop over fetched messages and persists
// the new cursor. The returned counts are final even on cooperative cancel.
func (ing *Ingestor) Run(ctx domain.Context, userID int64, msgs []domain.EmailMessage, cursor string, fullSync bool, progress func(processed, total int, message string)) (IngestResult, error) {
	if progress == nil {
		progress = func(int, int, string) {}
	}

	dbCtx := context.WithoutCancel(ctx)
	tx, err := ing.Store.Begin(dbCtx)
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.run: %w", err)
	}
	run := &ingestRun{ing: ing, userID: userID, dbCtx: dbCtx, tx: tx, progress: progress}
	run.res.Total = len(msgs)

	defer func() {
		if run.tx != nil {
			_ = run.tx.Rollback(dbCtx)
		}
	}()

	pairs, err := tx.RecentApplicationPairs(dbCtx, userID, time.Now().UTC().Add(-duplicateWindow))
	if err != nil {
		return run.res, fmt.Errorf("op=ingest.dup_seed: %w", err)
	}
	run.dups = NewDupDetector(pairs)

	pending, err := run.phaseOne(ctx, msgs)
	if err != nil {
		return run.res, err
	}

	if err := run.phaseTwo(ctx, pending); err != nil {
		return run.res, err
	}

	if err := run.finalize(dbCtx, cursor, fullSync); err != nil {
		return run.res, err
	}
	return run.res, nil
}

// phaseOne runs single-threaded: parse screening, duplicate-by-provider-id,
// and cache-hit fast paths. Cache misses queue for phase two.
func (r *ingestRun) phaseOne(ctx domain.Context, msgs []domain.EmailMessage) ([]domain.EmailMessage, error) {
	var pending []domain.EmailMessage
	seen := make(map[string]struct{}, len(msgs))
	for i, msg := range msgs {
		r.progress(i, r.res.Total, "Classifying…")

		if msg.ID == "" {
			// Undecodable message: count and move on, never abort the sync.
			r.res.Errors++
			r.res.Processed++
			observability.MessagesProcessedTotal.WithLabelValues("error").Inc()
			if err := r.logError(r.dbCtx, msg.ID, "message could not be decoded"); err != nil {
				return nil, err
			}
			continue
		}

		// The parallel fetch already fuses by id, but a replayed message in
		// the same run still collapses to one application.
		if _, dup := seen[msg.ID]; dup {
			r.res.Processed++
			r.res.Skipped++
			r.res.SkippedExisting++
			observability.MessagesProcessedTotal.WithLabelValues("skipped_existing").Inc()
			continue
		}
		seen[msg.ID] = struct{}{}

		exists, err := r.tx.ApplicationExists(r.dbCtx, r.userID, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("op=ingest.exists id=%s: %w", msg.ID, err)
		}
		if exists {
			r.res.Processed++
			r.res.Skipped++
			r.res.SkippedExisting++
			observability.MessagesProcessedTotal.WithLabelValues("skipped_existing").Inc()
			continue
		}

		if cached, hash, ok := r.ing.Cache.Lookup(r.dbCtx, r.userID, msg); ok {
			state := stateFromCached(msg, cached)
			r.ing.Graph.Finalize(&state)
			if err := r.persistResult(r.dbCtx, workerResult{msg: msg, state: state}, hash); err != nil {
				return nil, err
			}
			continue
		}

		pending = append(pending, msg)
	}
	return pending, nil
}

func stateFromCached(msg domain.EmailMessage, cached classify.Classification) classify.EmailState {
	state := classify.EmailState{
		EmailID:    msg.ID,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
	}
	state.ApplyClassification(cached)
	return state
}

// phaseTwo fans pending messages out to classification workers and persists
// each result from the single writer loop.
func (r *ingestRun) phaseTwo(ctx domain.Context, pending []domain.EmailMessage) error {
	if len(pending) == 0 {
		return nil
	}

	// Shard into batches and assign them to workers round-robin by batch
	// index. Workers only classify; they never touch storage.
	var batches [][]domain.EmailMessage
	for start := 0; start < len(pending); start += r.ing.BatchSize {
		end := start + r.ing.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batches = append(batches, pending[start:end])
	}
	workers := r.ing.Workers
	if workers > len(batches) {
		workers = len(batches)
	}

	results := make(chan workerResult, len(pending))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := w; b < len(batches); b += workers {
				if ctx.Err() != nil {
					return
				}
				states := r.ing.Graph.RunBatch(ctx, batches[b])
				for i, st := range states {
					res := workerResult{msg: batches[b][i], state: st}
					if st.ClassifyFailed {
						res.err = fmt.Errorf("classification failed: %w", domain.ErrMalformed)
					}
					results <- res
				}
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Single-writer loop. Contended results are re-queued; a cancel drains
	// whatever already arrived and commits partial progress.
	var requeued []workerResult
	cancelled := false
	for {
		var res workerResult
		var ok bool
		if len(requeued) > 0 {
			res, ok = requeued[0], true
			requeued = requeued[1:]
		} else if cancelled {
			res, ok = <-results
			if !ok {
				break
			}
		} else {
			select {
			case res, ok = <-results:
			case <-ctx.Done():
				cancelled = true
				continue
			}
			if !ok {
				break
			}
		}

		hash := classify.ContentHash(res.msg.Subject, res.msg.Sender, res.msg.Body)
		if err := r.persistOrRequeue(r.dbCtx, res, hash, &requeued); err != nil {
			return err
		}
	}
	return nil
}

func (r *ingestRun) persistOrRequeue(ctx domain.Context, res workerResult, hash string, requeued *[]workerResult) error {
	err := r.persistResult(ctx, res, hash)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrContention) {
		// Transient storage contention: put the result back and let the
		// engine breathe before the next attempt.
		*requeued = append(*requeued, res)
		r.ing.sleep(contentionSleep)
		return nil
	}
	return err
}

// persistResult applies one classification under a savepoint: cache upsert,
// duplicate check, application + log insert, counter updates.
func (r *ingestRun) persistResult(ctx domain.Context, res workerResult, hash string) error {
	r.res.Processed++
	r.progress(r.res.Processed, r.res.Total, "Classifying…")

	if res.err != nil {
		r.res.Errors++
		observability.MessagesProcessedTotal.WithLabelValues("error").Inc()
		return r.logError(ctx, res.msg.ID, res.err.Error())
	}

	sp, err := r.tx.Savepoint(ctx)
	if err != nil {
		return fmt.Errorf("op=ingest.savepoint: %w", err)
	}

	cls := res.state.Classification()
	row, err := r.ing.Cache.Row(r.userID, hash, cls)
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("op=ingest.cache_row: %w", err)
	}
	if err := sp.UpsertClassificationCache(ctx, row); err != nil {
		_ = sp.Rollback(ctx)
		if errors.Is(err, domain.ErrContention) {
			r.res.Processed--
			return err
		}
		// A cache write must never take the message down with it.
		slog.Warn("classification cache upsert failed",
			slog.String("message_id", res.msg.ID), slog.Any("error", err))
		sp, err = r.tx.Savepoint(ctx)
		if err != nil {
			return fmt.Errorf("op=ingest.savepoint: %w", err)
		}
	}

	if applicationLikeCategories[res.state.Category] &&
		r.dups.IsDuplicate(res.state.CompanyName, res.state.JobTitle) {
		r.res.Skipped++
		r.res.SkippedDuplicate++
		observability.MessagesProcessedTotal.WithLabelValues("skipped_duplicate").Inc()
		if err := sp.Release(ctx); err != nil {
			return fmt.Errorf("op=ingest.savepoint_release: %w", err)
		}
		r.ing.Cache.StoreL1(ctx, r.userID, hash, cls)
		return r.maybeCommit(ctx)
	}

	app := buildApplication(r.userID, res.msg, res.state)
	if err := sp.InsertApplication(ctx, &app); err != nil {
		_ = sp.Rollback(ctx)
		switch {
		case errors.Is(err, domain.ErrConflict):
			// A concurrent insert won the (user_id, source_message_id) race.
			r.res.Skipped++
			r.res.SkippedExisting++
			observability.MessagesProcessedTotal.WithLabelValues("skipped_existing").Inc()
			return nil
		case errors.Is(err, domain.ErrContention):
			r.res.Processed--
			return err
		default:
			r.res.Errors++
			observability.MessagesProcessedTotal.WithLabelValues("error").Inc()
			return r.logError(ctx, res.msg.ID, err.Error())
		}
	}
	if err := sp.InsertEmailLog(ctx, domain.EmailLog{
		UserID:          r.userID,
		SourceMessageID: res.msg.ID,
		Classification:  string(res.state.Category),
	}); err != nil {
		_ = sp.Rollback(ctx)
		if errors.Is(err, domain.ErrContention) {
			r.res.Processed--
			return err
		}
		r.res.Errors++
		observability.MessagesProcessedTotal.WithLabelValues("error").Inc()
		return r.logError(ctx, res.msg.ID, err.Error())
	}
	if err := sp.Release(ctx); err != nil {
		return fmt.Errorf("op=ingest.savepoint_release: %w", err)
	}

	r.dups.Add(res.state.CompanyName, res.state.JobTitle)
	r.res.Created++
	observability.MessagesProcessedTotal.WithLabelValues("created").Inc()
	r.ing.Cache.StoreL1(ctx, r.userID, hash, cls)
	return r.maybeCommit(ctx)
}

// logError records a per-message failure in email_logs under its own
// savepoint so a later rollback cannot erase it silently.
func (r *ingestRun) logError(ctx domain.Context, messageID, detail string) error {
	sp, err := r.tx.Savepoint(ctx)
	if err != nil {
		return fmt.Errorf("op=ingest.savepoint: %w", err)
	}
	if err := sp.InsertEmailLog(ctx, domain.EmailLog{
		UserID:          r.userID,
		SourceMessageID: messageID,
		Error:           detail,
	}); err != nil {
		_ = sp.Rollback(ctx)
		slog.Warn("email log write failed", slog.String("message_id", messageID), slog.Any("error", err))
		return nil
	}
	if err := sp.Release(ctx); err != nil {
		return fmt.Errorf("op=ingest.savepoint_release: %w", err)
	}
	return r.maybeCommit(ctx)
}

// maybeCommit flushes the outer transaction every BatchCommitSize successful
// savepoints so a long sync keeps its progress.
func (r *ingestRun) maybeCommit(ctx domain.Context) error {
	r.savepointsSinceCommit++
	if r.savepointsSinceCommit < r.ing.BatchCommitSize {
		return nil
	}
	if err := r.commitOuter(ctx); err != nil {
		return err
	}
	r.savepointsSinceCommit = 0
	return nil
}

// commitOuter commits with jittered exponential backoff and opens a fresh
// outer transaction for the next batch.
func (r *ingestRun) commitOuter(ctx domain.Context) error {
	var lastErr error
	for attempt := 0; attempt < commitRetryAttempts; attempt++ {
		if attempt > 0 {
			observability.CommitRetriesTotal.Inc()
			delay := commitRetryBase << attempt
			r.ing.sleep(delay + time.Duration(rand.Int63n(int64(commitRetryBase))))
		}
		lastErr = r.tx.Commit(ctx)
		if lastErr == nil {
			tx, err := r.ing.Store.Begin(ctx)
			if err != nil {
				r.tx = nil
				return fmt.Errorf("op=ingest.reopen: %w", err)
			}
			r.tx = tx
			return nil
		}
		if !errors.Is(lastErr, domain.ErrContention) {
			break
		}
	}
	r.tx = nil
	return fmt.Errorf("op=ingest.commit: %w", lastErr)
}

// finalize persists the new history cursor and sync timestamps, then commits
// the tail of the transaction.
func (r *ingestRun) finalize(ctx domain.Context, cursor string, fullSync bool) error {
	if err := r.tx.SaveSyncCursor(ctx, r.userID, cursor, fullSync, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=ingest.finalize: %w", err)
	}
	if err := r.commitOuter(ctx); err != nil {
		return err
	}
	// The reopened trailing transaction has no work; close it out.
	if r.tx != nil {
		_ = r.tx.Rollback(ctx)
		r.tx = nil
	}
	return nil
}

// buildApplication maps a finalized graph state onto the storage entity,
// applying the storage truncation contract and stage transition timestamps.
func buildApplication(userID int64, msg domain.EmailMessage, st classify.EmailState) domain.Application {
	app := domain.Application{
		UserID:          userID,
		SourceMessageID: msg.ID,
		CompanyName:     textx.Truncate(st.CompanyName, 255),
		JobTitle:        textx.Truncate(st.JobTitle, 255),
		PositionLevel:   st.PositionLevel,
		Category:        st.Category,
		Confidence:      st.Confidence,
		Reasoning:       st.Reasoning,
		Stage:           st.Stage,
		Status:          domain.StatusForStage(st.Stage),
		RequiresAction:  st.RequiresAction,
		ActionItems:     st.ActionItems,
		NeedsReview:     st.NeedsReview,
		ProcessedBy:     st.ProcessedBy,
		EmailSubject:    textx.Truncate(msg.Subject, subjectLimit),
		EmailFrom:       textx.Truncate(msg.Sender, senderLimit),
		EmailBody:       textx.Truncate(msg.Body, bodyLimit),
		ReceivedAt:      msg.ReceivedAt,
	}
	if !msg.ReceivedAt.IsZero() {
		received := msg.ReceivedAt
		app.AppliedAt = &received
		switch st.Stage {
		case domain.StageRejected:
			app.RejectedAt = &received
		case domain.StageInterview, domain.StageScreening:
			app.InterviewAt = &received
		case domain.StageOffer:
			app.OfferAt = &received
		}
	}
	return app
}
