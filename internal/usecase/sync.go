package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/mailbox"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/observability"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

const dateLayout = "2006/01/02"

// SyncOptions select a sync run's mode and optional date window. The window
// applies to full syncs only; dates use the provider's Y/M/D form.
type SyncOptions struct {
	Mode       domain.SyncMode
	AfterDate  string
	BeforeDate string
}

// CoordinatorConfig carries the knobs the coordinator and fetch path need.
type CoordinatorConfig struct {
	HistoryPageSize   int
	ListPageSize      int
	FullSyncMaxPerQuery int
	FullSyncDaysBack  int
	FullSyncAfterDate string
	IgnoreLastSynced  bool
	FetchWorkers      int
	QueryTemplates    []string
}

// SyncCoordinator owns per-user sync lifecycle: mode selection, the
// background pipeline run, live progress, and idempotent restart behavior.
// It is the only mutator of SyncState for its users.
type SyncCoordinator struct {
	cfg     CoordinatorConfig
	states  domain.SyncStateRepository
	apps    domain.ApplicationRepository
	vault   domain.TokenVault
	clients domain.MailboxClientFactory
	ingest  *Ingestor
	bus     *Broadcaster

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewSyncCoordinator wires a coordinator.
func NewSyncCoordinator(cfg CoordinatorConfig, states domain.SyncStateRepository, apps domain.ApplicationRepository,
	vault domain.TokenVault, clients domain.MailboxClientFactory, ingest *Ingestor, bus *Broadcaster) *SyncCoordinator {
	if cfg.FullSyncDaysBack <= 0 {
		cfg.FullSyncDaysBack = 90
	}
	if cfg.FullSyncMaxPerQuery <= 0 {
		cfg.FullSyncMaxPerQuery = 2000
	}
	return &SyncCoordinator{
		cfg:     cfg,
		states:  states,
		apps:    apps,
		vault:   vault,
		clients: clients,
		ingest:  ingest,
		bus:     bus,
		cancels: make(map[int64]context.CancelFunc),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StartSync accepts or rejects a sync request. On accept the SyncState is
// already 'syncing' when this returns and the pipeline runs in background.
// Rejections: ErrAuthRequired without a usable token, ErrAlreadyRunning when
// a run is in flight, ErrInvalidArgument for an unknown mode.
func (c *SyncCoordinator) StartSync(ctx domain.Context, userID int64, opts SyncOptions) error {
	switch opts.Mode {
	case "", domain.SyncModeAuto:
		opts.Mode = domain.SyncModeAuto
	case domain.SyncModeIncremental, domain.SyncModeFull:
	default:
		return fmt.Errorf("op=sync.start: mode %q: %w", opts.Mode, domain.ErrInvalidArgument)
	}

	if _, err := c.vault.Get(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrAuthRequired) {
			return fmt.Errorf("op=sync.start: %w", domain.ErrAuthRequired)
		}
		return fmt.Errorf("op=sync.start: %w", err)
	}

	if err := c.states.BeginRun(ctx, userID); err != nil {
		return err
	}
	c.publish(ctx, userID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancels[userID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, userID)
			c.mu.Unlock()
			cancel()
		}()
		c.runSync(runCtx, userID, opts)
	}()
	return nil
}

// CancelSync requests cooperative cancellation: the writer drains, commits,
// and the state lands on idle with partial counts.
func (c *SyncCoordinator) CancelSync(userID int64) {
	c.mu.Lock()
	cancel := c.cancels[userID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until all in-flight runs finish; used on shutdown.
func (c *SyncCoordinator) Wait() { c.wg.Wait() }

// GetSyncState returns the live progress projection.
func (c *SyncCoordinator) GetSyncState(ctx domain.Context, userID int64) (domain.SyncState, error) {
	return c.states.Get(ctx, userID)
}

// Subscribe registers a progress observer for one user.
func (c *SyncCoordinator) Subscribe(userID int64) (<-chan domain.SyncSnapshot, func()) {
	return c.bus.Subscribe(userID)
}

func (c *SyncCoordinator) publish(ctx domain.Context, userID int64) {
	st, err := c.states.Get(ctx, userID)
	if err != nil {
		return
	}
	c.bus.Publish(userID, st.Snapshot())
}

func (c *SyncCoordinator) progress(ctx domain.Context, userID int64, processed, total int, message string) {
	if err := c.states.UpdateProgress(ctx, userID, processed, total, message); err != nil {
		slog.Warn("sync progress write failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	c.publish(ctx, userID)
}

// runSync executes one pipeline run end to end and lands the state on idle
// or error.
func (c *SyncCoordinator) runSync(ctx domain.Context, userID int64, opts SyncOptions) {
	observability.SyncsInFlight.Inc()
	defer observability.SyncsInFlight.Dec()

	mode := opts.Mode
	res, fullSync, err := c.execute(ctx, userID, &mode, opts)
	if err != nil {
		observability.SyncRunsTotal.WithLabelValues(string(mode), "error").Inc()
		slog.Error("sync failed", slog.Int64("user_id", userID), slog.String("mode", string(mode)), slog.Any("error", err))
		if serr := c.states.SetError(ctx, userID, userFacingError(err)); serr != nil {
			slog.Error("sync error state write failed", slog.Int64("user_id", userID), slog.Any("error", serr))
		}
		c.publish(ctx, userID)
		return
	}

	now := c.now()
	final := domain.SyncState{
		Processed: res.Processed,
		Total:     res.Total,
		Created:   res.Created,
		Skipped:   res.Skipped,
		Errors:    res.Errors,
		Message:   "Done",
		LastSyncedAt: &now,
	}
	if fullSync {
		final.LastFullSyncAt = &now
	}
	if err := c.states.Finish(ctx, userID, final); err != nil {
		slog.Error("sync finish write failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	observability.SyncRunsTotal.WithLabelValues(string(mode), "ok").Inc()
	slog.Info("sync complete",
		slog.Int64("user_id", userID),
		slog.String("mode", string(mode)),
		slog.Bool("full_sync", fullSync),
		slog.Int("processed", res.Processed),
		slog.Int("created", res.Created),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", res.Errors))
	c.publish(ctx, userID)
}

// execute resolves the mode, fetches messages, and runs the ingestion loop.
func (c *SyncCoordinator) execute(ctx domain.Context, userID int64, mode *domain.SyncMode, opts SyncOptions) (IngestResult, bool, error) {
	state, err := c.states.Get(ctx, userID)
	if err != nil {
		return IngestResult{}, false, err
	}

	if *mode == domain.SyncModeAuto {
		*mode = domain.SyncModeFull
		if state.HistoryCursor != "" {
			if n, err := c.apps.CountByUser(ctx, userID); err == nil && n > 0 {
				*mode = domain.SyncModeIncremental
			}
		}
	}

	c.progress(ctx, userID, 0, 0, "Connecting to mailbox…")
	client, err := c.clients(ctx, userID)
	if err != nil {
		return IngestResult{}, false, fmt.Errorf("op=sync.client: %w", err)
	}

	var msgs []domain.EmailMessage
	var newCursor string
	fullSync := false

	if *mode == domain.SyncModeIncremental && state.HistoryCursor != "" {
		delta, err := mailbox.FetchDelta(ctx, client, state.HistoryCursor, c.cfg.HistoryPageSize,
			func(n int, msg string) { c.progress(ctx, userID, n, 0, msg) })
		if err != nil {
			return IngestResult{}, false, err
		}
		if delta.CursorTooOld {
			// The provider forgot our cursor; fall back to a full sync
			// transparently.
			slog.Info("history cursor too old, falling back to full sync", slog.Int64("user_id", userID))
			fullSync = true
		} else {
			msgs = delta.Messages
			newCursor = delta.NewCursor
		}
	} else if *mode == domain.SyncModeIncremental {
		fullSync = true
	}

	if *mode == domain.SyncModeFull || fullSync {
		fullSync = true
		after := c.resolveAfterDate(opts, state)
		queries := mailbox.BuildQueries(c.cfg.QueryTemplates, after, opts.BeforeDate)
		c.progress(ctx, userID, 0, 0, "Searching mailbox…")
		factory := func(fctx domain.Context) (domain.MailboxClient, error) { return c.clients(fctx, userID) }
		msgs, err = mailbox.FetchFull(ctx, factory, queries, c.cfg.ListPageSize, c.cfg.FullSyncMaxPerQuery, c.cfg.FetchWorkers)
		if err != nil {
			return IngestResult{}, fullSync, err
		}
		if newCursor == "" {
			if cursor, err := client.Profile(ctx); err == nil {
				newCursor = cursor
			} else {
				slog.Warn("profile cursor fetch failed", slog.Int64("user_id", userID), slog.Any("error", err))
			}
		}
	}

	c.progress(ctx, userID, 0, len(msgs), "Classifying…")
	res, err := c.ingest.Run(ctx, userID, msgs, newCursor, fullSync,
		func(processed, total int, msg string) { c.progress(ctx, userID, processed, total, msg) })
	return res, fullSync, err
}

// resolveAfterDate picks the window start from the first available source:
// the explicit request date, the configured date, the later of the last full
// and last incremental sync (unless IgnoreLastSynced), then the days-back
// default. Only the two sync timestamps are compared with each other; an
// explicit or configured date is used even when a sync timestamp is later.
func (c *SyncCoordinator) resolveAfterDate(opts SyncOptions, state domain.SyncState) string {
	if opts.AfterDate != "" {
		return normalizeDate(opts.AfterDate)
	}
	if c.cfg.FullSyncAfterDate != "" {
		return normalizeDate(c.cfg.FullSyncAfterDate)
	}
	if !c.cfg.IgnoreLastSynced {
		var latest time.Time
		if state.LastFullSyncAt != nil {
			latest = *state.LastFullSyncAt
		}
		if state.LastSyncedAt != nil && state.LastSyncedAt.After(latest) {
			latest = *state.LastSyncedAt
		}
		if !latest.IsZero() {
			return latest.Format(dateLayout)
		}
	}
	return c.now().AddDate(0, 0, -c.cfg.FullSyncDaysBack).Format(dateLayout)
}

// normalizeDate accepts YYYY-MM-DD or YYYY/MM/DD and returns the provider's
// slash form.
func normalizeDate(s string) string {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format(dateLayout)
	}
	return s
}

// userFacingError turns an AuthRequired failure into a reauthorize
// instruction; any other error's text is returned unchanged.
func userFacingError(err error) string {
	if errors.Is(err, domain.ErrAuthRequired) {
		return "Mailbox authorization required. Open the mailbox authorization link to sign in, then try Sync again."
	}
	return err.Error()
}
