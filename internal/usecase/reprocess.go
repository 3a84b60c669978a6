package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// reprocessPageSize bounds how many applications load per storage read.
const reprocessPageSize = 200

// ReprocessService re-runs the classification graph over a user's existing
// applications, tracking progress in ReprocessState. Useful after model or
// rule-guard updates.
type ReprocessService struct {
	states domain.ReprocessStateRepository
	apps   domain.ApplicationRepository
	graph  *classify.Graph
	cache  *CacheService

	wg sync.WaitGroup
}

// NewReprocessService wires a ReprocessService.
func NewReprocessService(states domain.ReprocessStateRepository, apps domain.ApplicationRepository,
	graph *classify.Graph, cache *CacheService) *ReprocessService {
	return &ReprocessService{states: states, apps: apps, graph: graph, cache: cache}
}

// Start launches a background reclassification run for the user. Rejects
// with ErrAlreadyRunning while one is in flight.
func (s *ReprocessService) Start(ctx domain.Context, userID int64) error {
	if err := s.states.BeginRun(ctx, userID); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, userID)
	}()
	return nil
}

// GetState returns the live reprocess progress.
func (s *ReprocessService) GetState(ctx domain.Context, userID int64) (domain.ReprocessState, error) {
	return s.states.Get(ctx, userID)
}

// Wait blocks until in-flight runs finish; used on shutdown.
func (s *ReprocessService) Wait() { s.wg.Wait() }

// Run executes a full reclassification synchronously; the maintenance CLI
// calls this directly.
func (s *ReprocessService) Run(ctx domain.Context, userID int64) (domain.ReprocessState, error) {
	total64, err := s.apps.CountByUser(ctx, userID)
	if err != nil {
		return domain.ReprocessState{}, err
	}
	st := domain.ReprocessState{UserID: userID, Total: int(total64)}

	for offset := 0; ; {
		apps, err := s.apps.ListByUser(ctx, userID, offset, reprocessPageSize)
		if err != nil {
			return st, err
		}
		if len(apps) == 0 {
			break
		}
		offset += len(apps)

		msgs := make([]domain.EmailMessage, len(apps))
		for i, app := range apps {
			msgs[i] = domain.EmailMessage{
				ID:         app.SourceMessageID,
				Subject:    app.EmailSubject,
				Sender:     app.EmailFrom,
				Body:       app.EmailBody,
				ReceivedAt: app.ReceivedAt,
			}
		}
		states := s.graph.RunBatch(ctx, msgs)

		for i, state := range states {
			st.Processed++
			if state.ClassifyFailed {
				st.Errors++
				continue
			}
			app := apps[i]
			applyStateToApplication(&app, state)
			if err := s.apps.Update(ctx, app); err != nil {
				slog.Warn("reprocess update failed",
					slog.Int64("user_id", userID), slog.Int64("application_id", app.ID), slog.Any("error", err))
				st.Errors++
				continue
			}
			hash := classify.ContentHash(app.EmailSubject, app.EmailFrom, app.EmailBody)
			if err := s.cache.StoreDurable(ctx, userID, hash, state.Classification()); err != nil {
				slog.Warn("reprocess cache write failed",
					slog.Int64("user_id", userID), slog.Any("error", err))
			}
			st.Updated++
		}
		if err := s.states.UpdateProgress(ctx, userID, st.Processed, st.Total, st.Updated, st.Errors, "Reclassifying…"); err != nil {
			slog.Warn("reprocess progress write failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	st.Message = "Done"
	return st, nil
}

func (s *ReprocessService) run(ctx domain.Context, userID int64) {
	st, err := s.Run(ctx, userID)
	if err != nil {
		slog.Error("reprocess failed", slog.Int64("user_id", userID), slog.Any("error", err))
		if serr := s.states.SetError(ctx, userID, err.Error()); serr != nil {
			slog.Error("reprocess error state write failed", slog.Int64("user_id", userID), slog.Any("error", serr))
		}
		return
	}
	if err := s.states.Finish(ctx, userID, st); err != nil {
		slog.Error("reprocess finish write failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// applyStateToApplication folds a fresh graph state onto a stored
// application, preserving earlier transition timestamps.
func applyStateToApplication(app *domain.Application, st classify.EmailState) {
	app.Category = st.Category
	if st.CompanyName != "" && st.CompanyName != "Unknown" {
		app.CompanyName = st.CompanyName
	}
	if st.JobTitle != "" {
		app.JobTitle = st.JobTitle
	}
	if st.PositionLevel != "" {
		app.PositionLevel = st.PositionLevel
	}
	app.Confidence = st.Confidence
	app.Reasoning = st.Reasoning
	app.Stage = st.Stage
	app.Status = domain.StatusForStage(st.Stage)
	app.RequiresAction = st.RequiresAction
	app.ActionItems = st.ActionItems
	app.NeedsReview = st.NeedsReview
	app.ProcessedBy = fmt.Sprintf("%s-reprocess", st.ProcessedBy)

	if !app.ReceivedAt.IsZero() {
		received := app.ReceivedAt
		if app.AppliedAt == nil {
			app.AppliedAt = &received
		}
		switch st.Stage {
		case domain.StageRejected:
			if app.RejectedAt == nil {
				app.RejectedAt = &received
			}
		case domain.StageInterview, domain.StageScreening:
			if app.InterviewAt == nil {
				app.InterviewAt = &received
			}
		case domain.StageOffer:
			if app.OfferAt == nil {
				app.OfferAt = &received
			}
		}
	}
}
