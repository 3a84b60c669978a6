// Package usecase contains the ingestion pipeline's application services:
// the sync coordinator, the single-writer ingestion loop, the two-tier
// classification cache, and the reprocess service.
package usecase

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/observability"
	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// CacheService is the two-tier classification cache. L1 is best-effort; the
// durable L2 row is the source of truth. Keys are user-scoped: the same
// content may classify differently under different user contexts, and
// cross-user reads would leak between trust boundaries.
type CacheService struct {
	L1 domain.ClassificationL1Cache
	L2 domain.ClassificationCacheRepository
}

// NewCacheService constructs a CacheService. l1 may be nil.
func NewCacheService(l1 domain.ClassificationL1Cache, l2 domain.ClassificationCacheRepository) *CacheService {
	return &CacheService{L1: l1, L2: l2}
}

// Lookup checks L1 then L2 for a cached classification of msg. On an L2 hit
// the payload is replayed into L1.
func (s *CacheService) Lookup(ctx domain.Context, userID int64, msg domain.EmailMessage) (classify.Classification, string, bool) {
	hash := classify.ContentHash(msg.Subject, msg.Sender, msg.Body)

	if s.L1 != nil {
		if payload, ok := s.L1.Get(ctx, userID, hash); ok {
			var c classify.Classification
			if err := json.Unmarshal(payload, &c); err == nil && c.Category != "" {
				observability.CacheLookupsTotal.WithLabelValues("l1", "hit").Inc()
				return c, hash, true
			}
			// Corrupt entry: drop it and fall through to L2.
			s.L1.Delete(ctx, userID, hash)
		}
		observability.CacheLookupsTotal.WithLabelValues("l1", "miss").Inc()
	}

	row, err := s.L2.Get(ctx, userID, hash)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("classification cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		observability.CacheLookupsTotal.WithLabelValues("l2", "miss").Inc()
		return classify.Classification{}, hash, false
	}
	observability.CacheLookupsTotal.WithLabelValues("l2", "hit").Inc()

	var c classify.Classification
	if err := json.Unmarshal(row.Payload, &c); err != nil || c.Category == "" {
		// Fall back to the broken-out columns for rows written before the
		// payload format settled.
		c = classify.Classification{
			Category:      row.Category,
			Confidence:    row.Confidence,
			CompanyName:   row.CompanyName,
			JobTitle:      row.JobTitle,
			PositionLevel: row.PositionLevel,
		}
	}
	if s.L1 != nil {
		if payload, err := json.Marshal(c); err == nil {
			s.L1.Set(ctx, userID, hash, payload)
		}
	}
	return c, hash, true
}

// Row builds the L2 row for a classification.
func (s *CacheService) Row(userID int64, hash string, c classify.Classification) (domain.ClassificationCacheRow, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return domain.ClassificationCacheRow{}, err
	}
	return domain.ClassificationCacheRow{
		UserID:        userID,
		ContentHash:   hash,
		Category:      c.Category,
		CompanyName:   c.CompanyName,
		JobTitle:      c.JobTitle,
		PositionLevel: c.PositionLevel,
		Confidence:    c.Confidence,
		Payload:       payload,
	}, nil
}

// StoreL1 mirrors a freshly written L2 row into L1. Best-effort.
func (s *CacheService) StoreL1(ctx domain.Context, userID int64, hash string, c classify.Classification) {
	if s.L1 == nil {
		return
	}
	if payload, err := json.Marshal(c); err == nil {
		s.L1.Set(ctx, userID, hash, payload)
	}
}

// StoreDurable writes through both tiers outside an ingestion transaction
// (used by the reprocess service).
func (s *CacheService) StoreDurable(ctx domain.Context, userID int64, hash string, c classify.Classification) error {
	row, err := s.Row(userID, hash, c)
	if err != nil {
		return err
	}
	if err := s.L2.Upsert(ctx, row); err != nil {
		return err
	}
	s.StoreL1(ctx, userID, hash, c)
	return nil
}
