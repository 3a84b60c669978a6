// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"time"
)

// Category is one of the closed set of 14 email classification classes.
type Category string

// Classification categories.
const (
	CategoryApplicationConfirmation Category = "job_application_confirmation"
	CategoryRejection               Category = "job_rejection"
	CategoryInterviewAssessment     Category = "interview_assessment"
	CategoryApplicationFollowup     Category = "application_followup"
	CategoryRecruiterOutreach       Category = "recruiter_outreach"
	CategoryTalentCommunity         Category = "talent_community"
	CategoryLinkedInConnection      Category = "linkedin_connection_request"
	CategoryLinkedInMessage         Category = "linkedin_message"
	CategoryLinkedInJobRecs         Category = "linkedin_job_recommendations"
	CategoryLinkedInActivity        Category = "linkedin_profile_activity"
	CategoryJobAlerts               Category = "job_alerts"
	CategoryVerificationSecurity    Category = "verification_security"
	CategoryPromotionalMarketing    Category = "promotional_marketing"
	CategoryReceiptsInvoices        Category = "receipts_invoices"
)

// Categories lists every valid classification class.
func Categories() []Category {
	return []Category{
		CategoryApplicationConfirmation,
		CategoryRejection,
		CategoryInterviewAssessment,
		CategoryApplicationFollowup,
		CategoryRecruiterOutreach,
		CategoryTalentCommunity,
		CategoryLinkedInConnection,
		CategoryLinkedInMessage,
		CategoryLinkedInJobRecs,
		CategoryLinkedInActivity,
		CategoryJobAlerts,
		CategoryVerificationSecurity,
		CategoryPromotionalMarketing,
		CategoryReceiptsInvoices,
	}
}

// ValidCategory reports whether c is one of the 14 classes.
func ValidCategory(c Category) bool {
	for _, v := range Categories() {
		if c == v {
			return true
		}
	}
	return false
}

// Stage is the application-stage derived from the classification class plus
// body overrides.
type Stage string

// Application stages.
const (
	StageApplied   Stage = "Applied"
	StageScreening Stage = "Screening"
	StageInterview Stage = "Interview"
	StageOffer     Stage = "Offer"
	StageRejected  Stage = "Rejected"
	StagePipeline  Stage = "Pipeline"
	StageContacted Stage = "Contacted"
	StageOther     Stage = "Other"
)

// ValidStage reports whether s is in the closed stage set.
func ValidStage(s Stage) bool {
	switch s {
	case StageApplied, StageScreening, StageInterview, StageOffer,
		StageRejected, StagePipeline, StageContacted, StageOther:
		return true
	}
	return false
}

// Status is the coarse application status; it is a pure function of Stage.
type Status string

// Application statuses.
const (
	StatusApplied      Status = "APPLIED"
	StatusInterviewing Status = "INTERVIEWING"
	StatusOffer        Status = "OFFER"
	StatusRejected     Status = "REJECTED"
)

// StatusForStage derives the status from a stage. Rejected maps to REJECTED,
// Interview and Screening to INTERVIEWING, Offer to OFFER, everything else
// to APPLIED.
func StatusForStage(s Stage) Status {
	switch s {
	case StageRejected:
		return StatusRejected
	case StageInterview, StageScreening:
		return StatusInterviewing
	case StageOffer:
		return StatusOffer
	default:
		return StatusApplied
	}
}

// NeedsReviewThreshold is the confidence floor below which an application is
// flagged for manual review.
const NeedsReviewThreshold = 0.65

// User is the principal. The pipeline never deletes users.
type User struct {
	ID           int64
	Email        string
	PasswordHash string // argon2id verifier; empty for third-party-only sign-in
	GoogleID     string // third-party identity id; empty when unused
	CreatedAt    time.Time
}

// Application is one record per (user, source message) pair.
type Application struct {
	ID              int64
	UserID          int64
	SourceMessageID string
	CompanyName     string
	JobTitle        string
	PositionLevel   string
	Category        Category
	Confidence      float64
	Reasoning       string
	Stage           Stage
	Status          Status
	RequiresAction  bool
	ActionItems     []string
	NeedsReview     bool
	ProcessedBy     string // model identifier that produced the classification
	EmailSubject    string // truncated to 500
	EmailFrom       string // truncated to 255
	EmailBody       string // truncated to 10000
	ReceivedAt      time.Time
	AppliedAt       *time.Time
	InterviewAt     *time.Time
	OfferAt         *time.Time
	RejectedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmailLog records the processing outcome for a single message.
type EmailLog struct {
	ID              int64
	UserID          int64
	SourceMessageID string
	Classification  string
	Error           string
	ProcessedAt     time.Time
}

// SyncStatus is the lifecycle state of a sync or reprocess run.
type SyncStatus string

// Sync statuses. Transitions are idle -> syncing -> {idle, error} -> idle.
const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState is the per-user resumable sync record. Exactly one row per user.
type SyncState struct {
	UserID         int64
	HistoryCursor  string // opaque provider cursor; empty before first sync
	LastSyncedAt   *time.Time
	LastFullSyncAt *time.Time
	Status         SyncStatus
	Processed      int
	Total          int
	Created        int
	Skipped        int
	Errors         int
	Message        string
	Error          string
	UpdatedAt      time.Time
}

// Snapshot returns the read-only progress projection observed by pollers and
// the push stream.
func (s SyncState) Snapshot() SyncSnapshot {
	return SyncSnapshot{
		Status:    s.Status,
		Message:   s.Message,
		Processed: s.Processed,
		Total:     s.Total,
		Created:   s.Created,
		Skipped:   s.Skipped,
		Errors:    s.Errors,
		Error:     s.Error,
	}
}

// SyncSnapshot is the progress projection published to observers. Observers
// receive snapshots and never mutate pipeline state.
type SyncSnapshot struct {
	Status    SyncStatus `json:"status"`
	Message   string     `json:"message"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
	Created   int        `json:"created"`
	Skipped   int        `json:"skipped"`
	Errors    int        `json:"errors"`
	Error     string     `json:"error,omitempty"`
}

// ReprocessState tracks a long-running reclassification job over existing
// applications. At most one per user; same shape as SyncState.
type ReprocessState struct {
	UserID    int64
	Status    SyncStatus
	Processed int
	Total     int
	Updated   int
	Errors    int
	Message   string
	Error     string
	UpdatedAt time.Time
}

// ClassificationCacheRow is the durable (L2) cache tier row. Uniqueness is
// (UserID, ContentHash).
type ClassificationCacheRow struct {
	UserID        int64
	ContentHash   string
	Category      Category
	CompanyName   string
	JobTitle      string
	PositionLevel string
	Confidence    float64
	Payload       []byte // full classification outcome as JSON
	UpdatedAt     time.Time
}

// OAuthKind distinguishes mailbox authorization from third-party login.
type OAuthKind string

// OAuth state kinds.
const (
	OAuthKindMailbox OAuthKind = "mailbox"
	OAuthKindLogin   OAuthKind = "login"
)

// OAuthStateTTL bounds how long a pending OAuth state token stays valid.
const OAuthStateTTL = 15 * time.Minute

// OAuthState is a short-lived single-use CSRF token bound to a user and kind.
type OAuthState struct {
	Token       string
	Kind        OAuthKind
	UserID      int64 // 0 when not bound (legacy single-token mode only)
	RedirectURL string
	CreatedAt   time.Time
}

// EmailMessage is a decoded provider message: the classification graph input.
type EmailMessage struct {
	ID         string
	Subject    string
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// SyncMode selects how a sync run fetches messages.
type SyncMode string

// Sync modes.
const (
	SyncModeAuto        SyncMode = "auto"
	SyncModeIncremental SyncMode = "incremental"
	SyncModeFull        SyncMode = "full"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
