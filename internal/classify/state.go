// Package classify implements the email classification graph: a linear
// pipeline of a single LLM classify+extract call, rule guards, title
// post-validation, and stage assignment.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// hashBodyLimit bounds how much of the body participates in the content
// hash. Bodies differing only past this point collide intentionally.
const hashBodyLimit = 5000

// EmailState is the typed record threaded through the graph. Inputs are set
// before the first node; each node fills in its outputs.
type EmailState struct {
	// Inputs
	EmailID    string
	Subject    string
	Sender     string
	Body       string
	ReceivedAt time.Time

	// Classify + extract node
	Category      domain.Category
	Confidence    float64
	Reasoning     string
	CompanyName   string
	JobTitle      string
	PositionLevel string

	// Resume matcher node (interface preserved; no-op today)
	ResumeMatched bool
	ResumeFileID  string
	ResumeVersion string

	// Stage assignment node
	Stage          domain.Stage
	RequiresAction bool
	ActionItems    []string

	// Bookkeeping
	NeedsReview    bool
	ClassifyFailed bool
	ProcessedBy    string
}

// Classification is the cacheable portion of an EmailState: the classify
// node's outputs. Stage and guards are recomputed on read so rule changes
// apply to cached entries too.
type Classification struct {
	Category      domain.Category `json:"category"`
	Confidence    float64         `json:"confidence"`
	Reasoning     string          `json:"reasoning,omitempty"`
	CompanyName   string          `json:"company_name"`
	JobTitle      string          `json:"job_title,omitempty"`
	PositionLevel string          `json:"position_level,omitempty"`
	Failed        bool            `json:"failed,omitempty"`
	ProcessedBy   string          `json:"processed_by,omitempty"`
}

// Classification extracts the cacheable outputs from a state.
func (s EmailState) Classification() Classification {
	return Classification{
		Category:      s.Category,
		Confidence:    s.Confidence,
		Reasoning:     s.Reasoning,
		CompanyName:   s.CompanyName,
		JobTitle:      s.JobTitle,
		PositionLevel: s.PositionLevel,
		Failed:        s.ClassifyFailed,
		ProcessedBy:   s.ProcessedBy,
	}
}

// ApplyClassification copies cached classify-node outputs onto a state.
func (s *EmailState) ApplyClassification(c Classification) {
	s.Category = c.Category
	s.Confidence = c.Confidence
	s.Reasoning = c.Reasoning
	s.CompanyName = c.CompanyName
	s.JobTitle = c.JobTitle
	s.PositionLevel = c.PositionLevel
	s.ClassifyFailed = c.Failed
	s.ProcessedBy = c.ProcessedBy
}

// ContentHash returns the cache key material for a message:
// SHA-256(subject | sender | body[:5000]).
func ContentHash(subject, sender, body string) string {
	if len(body) > hashBodyLimit {
		body = body[:hashBodyLimit]
	}
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte("|"))
	h.Write([]byte(sender))
	h.Write([]byte("|"))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
