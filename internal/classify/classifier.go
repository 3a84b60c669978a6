package classify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

func init() {
	// Offline BPE loader so token counting works without network access.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

const (
	singleBodyLimit = 2000
	batchBodyLimit  = 1500
	systemPrompt    = "Return strict JSON only. Do not add markdown or commentary."
)

// llmResult is the strict-JSON shape the classify node requests per email.
type llmResult struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Company    string  `json:"company"`
	JobTitle   string  `json:"job_title"`
	Seniority  string  `json:"seniority"`
}

type llmBatchResult struct {
	Results []json.RawMessage `json:"results"`
}

// estimateTokens counts cl100k_base tokens; 0 when the encoding is
// unavailable.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Error("failed to get tiktoken encoding", slog.Any("error", err))
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// cleanJSONResponse strips markdown fences and extracts the outermost JSON
// object from a model response.
func cleanJSONResponse(response string) string {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func categoryDefinitions() string {
	var b strings.Builder
	for _, cat := range domain.Categories() {
		g := categoryGuide[cat]
		fmt.Fprintf(&b, "- %s: %s. Not this class when: %s. Example subject: %q\n",
			cat, g.Indicators, g.Negative, g.Example)
	}
	return b.String()
}

func titleCandidateLines(subject, body string) string {
	cands := TitleCandidates(subject, body)
	if len(cands) == 0 {
		return "(none found)"
	}
	var b strings.Builder
	for i, c := range cands {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", c.Value)
	}
	return b.String()
}

func buildSinglePrompt(msg domain.EmailMessage) string {
	body := msg.Body
	if len(body) > singleBodyLimit {
		body = body[:singleBodyLimit]
	}
	return fmt.Sprintf(`You are an email triage model for job-application workflows.
Follow the class definitions exactly and return strict JSON only.
Important: phrases like "if selected for an interview" or "if we move forward"
mean job_application_confirmation, not interview_assessment.

Classify this email and extract structured data.

Class definitions (pick the best match):
%s
Job title candidates extracted deterministically from this email (prefer one
of these when it matches the email's wording):
%s
Return a JSON object with exactly these keys (use "" for unknown strings):
- class: one of the class names above
- confidence: number 0.0 to 1.0
- reasoning: one short sentence
- company: hiring company name or "Unknown"
- job_title: job title or ""
- seniority: e.g. "Junior", "Senior", "Staff+", or ""

Email:
Subject: %s
From: %s
Body: %s

Return ONLY valid JSON, no other text.`, categoryDefinitions(), titleCandidateLines(msg.Subject, msg.Body), msg.Subject, msg.Sender, body)
}

func buildBatchPrompt(msgs []domain.EmailMessage) string {
	var parts []string
	for i, m := range msgs {
		body := m.Body
		if len(body) > batchBodyLimit {
			body = body[:batchBodyLimit]
		}
		parts = append(parts, fmt.Sprintf("--- Email %d ---\nSubject: %s\nFrom: %s\nBody: %s", i+1, m.Subject, m.Sender, body))
	}
	return fmt.Sprintf(`You are an email triage model for job-application workflows.
Return strict JSON only. Do not infer interviews from conditional language like
"if selected for an interview" or "if we move forward" (these are
job_application_confirmation).

Classify each of the following emails and extract structured data.

Class definitions (pick the best match for each email):
%s
Return a JSON object with a top-level "results" array. Each array item must
have exactly these keys (use "" for unknown strings):
- class: one of the class names above
- confidence: number 0.0 to 1.0
- reasoning: one short sentence
- company: hiring company name or "Unknown"
- job_title: job title or ""
- seniority: e.g. "Junior", "Senior", "Staff+", or ""

Emails:

%s

Return ONLY a valid JSON object with a "results" array of %d items, no other text.`,
		categoryDefinitions(), strings.Join(parts, "\n\n"), len(msgs))
}

// applyLLMResult writes one parsed model result onto the state, normalizing
// the class and clamping confidence.
func applyLLMResult(s *EmailState, r llmResult, model string) {
	cat, _ := normalizeCategory(r.Class)
	s.Category = cat
	s.ClassifyFailed = false
	conf := r.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	s.Confidence = conf
	s.Reasoning = strings.TrimSpace(r.Reasoning)
	s.CompanyName = NormalizeCompany(r.Company)
	s.JobTitle = strings.TrimSpace(r.JobTitle)
	s.PositionLevel = strings.TrimSpace(r.Seniority)
	s.ProcessedBy = model
}

// markClassifyFailed records an unrecoverable classification failure: the
// class defaults to promotional_marketing with zero confidence and the state
// is flagged for review.
func markClassifyFailed(s *EmailState, model string) {
	s.Category = domain.CategoryPromotionalMarketing
	s.Confidence = 0
	s.CompanyName = "Unknown"
	s.ClassifyFailed = true
	s.ProcessedBy = model
}

// classifyOne performs the single-message LLM call.
func (g *Graph) classifyOne(ctx domain.Context, s *EmailState) error {
	msg := domain.EmailMessage{ID: s.EmailID, Subject: s.Subject, Sender: s.Sender, Body: s.Body}
	raw, err := g.llm.ChatJSON(ctx, systemPrompt, buildSinglePrompt(msg), 450)
	if err != nil {
		markClassifyFailed(s, g.llm.Model())
		return fmt.Errorf("op=classify.single: %w", err)
	}
	var r llmResult
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &r); err != nil {
		markClassifyFailed(s, g.llm.Model())
		return fmt.Errorf("op=classify.single_parse: %w: %v", domain.ErrMalformed, err)
	}
	applyLLMResult(s, r, g.llm.Model())
	return nil
}

// classifyBatch issues one LLM call for the whole slice. A malformed or
// length-mismatched response returns ErrMalformed so the caller can fall
// back to per-message classification.
func (g *Graph) classifyBatch(ctx domain.Context, states []*EmailState) error {
	msgs := make([]domain.EmailMessage, len(states))
	for i, s := range states {
		msgs[i] = domain.EmailMessage{ID: s.EmailID, Subject: s.Subject, Sender: s.Sender, Body: s.Body}
	}
	maxTokens := 450*len(msgs) + 200
	if maxTokens > 4096 {
		maxTokens = 4096
	}
	raw, err := g.llm.ChatJSON(ctx, systemPrompt, buildBatchPrompt(msgs), maxTokens)
	if err != nil {
		return fmt.Errorf("op=classify.batch: %w", err)
	}
	var payload llmBatchResult
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &payload); err != nil {
		return fmt.Errorf("op=classify.batch_parse: %w: %v", domain.ErrMalformed, err)
	}
	if len(payload.Results) != len(states) {
		return fmt.Errorf("op=classify.batch_len: %w: got %d results for %d emails",
			domain.ErrMalformed, len(payload.Results), len(states))
	}
	for i, rawItem := range payload.Results {
		var r llmResult
		if err := json.Unmarshal(rawItem, &r); err != nil {
			markClassifyFailed(states[i], g.llm.Model())
			continue
		}
		applyLLMResult(states[i], r, g.llm.Model())
	}
	return nil
}
