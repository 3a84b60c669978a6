package classify

import (
	"log/slog"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/observability"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// Options tune the graph's batch behavior.
type Options struct {
	// BatchSize caps how many messages share one LLM call.
	BatchSize int
	// BatchConfidenceThreshold: batch results below this confidence for a
	// critical class are re-classified individually.
	BatchConfidenceThreshold float64
	// UseBatch disables batching entirely when false.
	UseBatch bool
	// MaxBatchPromptTokens splits batches whose combined prompt would exceed
	// this cl100k token estimate.
	MaxBatchPromptTokens int
}

// Graph is the stateless classification pipeline. All inputs go in as an
// EmailMessage; one EmailState comes out.
type Graph struct {
	llm  domain.LLMClient
	opts Options
}

// New constructs a Graph, filling in defaults for zero-valued options.
func New(llm domain.LLMClient, opts Options) *Graph {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BatchConfidenceThreshold <= 0 {
		opts.BatchConfidenceThreshold = 0.6
	}
	if opts.MaxBatchPromptTokens <= 0 {
		opts.MaxBatchPromptTokens = 12000
	}
	return &Graph{llm: llm, opts: opts}
}

// criticalBatchCategories are the classes where a low-confidence batch
// result is worth a second, individual LLM call.
var criticalBatchCategories = map[domain.Category]bool{
	domain.CategoryRejection:               true,
	domain.CategoryInterviewAssessment:     true,
	domain.CategoryApplicationConfirmation: true,
}

func newState(msg domain.EmailMessage) *EmailState {
	return &EmailState{
		EmailID:    msg.ID,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
	}
}

// Run classifies a single message through the full pipeline.
func (g *Graph) Run(ctx domain.Context, msg domain.EmailMessage) EmailState {
	s := newState(msg)
	if err := g.classifyOne(ctx, s); err != nil {
		observability.LLMCallsTotal.WithLabelValues("single", "error").Inc()
		slog.Warn("classification call failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
	} else {
		observability.LLMCallsTotal.WithLabelValues("single", "ok").Inc()
	}
	g.Finalize(s)
	return *s
}

// RunBatch classifies messages in shared LLM calls where possible. Order is
// preserved. Low-confidence critical results and malformed batch responses
// fall back to individual calls.
func (g *Graph) RunBatch(ctx domain.Context, msgs []domain.EmailMessage) []EmailState {
	if len(msgs) < 2 || !g.opts.UseBatch {
		out := make([]EmailState, len(msgs))
		for i, m := range msgs {
			out[i] = g.Run(ctx, m)
		}
		return out
	}

	states := make([]*EmailState, len(msgs))
	for i, m := range msgs {
		states[i] = newState(m)
	}

	for _, batch := range g.shardBatches(states) {
		g.runOneBatch(ctx, batch)
	}

	out := make([]EmailState, len(states))
	for i, s := range states {
		g.Finalize(s)
		out[i] = *s
	}
	return out
}

// shardBatches splits states into batches of at most BatchSize messages,
// further splitting when the estimated prompt tokens exceed the budget.
func (g *Graph) shardBatches(states []*EmailState) [][]*EmailState {
	var batches [][]*EmailState
	for start := 0; start < len(states); start += g.opts.BatchSize {
		end := start + g.opts.BatchSize
		if end > len(states) {
			end = len(states)
		}
		batches = append(batches, states[start:end])
	}

	var out [][]*EmailState
	for _, b := range batches {
		out = append(out, g.splitByTokenBudget(b)...)
	}
	return out
}

func (g *Graph) splitByTokenBudget(batch []*EmailState) [][]*EmailState {
	if len(batch) <= 1 {
		return [][]*EmailState{batch}
	}
	msgs := make([]domain.EmailMessage, len(batch))
	for i, s := range batch {
		msgs[i] = domain.EmailMessage{ID: s.EmailID, Subject: s.Subject, Sender: s.Sender, Body: s.Body}
	}
	if estimateTokens(buildBatchPrompt(msgs)) <= g.opts.MaxBatchPromptTokens {
		return [][]*EmailState{batch}
	}
	mid := len(batch) / 2
	return append(g.splitByTokenBudget(batch[:mid]), g.splitByTokenBudget(batch[mid:])...)
}

func (g *Graph) runOneBatch(ctx domain.Context, batch []*EmailState) {
	if len(batch) == 1 {
		if err := g.classifyOne(ctx, batch[0]); err != nil {
			observability.LLMCallsTotal.WithLabelValues("single", "error").Inc()
			slog.Warn("classification call failed",
				slog.String("message_id", batch[0].EmailID), slog.Any("error", err))
		} else {
			observability.LLMCallsTotal.WithLabelValues("single", "ok").Inc()
		}
		return
	}

	if err := g.classifyBatch(ctx, batch); err != nil {
		// Malformed response or provider error: classify the whole batch
		// one message at a time.
		observability.LLMCallsTotal.WithLabelValues("batch", "error").Inc()
		slog.Warn("batch classification failed, falling back to per-message",
			slog.Int("batch_size", len(batch)), slog.Any("error", err))
		for _, s := range batch {
			if err := g.classifyOne(ctx, s); err != nil {
				observability.LLMCallsTotal.WithLabelValues("single", "error").Inc()
				slog.Warn("classification call failed",
					slog.String("message_id", s.EmailID), slog.Any("error", err))
			} else {
				observability.LLMCallsTotal.WithLabelValues("single", "ok").Inc()
			}
		}
		return
	}
	observability.LLMCallsTotal.WithLabelValues("batch", "ok").Inc()

	// Low-confidence critical classes get a second, individual opinion.
	for _, s := range batch {
		if s.Confidence < g.opts.BatchConfidenceThreshold && criticalBatchCategories[s.Category] {
			if err := g.classifyOne(ctx, s); err != nil {
				observability.LLMCallsTotal.WithLabelValues("single", "error").Inc()
				slog.Warn("batch refinement call failed",
					slog.String("message_id", s.EmailID), slog.Any("error", err))
			} else {
				observability.LLMCallsTotal.WithLabelValues("single", "ok").Inc()
			}
		}
	}
}

// Finalize runs the post-LLM nodes over a state that already carries
// classify outputs: rule guards, title post-validation, the resume matcher
// placeholder, and stage assignment. It is also applied to cached
// classifications so guard or stage-table changes reach them.
func (g *Graph) Finalize(s *EmailState) {
	ApplyGuards(s)

	if title := BestTitle(s.Subject, s.Body, s.JobTitle); title != "" {
		s.JobTitle = title
	} else if !PlausibleTitle(s.JobTitle) {
		s.JobTitle = ""
	}
	if s.PositionLevel == "" && s.JobTitle != "" {
		s.PositionLevel = inferSeniority(s.JobTitle)
	}
	if s.CompanyName == "" {
		s.CompanyName = "Unknown"
	}

	// Resume matcher: interface preserved, no matching performed today.
	s.ResumeMatched = false
	s.ResumeFileID = ""
	s.ResumeVersion = ""

	AssignStage(s)

	s.NeedsReview = s.ClassifyFailed || s.Confidence < domain.NeedsReviewThreshold
}
