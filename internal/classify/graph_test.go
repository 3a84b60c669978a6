package classify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// fakeLLM scripts responses per call. Batch prompts are detected by the
// per-email separator the batch builder emits.
type fakeLLM struct {
	mu          sync.Mutex
	singleCalls int
	batchCalls  int
	// respond builds the response for a single-message prompt.
	respond func(userPrompt string) string
	// respondBatch builds the response for a batch prompt; nil answers
	// single-style for each.
	respondBatch func(userPrompt string) string
	err          error
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) ChatJSON(_ domain.Context, _, userPrompt string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if strings.Contains(userPrompt, "--- Email 1 ---") {
		f.batchCalls++
		if f.respondBatch == nil {
			return "", fmt.Errorf("unexpected batch call")
		}
		return f.respondBatch(userPrompt), nil
	}
	f.singleCalls++
	return f.respond(userPrompt), nil
}

func singleJSON(class string, confidence float64, company, title string) string {
	b, _ := json.Marshal(map[string]any{
		"class":      class,
		"confidence": confidence,
		"reasoning":  "test",
		"company":    company,
		"job_title":  title,
		"seniority":  "",
	})
	return string(b)
}

func TestGraph_ConditionalConfirmationOverride(t *testing.T) {
	// The model over-weights conditional interview language; the guard
	// demotes it to a confirmation.
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("interview_assessment", 0.82, "MyJunior AI", "")
	}}
	g := classify.New(llm, classify.Options{})

	st := g.Run(context.Background(), domain.EmailMessage{
		ID:      "m1",
		Subject: "Thanks for applying to MyJunior AI!",
		Sender:  "careers@myjunior.ai",
		Body:    "Thank you for applying for the Senior Full Stack Engineer role at MyJunior AI. If selected for an interview, a recruiter will reach out.",
	})

	assert.Equal(t, domain.CategoryApplicationConfirmation, st.Category)
	assert.Equal(t, domain.StageApplied, st.Stage)
	assert.Equal(t, "Senior Full Stack Engineer", st.JobTitle)
	assert.False(t, st.RequiresAction)
	assert.Equal(t, domain.StatusApplied, domain.StatusForStage(st.Stage))
}

func TestGraph_PoliteRejectionOverride(t *testing.T) {
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("job_application_confirmation", 0.7, "Respondology", "")
	}}
	g := classify.New(llm, classify.Options{})

	st := g.Run(context.Background(), domain.EmailMessage{
		ID:      "m2",
		Subject: "Thank you for your interest in Respondology",
		Sender:  "talent@respondology.com",
		Body:    "After reviewing your application, we have determined that your skills and experience do not quite match the requirements.",
	})

	assert.Equal(t, domain.CategoryRejection, st.Category)
	assert.Equal(t, domain.StageRejected, st.Stage)
	assert.Equal(t, domain.StatusRejected, domain.StatusForStage(st.Stage))
}

func TestGraph_ConcreteAssessmentInvite(t *testing.T) {
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("interview_assessment", 0.88, "Magic", "")
	}}
	g := classify.New(llm, classify.Options{})

	st := g.Run(context.Background(), domain.EmailMessage{
		ID:      "m3",
		Subject: "Next Steps with Magic",
		Sender:  "recruiting@magic.dev",
		Body:    "We would like to invite you to complete our 90-minute technical assessment on CodeSignal.",
	})

	// The concrete invitation keeps the class; no conditional downgrade.
	assert.Equal(t, domain.CategoryInterviewAssessment, st.Category)
	assert.Equal(t, domain.StageInterview, st.Stage)
	assert.True(t, st.RequiresAction)
	require.NotEmpty(t, st.ActionItems)
	assert.Contains(t, st.ActionItems[0], "assessment")
}

func TestGraph_OfferOverride(t *testing.T) {
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("job_application_confirmation", 0.9, "Acme", "")
	}}
	g := classify.New(llm, classify.Options{})

	st := g.Run(context.Background(), domain.EmailMessage{
		ID:      "m4",
		Subject: "Offer Letter - Acme",
		Sender:  "hr@acme.com",
		Body:    "We're pleased to offer you the position. Compensation package attached.",
	})

	assert.Equal(t, domain.StageOffer, st.Stage)
	assert.True(t, st.RequiresAction)
	assert.Contains(t, st.ActionItems, "Review offer details and respond")
	assert.Equal(t, domain.StatusOffer, domain.StatusForStage(st.Stage))
	assert.False(t, st.NeedsReview)
}

func TestGraph_LLMFailureDefaults(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("upstream down")}
	g := classify.New(llm, classify.Options{})

	st := g.Run(context.Background(), domain.EmailMessage{ID: "m5", Subject: "x", Body: "y"})

	assert.Equal(t, domain.CategoryPromotionalMarketing, st.Category)
	assert.Zero(t, st.Confidence)
	assert.True(t, st.ClassifyFailed)
	assert.True(t, st.NeedsReview)
}

func TestGraph_LowConfidenceNeedsReview(t *testing.T) {
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("job_application_confirmation", 0.5, "Acme", "")
	}}
	g := classify.New(llm, classify.Options{})

	st := g.Run(context.Background(), domain.EmailMessage{ID: "m6", Subject: "Thanks for applying", Body: "We received your application."})
	assert.True(t, st.NeedsReview)
}

func TestGraph_CachedReplayMatchesFreshRun(t *testing.T) {
	// Replaying the classify-node outputs through Finalize must reproduce
	// the fresh result with zero additional LLM calls.
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("interview_assessment", 0.9, "Magic", "Backend Engineer")
	}}
	g := classify.New(llm, classify.Options{})

	msg := domain.EmailMessage{
		ID:      "m7",
		Subject: "Next Steps with Magic",
		Sender:  "recruiting@magic.dev",
		Body:    "We would like to invite you to complete our 90-minute technical assessment on CodeSignal.",
	}
	fresh := g.Run(context.Background(), msg)
	require.Equal(t, 1, llm.singleCalls)

	replay := classify.EmailState{
		EmailID: msg.ID, Subject: msg.Subject, Sender: msg.Sender, Body: msg.Body,
	}
	replay.ApplyClassification(fresh.Classification())
	g.Finalize(&replay)

	assert.Equal(t, 1, llm.singleCalls)
	assert.Equal(t, fresh.Category, replay.Category)
	assert.Equal(t, fresh.Stage, replay.Stage)
	assert.Equal(t, fresh.JobTitle, replay.JobTitle)
	assert.Equal(t, fresh.RequiresAction, replay.RequiresAction)
	assert.Equal(t, fresh.ActionItems, replay.ActionItems)
}

func batchJSON(items ...map[string]any) string {
	b, _ := json.Marshal(map[string]any{"results": items})
	return string(b)
}

func batchItem(class string, confidence float64) map[string]any {
	return map[string]any{
		"class": class, "confidence": confidence, "reasoning": "t",
		"company": "Acme", "job_title": "", "seniority": "",
	}
}

func TestGraph_BatchHappyPath(t *testing.T) {
	llm := &fakeLLM{
		respondBatch: func(string) string {
			return batchJSON(
				batchItem("job_application_confirmation", 0.9),
				batchItem("promotional_marketing", 0.2),
				batchItem("job_rejection", 0.85),
			)
		},
	}
	g := classify.New(llm, classify.Options{UseBatch: true, BatchSize: 10})

	msgs := []domain.EmailMessage{
		{ID: "b1", Subject: "Thanks for applying", Body: "received"},
		{ID: "b2", Subject: "Newsletter", Body: "deals"},
		{ID: "b3", Subject: "Update", Body: "unfortunately"},
	}
	states := g.RunBatch(context.Background(), msgs)

	require.Len(t, states, 3)
	assert.Equal(t, 1, llm.batchCalls)
	// promotional_marketing at 0.2 is below the threshold but not a
	// critical class, so no refinement call happens.
	assert.Equal(t, 0, llm.singleCalls)
	assert.Equal(t, domain.CategoryApplicationConfirmation, states[0].Category)
	assert.Equal(t, domain.CategoryRejection, states[2].Category)
}

func TestGraph_BatchLowConfidenceCriticalRefined(t *testing.T) {
	llm := &fakeLLM{
		respondBatch: func(string) string {
			return batchJSON(
				batchItem("job_rejection", 0.3),
				batchItem("job_application_confirmation", 0.9),
			)
		},
		respond: func(string) string {
			return singleJSON("job_rejection", 0.95, "Acme", "")
		},
	}
	g := classify.New(llm, classify.Options{UseBatch: true, BatchSize: 10, BatchConfidenceThreshold: 0.6})

	msgs := []domain.EmailMessage{
		{ID: "b1", Subject: "Update on your application", Body: "unfortunately we will not proceed"},
		{ID: "b2", Subject: "Thanks for applying", Body: "received"},
	}
	states := g.RunBatch(context.Background(), msgs)

	assert.Equal(t, 1, llm.batchCalls)
	assert.Equal(t, 1, llm.singleCalls)
	assert.Equal(t, domain.CategoryRejection, states[0].Category)
	assert.InDelta(t, 0.95, states[0].Confidence, 1e-9)
}

func TestGraph_BatchMalformedFallsBackPerMessage(t *testing.T) {
	llm := &fakeLLM{
		respondBatch: func(string) string { return `{"results": [{"class": "job_rejection"}]}` }, // length mismatch
		respond: func(string) string {
			return singleJSON("job_application_confirmation", 0.8, "Acme", "")
		},
	}
	g := classify.New(llm, classify.Options{UseBatch: true, BatchSize: 10})

	msgs := []domain.EmailMessage{
		{ID: "b1", Subject: "a", Body: "x"},
		{ID: "b2", Subject: "b", Body: "y"},
		{ID: "b3", Subject: "c", Body: "z"},
	}
	states := g.RunBatch(context.Background(), msgs)

	assert.Equal(t, 1, llm.batchCalls)
	assert.Equal(t, 3, llm.singleCalls)
	for _, st := range states {
		assert.Equal(t, domain.CategoryApplicationConfirmation, st.Category)
	}
}

func TestGraph_BatchDisabledRunsIndividually(t *testing.T) {
	llm := &fakeLLM{respond: func(string) string {
		return singleJSON("job_alerts", 0.9, "Unknown", "")
	}}
	g := classify.New(llm, classify.Options{UseBatch: false})

	states := g.RunBatch(context.Background(), []domain.EmailMessage{
		{ID: "b1", Subject: "a"}, {ID: "b2", Subject: "b"},
	})
	assert.Equal(t, 2, llm.singleCalls)
	assert.Equal(t, 0, llm.batchCalls)
	assert.Len(t, states, 2)
}

func TestContentHash_BodyBoundary(t *testing.T) {
	long := strings.Repeat("a", 5000)
	h1 := classify.ContentHash("s", "f", long+"tail-one")
	h2 := classify.ContentHash("s", "f", long+"tail-two")
	// Bodies differing only past 5000 chars collide intentionally.
	assert.Equal(t, h1, h2)

	h3 := classify.ContentHash("s", "f", "short")
	h4 := classify.ContentHash("s", "f", "short2")
	assert.NotEqual(t, h3, h4)
}
