package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct{ name, in, want string }{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare_fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose_wrapped", `Here you go: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"brace_in_string", `{"a":"}","b":1} trailing`, `{"a":"}","b":1}`},
		{"unterminated", `{"a":1`, `{"a":1`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanJSONResponse(tc.in))
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	got, ok := normalizeCategory("Job Rejection")
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryRejection, got)

	got, ok = normalizeCategory("  interview-assessment ")
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryInterviewAssessment, got)

	got, ok = normalizeCategory("something else entirely")
	assert.False(t, ok)
	assert.Equal(t, domain.CategoryPromotionalMarketing, got)
}

func TestNormalizeCompany(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Acme Inc", "Acme"},
		{"Acme, Inc.", "Acme"},
		{"Acme LLC", "Acme"},
		{"Globex Corporation", "Globex"},
		{"Initech Ltd.", "Initech"},
		{"Unknown", "Unknown"},
		{"", "Unknown"},
		{"Plain Name", "Plain Name"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeCompany(tc.in), "input %q", tc.in)
	}
}

func TestInferSeniority(t *testing.T) {
	assert.Equal(t, "Senior", inferSeniority("Senior Software Engineer"))
	assert.Equal(t, "Staff+", inferSeniority("Staff Engineer"))
	assert.Equal(t, "Junior", inferSeniority("Junior Analyst"))
	assert.Equal(t, "Intern", inferSeniority("Software Engineering Intern"))
	assert.Equal(t, "", inferSeniority("Software Engineer"))
}
