package classify

import (
	"strings"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
	"github.com/fairyhunter13/jobmail-tracker/pkg/textx"
)

// Rule guards override the LLM on high-signal phrasing. They match against
// the lowercased, whitespace-collapsed union of subject and body, and are a
// fixed point: applying them twice changes nothing.

var rejectionPhrases = []string{
	"unfortunately",
	"regret to inform",
	"we're sorry to inform",
	"we’re sorry to inform",
	"we are sorry to inform",
	"not moving forward",
	"will not be moving forward",
	"not selected",
	"position has been filled",
	"decided to pursue other candidates",
	"decided to move forward with other candidates",
	"after careful consideration",
	"we will not proceed",
	"do not quite match",
}

var conditionalInterviewPhrases = []string{
	"if selected for an interview",
	"if you're selected for an interview",
	"if you’re selected for an interview",
	"if you are selected for an interview",
	"if we decide to move forward",
	"if we move forward",
	"should you advance",
	"if chosen to move forward",
}

var concreteInvitePhrases = []string{
	"we'd like to invite",
	"we’d like to invite",
	"we would like to invite",
	"please schedule",
	"scheduled for",
	"hackerrank",
	"codesignal",
	"codility",
	"take-home",
	"take home",
}

func containsAny(normalizedText string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(normalizedText, textx.CollapseWhitespace(p)) {
			return true
		}
	}
	return false
}

// ApplyGuards rewrites the state's category when rule guards fire:
//
//  1. Rejection phrasing demotes a confirmation or talent-community class to
//     job_rejection.
//  2. Conditional interview language without a concrete invitation demotes
//     interview_assessment to job_application_confirmation.
func ApplyGuards(s *EmailState) {
	text := textx.CollapseWhitespace(s.Subject + " " + s.Body)

	if (s.Category == domain.CategoryApplicationConfirmation || s.Category == domain.CategoryTalentCommunity) &&
		containsAny(text, rejectionPhrases) {
		s.Category = domain.CategoryRejection
		return
	}

	if s.Category == domain.CategoryInterviewAssessment &&
		containsAny(text, conditionalInterviewPhrases) &&
		!containsAny(text, concreteInvitePhrases) {
		s.Category = domain.CategoryApplicationConfirmation
	}
}
