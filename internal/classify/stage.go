package classify

import (
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
	"github.com/fairyhunter13/jobmail-tracker/pkg/textx"
)

// Stage assignment: a fixed class->stage table plus body-phrase overrides
// for screening calls and offers.

var stageForCategory = map[domain.Category]domain.Stage{
	domain.CategoryApplicationConfirmation: domain.StageApplied,
	domain.CategoryApplicationFollowup:     domain.StageApplied,
	domain.CategoryInterviewAssessment:     domain.StageInterview,
	domain.CategoryRecruiterOutreach:       domain.StageContacted,
	domain.CategoryRejection:               domain.StageRejected,
	domain.CategoryTalentCommunity:         domain.StagePipeline,
}

// requiresActionForCategory marks classes that put the ball in the user's
// court on arrival.
var requiresActionForCategory = map[domain.Category]bool{
	domain.CategoryInterviewAssessment: true,
	domain.CategoryRecruiterOutreach:   true,
}

var actionItemForCategory = map[domain.Category]string{
	domain.CategoryInterviewAssessment: "Complete the assessment or schedule the interview",
	domain.CategoryRecruiterOutreach:   "Respond to the recruiter",
}

var screeningPhrases = []string{
	"phone screen",
	"intro call",
	"introductory call",
	"recruiter screen",
	"screening call",
	"15 min call",
	"15 minute call",
	"15-30 min call",
	"30 min call",
	"get to know you",
}

var offerPhrases = []string{
	"we're pleased to offer",
	"we’re pleased to offer",
	"we are pleased to offer",
	"pleased to offer you",
	"we'd like to extend an offer",
	"we’d like to extend an offer",
	"extend an offer",
	"offer letter",
	"congratulations on your offer",
	"compensation package",
}

// offerActionItem is pushed whenever the offer override fires.
const offerActionItem = "Review offer details and respond"

// AssignStage fills in Stage, RequiresAction, and ActionItems from the
// current category plus body overrides. The offer override is a plain
// substring scan; ambiguous phrasing such as "pleased to offer an interview"
// maps to Offer.
func AssignStage(s *EmailState) {
	stage, ok := stageForCategory[s.Category]
	if !ok {
		stage = domain.StageOther
	}

	body := textx.CollapseWhitespace(s.Body)

	if s.Category == domain.CategoryInterviewAssessment && containsAny(body, screeningPhrases) {
		stage = domain.StageScreening
	}

	s.RequiresAction = requiresActionForCategory[s.Category]
	s.ActionItems = nil
	if item, ok := actionItemForCategory[s.Category]; ok {
		s.ActionItems = append(s.ActionItems, item)
	}

	if containsAny(body, offerPhrases) {
		stage = domain.StageOffer
		s.RequiresAction = true
		s.ActionItems = append(s.ActionItems, offerActionItem)
	}

	s.Stage = stage
}
