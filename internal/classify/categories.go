package classify

import (
	"regexp"
	"strings"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// categoryGuidance is the compact per-class prompt material: indicators,
// negative indicators, and one example subject line.
type categoryGuidance struct {
	Indicators string
	Negative   string
	Example    string
}

var categoryGuide = map[domain.Category]categoryGuidance{
	domain.CategoryApplicationConfirmation: {
		Indicators: "automated receipt of an application; phrases like 'thank you for applying', 'we received your application', 'we'll review your application'; conditional interview language ('if selected for an interview')",
		Negative:   "a concrete interview or assessment invitation; a rejection",
		Example:    "Thank you for applying to DigitalOcean!",
	},
	domain.CategoryRejection: {
		Indicators: "'unfortunately', 'regret to inform', 'not moving forward', 'not selected', 'position has been filled', 'decided to pursue other candidates'",
		Negative:   "a rejection of someone else's request; marketing with the word 'unfortunately'",
		Example:    "Update on your application to Stripe",
	},
	domain.CategoryInterviewAssessment: {
		Indicators: "a concrete invitation to interview, schedule a call, or complete an assessment (HackerRank, CodeSignal, Codility, take-home)",
		Negative:   "conditional language only ('if selected for an interview'); generic confirmation",
		Example:    "Next steps: schedule your technical interview",
	},
	domain.CategoryApplicationFollowup: {
		Indicators: "status update on an in-flight application: 'still under review', 'update on your application', timeline changes",
		Negative:   "final decision (offer or rejection); first confirmation",
		Example:    "Your application is still being reviewed",
	},
	domain.CategoryRecruiterOutreach: {
		Indicators: "unsolicited message from a recruiter about a role: 'came across your profile', 'reaching out about an opportunity', 'would you be interested'",
		Negative:   "replies about a role you applied to",
		Example:    "Exciting Senior Engineer opportunity at a fintech startup",
	},
	domain.CategoryTalentCommunity: {
		Indicators: "invitation to join a talent community / pool / network; 'we'll keep your resume on file' without a decision",
		Negative:   "an actual rejection or confirmation",
		Example:    "Welcome to the Acme Talent Community",
	},
	domain.CategoryLinkedInConnection: {
		Indicators: "LinkedIn connection invitation notifications",
		Negative:   "LinkedIn recruiter messages about a role",
		Example:    "Jane Doe wants to connect",
	},
	domain.CategoryLinkedInMessage: {
		Indicators: "LinkedIn direct-message notifications (InMail, message received)",
		Negative:   "connection requests; job digests",
		Example:    "You have a new message from Jane Doe",
	},
	domain.CategoryLinkedInJobRecs: {
		Indicators: "LinkedIn job digest or recommendation emails: 'jobs you may be interested in', 'new jobs for you'",
		Negative:   "messages from a human recruiter",
		Example:    "30 new jobs for Software Engineer",
	},
	domain.CategoryLinkedInActivity: {
		Indicators: "LinkedIn profile-activity notifications: profile views, post reactions, appearance in searches",
		Negative:   "messages or job digests",
		Example:    "You appeared in 9 searches this week",
	},
	domain.CategoryJobAlerts: {
		Indicators: "automated job alert digests from boards (Indeed, Glassdoor, ZipRecruiter) or saved searches",
		Negative:   "application status emails",
		Example:    "10 new Backend Engineer jobs in Austin",
	},
	domain.CategoryVerificationSecurity: {
		Indicators: "account verification codes, password resets, sign-in alerts from job boards or ATS accounts",
		Negative:   "application content of any kind",
		Example:    "Your verification code is 829441",
	},
	domain.CategoryPromotionalMarketing: {
		Indicators: "newsletters, product promotion, event invites, career-coaching upsells",
		Negative:   "anything tied to a specific application",
		Example:    "Level up your job search with Premium",
	},
	domain.CategoryReceiptsInvoices: {
		Indicators: "payment receipts, invoices, subscription renewals",
		Negative:   "job-search content",
		Example:    "Your receipt from LinkedIn Premium",
	},
}

var categoryNormalizeRe = regexp.MustCompile(`[\s\-]+`)

// normalizeCategory folds an LLM-reported class onto the closed set. Unknown
// values fall back to promotional_marketing, the graph's lowest-signal class.
func normalizeCategory(raw string) (domain.Category, bool) {
	c := domain.Category(categoryNormalizeRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "_"))
	if domain.ValidCategory(c) {
		return c, true
	}
	return domain.CategoryPromotionalMarketing, false
}

var companySuffixRe = regexp.MustCompile(`(?i)[\s,]+(inc|llc|l\.l\.c|corp|corporation|ltd|co|company)\.?\s*$`)

// NormalizeCompany canonicalizes a company name by stripping legal suffixes
// and trimming. Empty input and "Unknown" both return "Unknown".
func NormalizeCompany(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "Unknown" {
		return "Unknown"
	}
	for {
		stripped := strings.TrimSpace(companySuffixRe.ReplaceAllString(name, ""))
		if stripped == name || stripped == "" {
			break
		}
		name = stripped
	}
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" {
		return "Unknown"
	}
	return name
}

var seniorityPatterns = []struct {
	re    *regexp.Regexp
	level string
}{
	{regexp.MustCompile(`(?i)\b(intern|internship)\b`), "Intern"},
	{regexp.MustCompile(`(?i)\b(junior|jr\.?|entry[-\s]level|associate)\b`), "Junior"},
	{regexp.MustCompile(`(?i)\b(staff|principal|distinguished)\b`), "Staff+"},
	{regexp.MustCompile(`(?i)\b(lead|head of)\b`), "Lead"},
	{regexp.MustCompile(`(?i)\b(senior|sr\.?)\b`), "Senior"},
	{regexp.MustCompile(`(?i)\b(director|vp|vice president|chief)\b`), "Executive"},
}

// inferSeniority guesses a seniority level from a job title when the model
// did not report one.
func inferSeniority(title string) string {
	for _, p := range seniorityPatterns {
		if p.re.MatchString(title) {
			return p.level
		}
	}
	return ""
}
