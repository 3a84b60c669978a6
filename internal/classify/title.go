package classify

import (
	"regexp"
	"sort"
	"strings"
)

// Deterministic job-title extraction. Runs before the LLM (candidates are
// embedded in the prompt) and after it (post-validation of the model's
// title). Favors recall while keeping titles close to the email's wording.

// TitleCandidate is one ranked extraction.
type TitleCandidate struct {
	Value  string
	Score  int
	Source string
}

const titleBodyLimit = 2500

type titlePattern struct {
	re     *regexp.Regexp
	score  int
	source string
}

var subjectTitlePatterns = []titlePattern{
	// "Interview invitation for Senior Software Engineer"
	{regexp.MustCompile(`(?im)\b(?:interview|phone\s*screen|screening)\b.*?\bfor\b\s+(.+?)\s*$`), 120, "subject:interview_for"},
	// "Application received - Senior Backend Engineer"
	{regexp.MustCompile(`(?im)\b(?:application|applied|thanks\s+for\s+applying|thank\s+you\s+for\s+applying)\b.*?(?:for|-\s*)\s+(.+?)\s*$`), 110, "subject:applied_for"},
	// "Senior Python Engineer - Remote - Company"
	{regexp.MustCompile(`(?im)^\s*([A-Za-z][^|]{3,80}?)\s+[-–—]\s+(?:remote|hybrid|onsite)\b`), 105, "subject:title_dash_location"},
	// "Role: Senior Data Engineer"
	{regexp.MustCompile(`(?im)\b(?:role|position|title|opening|opportunity)\s*[:\-–—]\s*(.+?)\s*$`), 100, "subject:role_label"},
	// "Senior Data Engineer at Acme"
	{regexp.MustCompile(`(?im)^\s*(.+?)\s+(?:at|with)\s+[A-Z0-9]`), 95, "subject:title_at_company"},
}

var bodyTitlePatterns = []titlePattern{
	// "Thank you for applying for the Senior Full Stack Engineer role at X"
	{regexp.MustCompile(`(?i)thank you for applying for (?:the )?(.+?)(?:\s+(?:role|position))?\s+(?:at|with)\b`), 90, "body:thanks_for_applying"},
	// "Your application for Senior Backend Engineer"
	{regexp.MustCompile(`(?i)\byour application (?:was received|for)\s*(?:for\s+)?(.+?)\s*(?:\n|\.|,|$)`), 80, "body:your_application_for"},
	// "We would like to invite you to interview for Senior Backend Engineer"
	{regexp.MustCompile(`(?i)\binvit(?:e|ing)\s+you\b.*?\bfor\b\s+(.+?)\s*(?:\n|\.|,|$)`), 75, "body:invite_for"},
	// "Position: Senior Backend Engineer"
	{regexp.MustCompile(`(?i)\b(?:position|role|job title|title|hiring)\s*[:\-–—]\s*(.+?)\s*(?:\n|\.|,|$)`), 70, "body:label"},
}

var (
	wsRe              = regexp.MustCompile(`\s+`)
	titleWrapperRe    = regexp.MustCompile(`(?i)^(?:the\s+)?(?:role|position|title|opening|opportunity)\s*[:\-–—]\s*`)
	titleJobLabelRe   = regexp.MustCompile(`(?i)^job\s*title\s*[:\-–—]\s*`)
	titleSuffixRe     = regexp.MustCompile(`(?i)\s+(?:role|position)\s*$`)
	titleAtCompanyRe  = regexp.MustCompile(`\s+(?:at|with)\s+[A-Z0-9][\w&.,'\- ]{1,80}\s*$`)
	titleReqBracketRe = regexp.MustCompile(`(?i)\s*[(\[{]\s*(?:req(?:uisition)?|job|role)?\s*#?\s*[A-Z0-9][\w\-]*\s*[)\]}]\s*$`)
	titleReqDashRe    = regexp.MustCompile(`(?i)\s*-\s*(?:Req|Requisition)\s*#?\s*[A-Z0-9][\w\-]*\s*$`)
	urlRe             = regexp.MustCompile(`(?i)https?://|www\.`)
	emailAddrRe       = regexp.MustCompile(`\b[\w.\-]+@[\w.\-]+\.\w+\b`)
	hasLetterRe       = regexp.MustCompile(`[A-Za-z]`)
)

const titleQuoteCutset = " \t\r\n\"'“”‘’`"

func collapseWS(s string) string {
	return wsRe.ReplaceAllString(strings.TrimSpace(s), " ")
}

// CleanTitle normalizes a raw extracted title, removing obvious wrappers
// ("role:", trailing "at Company", requisition IDs) while keeping the
// email's wording.
func CleanTitle(raw string) string {
	s := collapseWS(raw)
	if s == "" {
		return ""
	}
	s = strings.Trim(s, titleQuoteCutset)
	s = titleWrapperRe.ReplaceAllString(s, "")
	s = titleJobLabelRe.ReplaceAllString(s, "")
	s = titleSuffixRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(titleAtCompanyRe.ReplaceAllString(s, ""))
	s = strings.Trim(s, titleQuoteCutset)
	s = strings.TrimSpace(titleReqBracketRe.ReplaceAllString(s, ""))
	s = strings.TrimSpace(titleReqDashRe.ReplaceAllString(s, ""))
	s = strings.TrimRight(s, " .,:;|/\\-–—")
	return collapseWS(s)
}

var bannedTitles = map[string]struct{}{
	"thank you for applying": {},
	"your application":       {},
	"next steps":             {},
	"application received":   {},
	"interview invitation":   {},
	"candidate":              {},
	"opportunity":            {},
	"position":               {},
	"role":                   {},
	"job":                    {},
}

// PlausibleTitle is a conservative junk filter: 3..90 chars, at least one
// letter, at most 10 words, no URLs or emails, not a known boilerplate word.
func PlausibleTitle(title string) bool {
	s := collapseWS(title)
	if len(s) < 3 || len(s) > 90 {
		return false
	}
	if !hasLetterRe.MatchString(s) {
		return false
	}
	if urlRe.MatchString(s) || emailAddrRe.MatchString(s) {
		return false
	}
	if len(strings.Fields(s)) > 10 {
		return false
	}
	if _, banned := bannedTitles[strings.ToLower(s)]; banned {
		return false
	}
	return true
}

func extractWithPatterns(text string, patterns []titlePattern) []TitleCandidate {
	var out []TitleCandidate
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		raw := m[0]
		if len(m) > 1 {
			raw = m[1]
		}
		cleaned := CleanTitle(raw)
		if PlausibleTitle(cleaned) {
			out = append(out, TitleCandidate{Value: cleaned, Score: p.score, Source: p.source})
		}
	}
	return out
}

// TitleCandidates extracts ranked job-title candidates from subject + body.
// Subject patterns outrank body patterns; duplicates keep the best score.
func TitleCandidates(subject, body string) []TitleCandidate {
	if len(body) > titleBodyLimit {
		body = body[:titleBodyLimit]
	}
	cands := extractWithPatterns(subject, subjectTitlePatterns)
	cands = append(cands, extractWithPatterns(body, bodyTitlePatterns)...)

	best := map[string]TitleCandidate{}
	for _, c := range cands {
		key := strings.ToLower(collapseWS(c.Value))
		if existing, ok := best[key]; !ok || c.Score > existing.Score {
			best[key] = c
		}
	}
	out := make([]TitleCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// BestTitle prefers a plausible model-suggested title, falling back to the
// top deterministic candidate.
func BestTitle(subject, body, llmSuggested string) string {
	if cleaned := CleanTitle(llmSuggested); PlausibleTitle(cleaned) {
		return cleaned
	}
	if cands := TitleCandidates(subject, body); len(cands) > 0 {
		return cands[0].Value
	}
	return ""
}
