package mailbox

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// The full-sync query set partitions the likely job-related space by subject
// keywords, sender patterns, known ATS domains, and common phrases. The
// fusion step dedupes messages matched by more than one query.
var defaultQueryTemplates = []string{
	// Subject-based searches
	`{range} subject:(application OR applied OR interview OR assessment OR position OR opportunity OR hiring OR job)`,
	`{range} subject:(offer OR rejection OR rejected OR regret OR unfortunately OR congratulations)`,
	`{range} subject:("thank you for applying" OR "thank you for your interest" OR "next steps" OR "move forward")`,
	// From-based searches
	`{range} from:(noreply OR no-reply OR careers OR recruiting OR talent OR jobs OR hr OR hire OR greenhouse OR lever OR workday)`,
	`{range} from:(linkedin.com OR indeed.com OR glassdoor.com OR ziprecruiter.com OR monster.com)`,
	// Job board and ATS platforms
	`{range} (from:myworkdayjobs.com OR from:greenhouse.io OR from:lever.co OR from:jobvite.com OR from:icims.com)`,
	// Common job-related phrases
	`{range} ("application received" OR "application status" OR "interview invitation" OR "phone screen" OR "technical interview")`,
}

// queriesFile is the YAML shape of an external query-set override.
type queriesFile struct {
	Queries []string `yaml:"queries"`
}

// LoadQueryTemplates reads a query-template override file. Templates contain
// a {range} placeholder for the date clause.
func LoadQueryTemplates(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=queries.read: %w", err)
	}
	var qf queriesFile
	if err := yaml.Unmarshal(b, &qf); err != nil {
		return nil, fmt.Errorf("op=queries.parse: %w", err)
	}
	if len(qf.Queries) == 0 {
		return nil, fmt.Errorf("op=queries.parse: file %s has no queries", path)
	}
	return qf.Queries, nil
}

// BuildQueries expands templates with the date window. Dates use the
// provider's Y/M/D form; either bound may be empty.
func BuildQueries(templates []string, afterDate, beforeDate string) []string {
	if len(templates) == 0 {
		templates = defaultQueryTemplates
	}
	var clauses []string
	if afterDate != "" {
		clauses = append(clauses, "after:"+afterDate)
	}
	if beforeDate != "" {
		clauses = append(clauses, "before:"+beforeDate)
	}
	dateRange := strings.Join(clauses, " ")

	out := make([]string, 0, len(templates))
	for _, t := range templates {
		q := strings.ReplaceAll(t, "{range}", dateRange)
		out = append(out, strings.TrimSpace(strings.Join(strings.Fields(q), " ")))
	}
	return out
}
