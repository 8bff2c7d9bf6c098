package router

import (
	"regexp"
	"strings"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// MaxFinderResults caps the number of documents fetched per question.
const MaxFinderResults = 5

var (
	policyIDPattern = regexp.MustCompile(`^\d{4}-\d{1,2}$`)
	answerTag       = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
	citationsTag    = regexp.MustCompile(`(?s)<citations>(.*?)</citations>`)
	followUpTag     = regexp.MustCompile(`(?s)<follow_up>(.*?)</follow_up>`)
)

// ParseFinderOutput extracts policy identifiers from finder output. It never
// fails: unrecognised tokens are dropped.
func ParseFinderOutput(text string) []string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || lower == "none" || lower == "none found" || strings.Contains(lower, "no relevant") {
		return []string{}
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	ids := make([]string, 0, MaxFinderResults)
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		id := normalizePolicyID(f)
		if id == "" || seen[id] || !policyIDPattern.MatchString(id) {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if len(ids) == MaxFinderResults {
			break
		}
	}
	return ids
}

// normalizePolicyID trims whitespace and an optional DOAD/DAOD prefix.
func normalizePolicyID(s string) string {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for _, prefix := range []string{"DOAD", "DAOD"} {
		if strings.HasPrefix(upper, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	return s
}

// ParseAnswer splits tagged chat output into answer, citations and follow-up.
// Output without an <answer> tag is returned whole as the answer.
func ParseAnswer(raw string) *models.PolicyQueryResult {
	res := &models.PolicyQueryResult{Citations: []string{}}

	m := answerTag.FindStringSubmatch(raw)
	if m == nil {
		res.Answer = strings.TrimSpace(raw)
		return res
	}
	res.Answer = strings.TrimSpace(m[1])

	if m := citationsTag.FindStringSubmatch(raw); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
			if line != "" {
				res.Citations = append(res.Citations, line)
			}
		}
	}

	if m := followUpTag.FindStringSubmatch(raw); m != nil {
		if f := strings.TrimSpace(m[1]); f != "" {
			res.FollowUp = &f
		}
	}
	return res
}
