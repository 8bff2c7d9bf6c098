package mcp

import (
	"fmt"
	"strings"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// formatAnswer renders a cited answer as plain text.
func formatAnswer(res *models.PolicyQueryResult) string {
	var b strings.Builder
	b.WriteString(res.Answer)
	if len(res.Citations) > 0 {
		b.WriteString("\n\nCitations:\n")
		for _, c := range res.Citations {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if res.FollowUp != nil && *res.FollowUp != "" {
		if len(res.Citations) == 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\nFollow-up: %s", *res.FollowUp)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatPaceNote renders a pace note with its rank header.
func formatPaceNote(note *models.PaceNote) string {
	return fmt.Sprintf("PACE note (%s)\n\n%s", note.Rank, note.Feedback)
}
