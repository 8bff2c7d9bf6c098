package agent

import (
	"fmt"
	"path"
	"strings"
)

// formatPolicyList renders document keys as one identifier per line.
func formatPolicyList(set string, keys []string) string {
	var ids []string
	for _, k := range keys {
		if strings.HasSuffix(k, ".md") {
			ids = append(ids, strings.TrimSuffix(path.Base(k), ".md"))
		}
	}
	if len(ids) == 0 {
		return fmt.Sprintf("No %s documents found.", strings.ToUpper(set))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s documents:\n", len(ids), strings.ToUpper(set))
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return b.String()
}

// formatDocument wraps a document for the model, truncating text beyond
// maxDocumentChars runes.
func formatDocument(set, id, text string) string {
	truncated := false
	if r := []rune(text); len(r) > maxDocumentChars {
		text = string(r[:maxDocumentChars])
		truncated = true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s %s ===\n", strings.ToUpper(set), id)
	b.WriteString(text)
	if truncated {
		b.WriteString("\n[document truncated]")
	}
	return b.String()
}
