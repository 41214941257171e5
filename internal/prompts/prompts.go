// Package prompts builds the creative and historian prompts. Every function
// is a pure string formatter.
package prompts

import (
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-historian/internal/evidence"
)

const (
	// UnsourcedWordBudget caps the historian's correction when no evidence
	// was retrieved.
	UnsourcedWordBudget = 50
	// SourcedWordBudget caps the historian's cited answer.
	SourcedWordBudget = 80

	NoSources = "(no sources)"
)

// ListKeywords trigger list mode when found anywhere in the input,
// case-insensitively.
var ListKeywords = []string{
	"list",
	"all",
	"name all",
	"enumerate",
	"show all",
	"give all",
}

// IsListRequest reports whether input asks for an enumeration.
func IsListRequest(input string) bool {
	lower := strings.ToLower(input)
	for _, keyword := range ListKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func BuildCreative(input string, listMode bool) string {
	var b strings.Builder
	if listMode {
		b.WriteString("You are a creative historian. Be precise and complete.\n")
		b.WriteString("- Output ONLY a Markdown bullet list, one item per line.\n")
		b.WriteString("- No introduction or closing text.\n")
		b.WriteString("- No numbering. Use '-' bullets.\n")
		b.WriteString("- If asked to 'list' or 'name all', include ALL items; do not summarize.\n")
		b.WriteString("- Prefer official names; optionally add years in parentheses.\n\n")
		fmt.Fprintf(&b, "Request: %s\n\n", input)
		b.WriteString("List:")
		return b.String()
	}
	b.WriteString("You are a creative historian. Be brief and direct.\n")
	b.WriteString("- One short paragraph (40-60 words).\n")
	b.WriteString("- Avoid fluff.\n\n")
	fmt.Fprintf(&b, "Claim: %s\n\n", input)
	b.WriteString("Answer:")
	return b.String()
}

// BuildHistorian asks for a terse correction of draft without citations.
func BuildHistorian(draft string) string {
	var b strings.Builder
	b.WriteString("You are a rigorous history expert. Be terse and corrective.\n")
	fmt.Fprintf(&b, "- If the text is inaccurate, state the fix in 1-2 short sentences (<= %d words).\n", UnsourcedWordBudget)
	b.WriteString("- If it is accurate, confirm it in one sentence.\n\n")
	fmt.Fprintf(&b, "TEXT TO REVIEW: %s\n\n", draft)
	b.WriteString("Corrections:")
	return b.String()
}

// BuildHistorianWithSources asks for a cited answer grounded in items.
func BuildHistorianWithSources(input, draft string, items []evidence.Item) string {
	var b strings.Builder
	b.WriteString("You are a rigorous history expert with access to current web sources.\n")
	b.WriteString("- The sources below are more recent and more authoritative than your training data; when they disagree with what you know, trust the sources.\n")
	b.WriteString("- Answer the question confidently and directly, correcting the draft where it is wrong.\n")
	fmt.Fprintf(&b, "- Be concise (<= %d words).\n", SourcedWordBudget)
	b.WriteString("- Cite inline with [n] markers matching the numbered sources.\n\n")
	fmt.Fprintf(&b, "QUESTION: %s\n\n", input)
	fmt.Fprintf(&b, "DRAFT ANSWER: %s\n\n", draft)
	fmt.Fprintf(&b, "Sources:\n%s\n\n", SourcesBlock(items))
	b.WriteString("Answer with citations:")
	return b.String()
}

// BuildHistorianFor picks the sourced variant when items is non-empty.
func BuildHistorianFor(input, draft string, items []evidence.Item) string {
	if len(items) == 0 {
		return BuildHistorian(draft)
	}
	return BuildHistorianWithSources(input, draft, items)
}

// SourcesBlock renders items as numbered title, URL and snippet entries,
// with a blank line between entries.
func SourcesBlock(items []evidence.Item) string {
	if len(items) == 0 {
		return NoSources
	}
	entries := make([]string, len(items))
	for i, item := range items {
		entries[i] = fmt.Sprintf("[%d] %s — %s\n%s", i+1, item.Title, item.URL, item.Snippet)
	}
	return strings.Join(entries, "\n\n")
}
