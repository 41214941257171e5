// Package evidence turns raw search-provider records into a short, ranked
// list of citable sources.
package evidence

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MaxItems        = 3
	MaxTitleChars   = 90
	MaxSnippetChars = 180
	DefaultTitle    = "Untitled"
	Ellipsis        = "…"
)

// Item is one normalized source. Values are never mutated after Normalize
// returns them.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// RawResult is a provider record as decoded from the wire. Nil fields were
// absent in the payload.
type RawResult struct {
	URL     *string `json:"url"`
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Snippet *string `json:"snippet"`
}

type candidate struct {
	item  Item
	score int
}

// Normalize deduplicates raw by URL (first occurrence wins), ranks the
// survivors by trust tier keeping provider order within a tier, and returns
// at most MaxItems items.
func Normalize(raw []RawResult) []Item {
	seen := make(map[string]struct{}, len(raw))
	candidates := make([]candidate, 0, len(raw))

	for _, r := range raw {
		url := strings.TrimSpace(deref(r.URL))
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}

		title := strings.TrimSpace(deref(r.Title))
		if title == "" {
			title = DefaultTitle
		}
		snippet := strings.TrimSpace(deref(r.Content))
		if snippet == "" {
			snippet = strings.TrimSpace(deref(r.Snippet))
		}

		candidates = append(candidates, candidate{
			item: Item{
				Title:   Truncate(title, MaxTitleChars),
				URL:     url,
				Snippet: Truncate(snippet, MaxSnippetChars),
			},
			score: Score(url),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > MaxItems {
		candidates = candidates[:MaxItems]
	}
	items := make([]Item, len(candidates))
	for i, c := range candidates {
		items[i] = c.item
	}
	return items
}

// Truncate trims s and, when it is longer than max runes, cuts it to max-1
// runes followed by Ellipsis.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + Ellipsis
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
