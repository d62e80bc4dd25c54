package filter

import "strings"

// Sanitizer rewrites outbound-bound message text before it is persisted.
type Sanitizer interface {
	Sanitize(text string) string
}

// WordFilter masks configured words with asterisks.
type WordFilter struct {
	replacer *strings.Replacer
}

func NewWordFilter(words []string) *WordFilter {
	pairs := make([]string, 0, len(words)*2)
	for _, w := range words {
		if w == "" {
			continue
		}
		pairs = append(pairs, w, strings.Repeat("*", len([]rune(w))))
	}
	return &WordFilter{replacer: strings.NewReplacer(pairs...)}
}

func (f *WordFilter) Sanitize(text string) string {
	return f.replacer.Replace(text)
}

// Noop passes text through; used when no word list is configured.
type Noop struct{}

func (Noop) Sanitize(text string) string { return text }
