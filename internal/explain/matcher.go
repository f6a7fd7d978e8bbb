package explain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/contentguard/contentguard/internal/tokenbudget"
)

type pattern struct {
	re       *regexp.Regexp
	category *Category
}

// Matcher finds catalog keywords in text as whole, case-insensitive words.
type Matcher struct {
	patterns []pattern
	display  map[string]string
}

// NewMatcher compiles catalog. Keywords of a category are joined into one
// alternation, longest first, so "kill yourself" wins over "kill".
func NewMatcher(catalog []Category) (*Matcher, error) {
	m := &Matcher{display: make(map[string]string, len(catalog))}
	for i := range catalog {
		c := &catalog[i]
		m.display[c.Name] = c.DisplayName
		if len(c.Keywords) == 0 {
			continue
		}

		kws := append([]string(nil), c.Keywords...)
		sort.SliceStable(kws, func(a, b int) bool { return len(kws[a]) > len(kws[b]) })
		quoted := make([]string, len(kws))
		for j, kw := range kws {
			quoted[j] = regexp.QuoteMeta(kw)
		}

		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("compiling category %q: %w", c.Name, err)
		}
		m.patterns = append(m.patterns, pattern{re: re, category: c})
	}
	return m, nil
}

// DisplayName returns the human readable name of a category.
func (m *Matcher) DisplayName(category string) string {
	if name, ok := m.display[category]; ok {
		return name
	}
	return category
}

// Find returns non-overlapping matches ordered by position. When matches
// overlap, the one starting first wins; at the same start the longer one
// wins, then the earlier catalog category. Positions are code point offsets.
func (m *Matcher) Find(text string) []tokenbudget.Phrase {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	type hit struct {
		start, end int
		order      int
		category   *Category
	}
	var hits []hit
	for i, p := range m.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			hits = append(hits, hit{start: loc[0], end: loc[1], order: i, category: p.category})
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].start != hits[b].start {
			return hits[a].start < hits[b].start
		}
		if hits[a].end != hits[b].end {
			return hits[a].end > hits[b].end
		}
		return hits[a].order < hits[b].order
	})

	var out []tokenbudget.Phrase
	lastEnd := -1
	// Byte to code point conversion, advanced incrementally.
	bytePos, runePos := 0, 0
	toRunes := func(b int) int {
		runePos += utf8.RuneCountInString(text[bytePos:b])
		bytePos = b
		return runePos
	}
	for _, h := range hits {
		if h.start < lastEnd {
			continue
		}
		start := toRunes(h.start)
		end := toRunes(h.end)
		out = append(out, tokenbudget.Phrase{
			Text:        text[h.start:h.end],
			StartPos:    start,
			EndPos:      end,
			Category:    h.category.Name,
			Severity:    string(h.category.Severity),
			Explanation: h.category.Explanation,
		})
		lastEnd = h.end
	}
	return out
}
