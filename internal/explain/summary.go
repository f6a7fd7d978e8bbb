package explain

import (
	"sort"

	"github.com/contentguard/contentguard/internal/tokenbudget"
)

// Summary aggregates the highlighted phrases of one analysis.
type Summary struct {
	HighlightedPhrases []tokenbudget.Phrase `json:"highlighted_phrases"`
	CategoriesDetected map[string]int       `json:"categories_detected"`
	SeverityBreakdown  map[Severity]int     `json:"severity_breakdown"`
	TotalMatches       int                  `json:"total_matches"`
}

// Summarize counts phrases per category and severity. The breakdown always
// carries all three severities. Unknown severities are not counted.
func Summarize(phrases []tokenbudget.Phrase) Summary {
	s := Summary{
		HighlightedPhrases: phrases,
		CategoriesDetected: make(map[string]int),
		SeverityBreakdown: map[Severity]int{
			SeverityHigh:   0,
			SeverityMedium: 0,
			SeverityLow:    0,
		},
		TotalMatches: len(phrases),
	}
	if s.HighlightedPhrases == nil {
		s.HighlightedPhrases = []tokenbudget.Phrase{}
	}
	for _, p := range phrases {
		if p.Category != "" {
			s.CategoriesDetected[p.Category]++
		}
		sev := Severity(p.Severity)
		if _, ok := s.SeverityBreakdown[sev]; ok {
			s.SeverityBreakdown[sev]++
		}
	}
	return s
}

// TopCategory returns the most frequent category, ties broken by name.
func (s Summary) TopCategory() string {
	names := make([]string, 0, len(s.CategoriesDetected))
	for name := range s.CategoriesDetected {
		names = append(names, name)
	}
	sort.Strings(names)

	top, best := "", 0
	for _, name := range names {
		if n := s.CategoriesDetected[name]; n > best {
			top, best = name, n
		}
	}
	return top
}

// HighestSeverity returns the most severe level present, or "" when there
// are no matches.
func (s Summary) HighestSeverity() Severity {
	for _, sev := range []Severity{SeverityHigh, SeverityMedium, SeverityLow} {
		if s.SeverityBreakdown[sev] > 0 {
			return sev
		}
	}
	return ""
}
