package tokenbudget

import (
	"errors"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrTruncationExhausted is returned when even the smallest fraction of the
// reduction schedule does not satisfy the provider.
var ErrTruncationExhausted = errors.New("content cannot be reduced enough to fit the provider limit")

// Policy holds the tunable constants of the truncation algorithm.
type Policy struct {
	SafetyMargin  float64
	StepDown      float64
	MaxIterations int
	Schedule      []float64
}

// DefaultPolicy returns the stock truncation constants.
func DefaultPolicy() Policy {
	return Policy{
		SafetyMargin:  0.95,
		StepDown:      0.10,
		MaxIterations: 10,
		Schedule:      []float64{1.0, 0.75, 0.5, 0.25},
	}
}

// Manager shapes text to fit token budgets. It holds no mutable state and is
// safe for concurrent use as long as its Estimator is.
type Manager struct {
	est    Estimator
	policy Policy
}

// NewManager creates a Manager. Zero-valued policy fields fall back to
// DefaultPolicy.
func NewManager(est Estimator, policy Policy) *Manager {
	def := DefaultPolicy()
	if policy.SafetyMargin <= 0 || policy.SafetyMargin > 1 {
		policy.SafetyMargin = def.SafetyMargin
	}
	if policy.StepDown <= 0 || policy.StepDown >= 1 {
		policy.StepDown = def.StepDown
	}
	if policy.MaxIterations <= 0 {
		policy.MaxIterations = def.MaxIterations
	}
	if len(policy.Schedule) == 0 {
		policy.Schedule = def.Schedule
	}
	if est == nil {
		est = HeuristicEstimator{CharsPerToken: DefaultCharsPerToken}
	}
	return &Manager{est: est, policy: policy}
}

// EstimateTokens returns the estimated token cost of text.
func (m *Manager) EstimateTokens(text string) int {
	return m.est.Estimate(text)
}

// Attempts is the number of steps in the reduction schedule.
func (m *Manager) Attempts() int {
	return len(m.policy.Schedule)
}

// Fraction maps a zero-based retry attempt to its content fraction. Attempts
// past the end of the schedule clamp to the last entry.
func (m *Manager) Fraction(attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(m.policy.Schedule) {
		attempt = len(m.policy.Schedule) - 1
	}
	return m.policy.Schedule[attempt]
}

// SmartTruncate shortens text so that its estimate fits maxTokens. The
// result is always a prefix of text (trailing whitespace trimmed). When
// preserveSentences is set the cut lands on a sentence end, falling back to
// a word boundary and finally to a hard cut.
func (m *Manager) SmartTruncate(text string, maxTokens int, preserveSentences bool) (string, bool) {
	if maxTokens <= 0 {
		return "", true
	}

	total := m.est.Estimate(text)
	if total <= maxTokens {
		return text, false
	}

	ratio := float64(maxTokens) / float64(total)
	target := int(math.Floor(float64(len(text)) * ratio * m.policy.SafetyMargin))

	for i := 0; i < m.policy.MaxIterations && target > 0; i++ {
		cut := cutPoint(text, target, preserveSentences)
		candidate := trimRight(text[:cut])
		if m.est.Estimate(candidate) <= maxTokens {
			if preserveSentences {
				candidate = m.growBySentences(text, cut, candidate, maxTokens)
			}
			return candidate, true
		}
		target = int(float64(min(cut, target)) * (1 - m.policy.StepDown))
	}

	return m.hardCut(text, maxTokens), true
}

// ProgressiveTruncate applies the reduction schedule: the budget for the
// given attempt is maxTokens scaled by that attempt's fraction.
func (m *Manager) ProgressiveTruncate(text string, maxTokens, attempt int) (string, float64) {
	fraction := m.Fraction(attempt)
	effective := int(math.Floor(float64(maxTokens) * fraction))
	out, _ := m.SmartTruncate(text, effective, true)
	return out, fraction
}

// growBySentences extends an accepted cut forward one sentence at a time
// while the prefix stays within budget.
func (m *Manager) growBySentences(text string, cut int, best string, maxTokens int) string {
	for {
		next, ok := nextSentenceEnd(text, cut)
		if !ok {
			return best
		}
		candidate := trimRight(text[:next])
		if m.est.Estimate(candidate) > maxTokens {
			return best
		}
		best, cut = candidate, next
	}
}

// hardCut finds the longest rune-aligned prefix under budget. It assumes a
// monotonic estimator and never returns the full text.
func (m *Manager) hardCut(text string, maxTokens int) string {
	starts := make([]int, 0, len(text))
	for i := range text {
		starts = append(starts, i)
	}
	k := sort.Search(len(starts), func(k int) bool {
		return m.est.Estimate(text[:starts[k]]) > maxTokens
	})
	if k == 0 {
		return ""
	}
	return trimRight(text[:starts[k-1]])
}

// Direction selects which way FindSentenceBoundary scans.
type Direction int

const (
	Backward Direction = iota
	Forward
)

// FindSentenceBoundary returns the index just after the nearest '.', '!' or
// '?' that is followed by whitespace or the end of text. Backward scans
// toward the start from target, Forward toward the end. When no boundary
// exists target is returned unchanged (clamped to the text).
func FindSentenceBoundary(text string, target int, dir Direction) int {
	target = max(0, min(target, len(text)))
	var (
		idx int
		ok  bool
	)
	if dir == Forward {
		idx, ok = nextSentenceEnd(text, target)
	} else {
		idx, ok = lastSentenceEnd(text, target)
	}
	if !ok {
		return target
	}
	return idx
}

func cutPoint(text string, target int, preserveSentences bool) int {
	target = alignRuneStart(text, min(target, len(text)))
	if !preserveSentences {
		return target
	}
	if idx, ok := lastSentenceEnd(text, target); ok {
		return idx
	}
	if idx := strings.LastIndexFunc(text[:target], unicode.IsSpace); idx > 0 {
		return idx
	}
	return target
}

func lastSentenceEnd(text string, target int) (int, bool) {
	for i := target - 1; i >= 0; i-- {
		if isTerminal(text[i]) && (i+1 == len(text) || spaceAt(text, i+1)) {
			return i + 1, true
		}
	}
	return 0, false
}

func nextSentenceEnd(text string, from int) (int, bool) {
	for i := from; i < len(text); i++ {
		if isTerminal(text[i]) && (i+1 == len(text) || spaceAt(text, i+1)) {
			return i + 1, true
		}
	}
	return 0, false
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func spaceAt(text string, i int) bool {
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}

func alignRuneStart(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func trimRight(s string) string {
	return strings.TrimRightFunc(s, unicode.IsSpace)
}
