package tokenbudget

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// Budget holds the token ceilings for one analysis request.
type Budget struct {
	MaxTokensPost        int
	MaxTokensComment     int
	MaxTokensTotal       int
	PromptOverheadTokens int
}

// Scale returns the budget with every ceiling multiplied by fraction. The
// prompt overhead is fixed and is not scaled.
func (b Budget) Scale(fraction float64) Budget {
	content := max(0, b.MaxTokensTotal-b.PromptOverheadTokens)
	return Budget{
		MaxTokensPost:        int(math.Floor(float64(b.MaxTokensPost) * fraction)),
		MaxTokensComment:     int(math.Floor(float64(b.MaxTokensComment) * fraction)),
		MaxTokensTotal:       b.PromptOverheadTokens + int(math.Floor(float64(content)*fraction)),
		PromptOverheadTokens: b.PromptOverheadTokens,
	}
}

// BatchResult is a post and its comments after budget enforcement.
type BatchResult struct {
	Post              string   `json:"post"`
	Comments          []string `json:"comments"`
	PostTruncated     bool     `json:"post_truncated"`
	CommentsTruncated int      `json:"comments_truncated"`
	CommentsDropped   int      `json:"comments_dropped"`
	TotalTokens       int      `json:"total_tokens"`
	WithinBudget      bool     `json:"within_budget"`
}

// Truncated reports whether any content was shortened or removed.
func (r BatchResult) Truncated() bool {
	return r.PostTruncated || r.CommentsTruncated > 0 || r.CommentsDropped > 0
}

// FitBatch enforces b on a post plus comments. Items are shrunk first (the
// post, then comments in order); trailing comments are dropped only when
// the capped items still exceed the total.
func (m *Manager) FitBatch(post string, comments []string, b Budget) BatchResult {
	res := BatchResult{
		Post:     post,
		Comments: append([]string(nil), comments...),
	}

	postTokens := m.est.Estimate(post)
	commentTokens := make([]int, len(comments))
	total := b.PromptOverheadTokens + postTokens
	for i, c := range comments {
		commentTokens[i] = m.est.Estimate(c)
		total += commentTokens[i]
	}

	if total > b.MaxTokensTotal {
		var truncated bool
		res.Post, truncated = m.SmartTruncate(post, b.MaxTokensPost, true)
		if truncated {
			res.PostTruncated = true
			newTokens := m.est.Estimate(res.Post)
			total += newTokens - postTokens
		}
	}

	for i := 0; i < len(res.Comments) && total > b.MaxTokensTotal; i++ {
		shrunk, truncated := m.SmartTruncate(res.Comments[i], b.MaxTokensComment, true)
		if !truncated {
			continue
		}
		res.CommentsTruncated++
		newTokens := m.est.Estimate(shrunk)
		total += newTokens - commentTokens[i]
		res.Comments[i] = shrunk
		commentTokens[i] = newTokens
	}

	for total > b.MaxTokensTotal && len(res.Comments) > 0 {
		last := len(res.Comments) - 1
		total -= commentTokens[last]
		res.Comments = res.Comments[:last]
		commentTokens = commentTokens[:last]
		res.CommentsDropped++
	}

	res.TotalTokens = total
	res.WithinBudget = total <= b.MaxTokensTotal
	return res
}

// TruncationSummary describes how much of original survived in truncated.
func (m *Manager) TruncationSummary(original, truncated string) string {
	origChars := utf8.RuneCountInString(original)
	truncChars := utf8.RuneCountInString(truncated)
	if origChars == truncChars {
		return "No truncation needed"
	}

	origTokens := m.est.Estimate(original)
	truncTokens := m.est.Estimate(truncated)

	return fmt.Sprintf("Truncated from %d chars (%d tokens) to %d chars (%d tokens). Reduced by %.1f%% chars, %.1f%% tokens.",
		origChars, origTokens, truncChars, truncTokens,
		reduction(origChars, truncChars), reduction(origTokens, truncTokens))
}

func reduction(before, after int) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
