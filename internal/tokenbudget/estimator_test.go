package tokenbudget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTiktokenManager(t *testing.T) *Manager {
	t.Helper()
	est := NewTiktokenEstimator(DefaultEncoding, HeuristicEstimator{CharsPerToken: 4})
	require.IsType(t, &tiktokenEstimator{}, est, "offline ranks must load without network")
	return NewManager(est, DefaultPolicy())
}

func TestTiktokenEstimator_MonotonicOverUnicode(t *testing.T) {
	m := newTiktokenManager(t)
	runes := []rune(strings.Repeat("Modération du contenu: 日本語のテキスト, emoji 🚫 and plain words. ", 20))

	prev := 0
	for i := range runes {
		n := m.EstimateTokens(string(runes[:i+1]))
		require.GreaterOrEqual(t, n, prev, "estimate decreased at rune %d", i)
		prev = n
	}
	assert.Positive(t, prev)
}

func TestTiktokenEstimator_Deterministic(t *testing.T) {
	m := newTiktokenManager(t)
	text := longText(30)

	first := m.EstimateTokens(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.EstimateTokens(text))
	}
	assert.Equal(t, 0, m.EstimateTokens(""))

	again := newTiktokenManager(t)
	assert.Equal(t, first, again.EstimateTokens(text))
}

func TestTiktokenEstimator_KeepsWholeSentences(t *testing.T) {
	m := newTiktokenManager(t)
	text := "First sentence. Second sentence. Third sentence."
	budget := m.EstimateTokens("First sentence. Second sentence.")

	out, truncated := m.SmartTruncate(text, budget, true)
	assert.True(t, truncated)
	assert.Equal(t, "First sentence. Second sentence.", out)
}

func TestTiktokenEstimator_ShortSentences(t *testing.T) {
	m := newTiktokenManager(t)
	text := "A. B. C. D. E. F. G. H. I. J."

	out, truncated := m.SmartTruncate(text, 3, true)
	assert.True(t, truncated)
	assert.Equal(t, "A.", out)
	assert.LessOrEqual(t, m.EstimateTokens(out), 3)
	assert.True(t, strings.HasPrefix(text, out))
}
