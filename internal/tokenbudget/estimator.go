package tokenbudget

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultCharsPerToken is the character-to-token ratio used when no precise
// tokenizer is available. Typical English subwords are about four characters.
const DefaultCharsPerToken = 4

// DefaultEncoding is the BPE encoding used for precise estimates.
const DefaultEncoding = "cl100k_base"

// Estimator approximates the number of tokens an LLM tokenizer would produce
// for a text. Implementations must be deterministic and monotonic in text
// length.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator counts characters and divides by CharsPerToken,
// rounding up so that any non-empty text costs at least one token.
type HeuristicEstimator struct {
	CharsPerToken int
}

func (h HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	k := h.CharsPerToken
	if k <= 0 {
		k = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	return (n + k - 1) / k
}

var initLoaderOnce sync.Once

// tiktokenEstimator counts tokens with a real BPE encoder. Ranks come from
// the offline loader, so no network access is needed.
type tiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator returns a precise estimator for the named encoding.
// When the encoding cannot be loaded it logs a warning and returns fallback.
func NewTiktokenEstimator(encoding string, fallback Estimator) Estimator {
	initLoaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	if encoding == "" {
		encoding = DefaultEncoding
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using character heuristic",
			"encoding", encoding, "error", err)
		return fallback
	}
	return &tiktokenEstimator{enc: enc}
}

func (t *tiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}
