package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/contentguard/contentguard/internal/tokenbudget"
)

// rawVerdict accepts the field spellings the supported backends use.
type rawVerdict struct {
	IsMalicious        *bool                `json:"is_malicious"`
	Label              string               `json:"label"`
	Confidence         json.RawMessage      `json:"confidence"`
	Score              *float64             `json:"score"`
	Analysis           string               `json:"analysis"`
	Explanation        string               `json:"explanation"`
	RiskLevel          string               `json:"risk_level"`
	ToxicType          string               `json:"toxic_type"`
	HighlightedPhrases []tokenbudget.Phrase `json:"highlighted_phrases"`
}

var maliciousLabels = map[string]bool{
	"malicious": true,
	"toxic":     true,
	"unsafe":    true,
	"1":         true,
	"true":      true,
}

// extractJSON returns the outermost JSON object in body. LLM backends wrap
// their answer in prose or markdown fences.
func extractJSON(body []byte) ([]byte, error) {
	start := bytes.IndexByte(body, '{')
	end := bytes.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}
	return body[start : end+1], nil
}

// decodeVerdict parses a provider body and normalizes it for modelType.
func decodeVerdict(body []byte, modelType string) (*Result, error) {
	obj, err := extractJSON(body)
	if err != nil {
		return nil, err
	}
	var raw rawVerdict
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if raw.IsMalicious == nil && raw.Label == "" {
		return nil, fmt.Errorf("%w: missing verdict", ErrMalformedResponse)
	}
	return normalize(raw, modelType), nil
}

func normalize(raw rawVerdict, modelType string) *Result {
	malicious := maliciousLabels[strings.ToLower(strings.TrimSpace(raw.Label))]
	if raw.IsMalicious != nil {
		malicious = *raw.IsMalicious
	}

	conf, ok := parseConfidence(raw.Confidence)
	if !ok && raw.Score != nil {
		conf, ok = *raw.Score*100, true
	}
	if !ok {
		conf = 50
	}
	conf = clamp(conf, 0, 100)

	mal := conf
	if !malicious {
		mal = 100 - conf
	}

	res := &Result{
		IsMalicious: malicious,
		Confidence:  round2(conf),
		Probabilities: Probabilities{
			Safe:      round2(100 - mal),
			Malicious: round2(mal),
		},
		ModelType: modelType,
		Phrases:   raw.HighlightedPhrases,
	}

	switch {
	case raw.Analysis != "":
		res.Analysis = raw.Analysis
	case raw.Explanation != "":
		res.Analysis = raw.Explanation
	case malicious:
		parts := []string{"Malicious content detected"}
		if raw.ToxicType != "" {
			parts = append(parts, "("+raw.ToxicType+")")
		}
		if raw.RiskLevel != "" {
			parts = append(parts, "risk: "+raw.RiskLevel)
		}
		res.Analysis = strings.Join(parts, " ")
	default:
		res.Analysis = "Content appears safe"
	}

	if raw.Explanation != "" || raw.RiskLevel != "" || raw.ToxicType != "" {
		res.Detailed = &Details{
			Explanation: raw.Explanation,
			RiskLevel:   strings.ToUpper(raw.RiskLevel),
			ToxicType:   raw.ToxicType,
		}
	}
	return res
}

// parseConfidence reads a number or a "NN.NN%" string. Plain numbers in
// (0, 1] without a percent sign are taken as probabilities.
func parseConfidence(msg json.RawMessage) (float64, bool) {
	if len(msg) == 0 || string(msg) == "null" {
		return 0, false
	}

	var n float64
	if err := json.Unmarshal(msg, &n); err == nil {
		if n > 0 && n <= 1 {
			n *= 100
		}
		return n, true
	}

	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	if err != nil {
		return 0, false
	}
	if !pct && v > 0 && v <= 1 {
		v *= 100
	}
	return v, true
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
