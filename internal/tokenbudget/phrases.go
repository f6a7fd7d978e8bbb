package tokenbudget

// Phrase is a highlighted span of an analyzed text. Positions are Unicode
// code point offsets into the text the phrase was computed against.
type Phrase struct {
	Text        string `json:"text"`
	StartPos    int    `json:"start_pos"`
	EndPos      int    `json:"end_pos"`
	Category    string `json:"category,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// AdjustPhrasePositions re-validates phrases computed against original so
// they reference truncated, which must be a prefix of original. Phrases
// past the cut are dropped; a phrase straddling the cut is clamped and kept
// only if the surviving part still matches its text. Order is preserved.
func AdjustPhrasePositions(phrases []Phrase, original, truncated string) []Phrase {
	orig := []rune(original)
	trunc := []rune(truncated)
	n := len(trunc)

	out := make([]Phrase, 0, len(phrases))
	for _, p := range phrases {
		if p.StartPos < 0 || p.EndPos <= p.StartPos || p.EndPos > len(orig) {
			continue
		}
		if string(orig[p.StartPos:p.EndPos]) != p.Text {
			continue
		}

		switch {
		case p.EndPos <= n:
			if string(trunc[p.StartPos:p.EndPos]) == p.Text {
				out = append(out, p)
			}
		case p.StartPos < n:
			kept := string(trunc[p.StartPos:n])
			text := []rune(p.Text)
			if len(text) < n-p.StartPos || string(text[:n-p.StartPos]) != kept {
				continue
			}
			p.EndPos = n
			p.Text = kept
			out = append(out, p)
		}
	}
	return out
}
