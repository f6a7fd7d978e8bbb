package explain

import (
	"sort"

	"github.com/contentguard/contentguard/internal/tokenbudget"
)

// Segment is a run of text for display. Highlighted segments carry the
// phrase that produced them.
type Segment struct {
	Text   string              `json:"text"`
	Phrase *tokenbudget.Phrase `json:"phrase,omitempty"`
}

// Validate keeps the phrases whose offsets are in range and reproduce their
// text against text. A phrase whose offsets are wrong but whose text occurs
// in text is relocated to its first occurrence. The result is sorted by
// position.
func Validate(text string, phrases []tokenbudget.Phrase) []tokenbudget.Phrase {
	runes := []rune(text)
	out := make([]tokenbudget.Phrase, 0, len(phrases))
	for _, p := range phrases {
		if p.Text == "" {
			continue
		}
		if p.StartPos >= 0 && p.EndPos > p.StartPos && p.EndPos <= len(runes) &&
			string(runes[p.StartPos:p.EndPos]) == p.Text {
			out = append(out, p)
			continue
		}
		if start := indexRunes(runes, []rune(p.Text), 0); start >= 0 {
			p.StartPos = start
			p.EndPos = start + len([]rune(p.Text))
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartPos < out[j].StartPos })
	return out
}

// Segments splits text into plain and highlighted runs. Phrases are
// validated first; a phrase overlapping an earlier one is skipped.
func Segments(text string, phrases []tokenbudget.Phrase) []Segment {
	runes := []rune(text)
	valid := Validate(text, phrases)

	var segs []Segment
	pos := 0
	for i := range valid {
		p := valid[i]
		if p.StartPos < pos {
			continue
		}
		if p.StartPos > pos {
			segs = append(segs, Segment{Text: string(runes[pos:p.StartPos])})
		}
		segs = append(segs, Segment{Text: string(runes[p.StartPos:p.EndPos]), Phrase: &p})
		pos = p.EndPos
	}
	if pos < len(runes) {
		segs = append(segs, Segment{Text: string(runes[pos:])})
	}
	return segs
}

func indexRunes(haystack, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
