package mention

import (
	"strings"
	"unicode"
)

// maxTokenLen bounds the lookahead when scanning a candidate identifier
// after a trigger character.
const maxTokenLen = 100

// Candidate is one resolvable mention target.
type Candidate struct {
	TargetID string
	Label    string
}

// Candidates is the lookup set the parser matches trigger tokens against,
// keyed by mention kind and then by target id.
type Candidates map[Kind]map[string]Candidate

// Add registers a candidate, allocating the kind bucket on first use.
func (c Candidates) Add(kind Kind, targetID, label string) {
	if c[kind] == nil {
		c[kind] = make(map[string]Candidate)
	}
	c[kind][targetID] = Candidate{TargetID: targetID, Label: label}
}

func (c Candidates) lookup(kind Kind, token string) (Candidate, bool) {
	bucket, ok := c[kind]
	if !ok {
		return Candidate{}, false
	}
	cand, ok := bucket[token]
	return cand, ok
}

// Parse scans composer text left to right and produces the ordered segment
// sequence. A trigger character immediately followed by an identifier token
// that matches a candidate becomes a mention segment; everything else
// accumulates into text segments. Parsing never fails: unresolvable trigger
// sequences degrade to literal text.
func Parse(text string, candidates Candidates) []Segment {
	var segments []Segment
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			segments = appendSegment(segments, Text(buf.String()))
			buf.Reset()
		}
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		kind, ok := triggers[r]
		if !ok {
			buf.WriteRune(r)
			continue
		}

		token, width := scanToken(runes[i+1:])
		if token == "" {
			buf.WriteRune(r)
			continue
		}

		cand, found := candidates.lookup(kind, token)
		if !found {
			buf.WriteRune(r)
			continue
		}

		flush()
		segments = appendSegment(segments, Of(kind, cand.TargetID, cand.Label))
		i += width
	}
	flush()

	return segments
}

// scanToken reads an identifier token delimited by whitespace or end of
// input, with a bounded lookahead. Returns the token and the number of
// runes consumed.
func scanToken(runes []rune) (string, int) {
	n := 0
	for n < len(runes) && n < maxTokenLen && !unicode.IsSpace(runes[n]) {
		n++
	}
	return string(runes[:n]), n
}

// appendSegment appends a segment, coalescing adjacent text segments.
func appendSegment(segments []Segment, seg Segment) []Segment {
	if seg.Type == SegmentText && len(segments) > 0 {
		last := &segments[len(segments)-1]
		if last.Type == SegmentText {
			last.Content += seg.Content
			return segments
		}
	}
	return append(segments, seg)
}

// Serialize renders a segment sequence back into composer text. For any
// sequence produced by Parse, Serialize returns the original text.
func Serialize(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		switch seg.Type {
		case SegmentMention:
			if r, ok := triggerFor(seg.Kind); ok {
				b.WriteRune(r)
			}
			b.WriteString(seg.TargetID)
		default:
			b.WriteString(seg.Content)
		}
	}
	return b.String()
}

// IsComposerEmpty reports whether a segment list carries no content: it is
// empty, or it is a single text segment that is all whitespace.
func IsComposerEmpty(segments []Segment) bool {
	if len(segments) == 0 {
		return true
	}
	if len(segments) == 1 && segments[0].Type == SegmentText {
		return strings.TrimSpace(segments[0].Content) == ""
	}
	return false
}
