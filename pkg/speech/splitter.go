package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinLength is the shortest sentence synthesized on its own.
const DefaultMinLength = 20

// Splitter accumulates streamed text and cuts it into sentences. A
// sentence ends at '.', '!' or '?' followed by whitespace, unless the mark
// closes an ellipsis. Sentences shorter than the minimum length are kept
// and prefixed to the next one.
type Splitter struct {
	minLength int
	buf       []rune
	// scanned is the prefix of buf already checked for boundaries.
	scanned int
}

// NewSplitter creates a splitter. minLength is counted in runes.
func NewSplitter(minLength int) *Splitter {
	if minLength < 0 {
		minLength = 0
	}
	return &Splitter{minLength: minLength}
}

// Write adds text and returns the sentences it completed.
func (s *Splitter) Write(text string) []string {
	s.buf = append(s.buf, []rune(text)...)

	var out []string
	for i := max(s.scanned, 1); i < len(s.buf); i++ {
		if !unicode.IsSpace(s.buf[i]) || !s.terminal(i-1) {
			continue
		}
		sentence := strings.TrimSpace(string(s.buf[:i]))
		if utf8.RuneCountInString(sentence) < s.minLength {
			continue
		}
		out = append(out, sentence)
		s.buf = s.buf[i+1:]
		i = 0
	}
	// The last rune may be a mark whose follower has not arrived yet.
	s.scanned = max(len(s.buf)-1, 0)
	return out
}

func (s *Splitter) terminal(i int) bool {
	switch s.buf[i] {
	case '!', '?':
		return true
	case '.':
		return i == 0 || s.buf[i-1] != '.'
	}
	return false
}

// Flush returns the buffered remainder, however short, and resets.
func (s *Splitter) Flush() string {
	rest := strings.TrimSpace(string(s.buf))
	s.buf = nil
	s.scanned = 0
	return rest
}
