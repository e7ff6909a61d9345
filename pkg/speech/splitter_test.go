package speech

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitter_Write(t *testing.T) {
	t.Run("cuts at terminal punctuation followed by space", func(t *testing.T) {
		s := NewSplitter(0)
		out := s.Write("First one. Second one! Third? Tail")
		assert.Equal(t, []string{"First one.", "Second one!", "Third?"}, out)
		assert.Equal(t, "Tail", s.Flush())
	})

	t.Run("waits for the character after a mark", func(t *testing.T) {
		s := NewSplitter(0)
		assert.Empty(t, s.Write("Hello."))
		assert.Equal(t, []string{"Hello."}, s.Write(" World"))
	})

	t.Run("streamed one rune at a time", func(t *testing.T) {
		s := NewSplitter(0)
		var out []string
		for _, r := range "Ça va? Très bien. Merci" {
			out = append(out, s.Write(string(r))...)
		}
		assert.Equal(t, []string{"Ça va?", "Très bien."}, out)
		assert.Equal(t, "Merci", s.Flush())
	})

	t.Run("ellipsis does not end a sentence", func(t *testing.T) {
		s := NewSplitter(0)
		out := s.Write("Well... I suppose so. Yes")
		assert.Equal(t, []string{"Well... I suppose so."}, out)
	})

	t.Run("decimals do not end a sentence", func(t *testing.T) {
		s := NewSplitter(0)
		out := s.Write("Pi is 3.14 roughly. Ok")
		assert.Equal(t, []string{"Pi is 3.14 roughly."}, out)
	})

	t.Run("short sentences prefix the next one", func(t *testing.T) {
		s := NewSplitter(15)
		out := s.Write("Hi. Yes. This is long enough now. Ok. ")
		assert.Equal(t, []string{"Hi. Yes. This is long enough now."}, out)
		assert.Equal(t, "Ok.", s.Flush())
	})

	t.Run("flush resets", func(t *testing.T) {
		s := NewSplitter(0)
		s.Write("partial")
		assert.Equal(t, "partial", s.Flush())
		assert.Equal(t, "", s.Flush())
		assert.Equal(t, []string{"Next."}, s.Write("Next. "))
	})
}
