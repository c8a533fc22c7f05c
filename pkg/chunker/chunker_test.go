package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestSplit_ShortTextUnchanged(t *testing.T) {
	tests := []string{"", "hello", "  padded  ", strings.Repeat("x", 2000)}
	for _, text := range tests {
		assert.Equal(t, []string{text}, Split(text, 2000))
	}
}

func TestSplit_HardCut(t *testing.T) {
	chunks := Split(strings.Repeat("A", 2500), 2000)

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 2000)
	assert.Len(t, chunks[1], 500)
}

func TestSplit_PrefersParagraphBreak(t *testing.T) {
	first := strings.Repeat("a", 60)
	second := strings.Repeat("b", 60)
	text := first + "\n\n" + second

	chunks := Split(text, 100)
	assert.Equal(t, []string{first, second}, chunks)
}

func TestSplit_ParagraphBreakTooEarlyFallsBackToNewline(t *testing.T) {
	// the paragraph break sits before half the window so the later newline wins
	text := "intro\n\n" + strings.Repeat("c", 60) + "\n" + strings.Repeat("d", 60)

	chunks := Split(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, "intro\n\n"+strings.Repeat("c", 60), chunks[0])
	assert.Equal(t, strings.Repeat("d", 60), chunks[1])
}

func TestSplit_FallsBackToSpace(t *testing.T) {
	words := strings.Repeat("word ", 50)
	chunks := Split(words, 42)

	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 42)
		assert.False(t, strings.HasSuffix(c, "wor"), "split inside a word: %q", c)
	}
	assert.Equal(t, stripSpace(words), stripSpace(strings.Join(chunks, " ")))
}

func TestSplit_EarlySpaceStillPreferredOverHardCut(t *testing.T) {
	chunks := Split("ab "+strings.Repeat("c", 12), 10)

	require.Len(t, chunks, 3)
	assert.Equal(t, "ab", chunks[0])
	assert.Equal(t, strings.Repeat("c", 10), chunks[1])
	assert.Equal(t, "cc", chunks[2])
}

func TestSplit_CountsRunes(t *testing.T) {
	text := strings.Repeat("é", 30)
	chunks := Split(text, 10)

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, 10, utf8.RuneCountInString(c))
	}
}

func TestSplit_Invariants(t *testing.T) {
	inputs := []string{
		strings.Repeat("lorem ipsum dolor sit amet\n", 200),
		strings.Repeat("para one.\n\npara two is longer than the first.\n\n", 80),
		strings.Repeat("x", 9999),
		"   " + strings.Repeat("y ", 3000) + "   ",
		strings.Repeat("\n", 500) + strings.Repeat("z", 500),
	}

	for _, max := range []int{7, 64, 2000, 4096} {
		for _, in := range inputs {
			if utf8.RuneCountInString(in) <= max {
				continue
			}
			chunks := Split(in, max)
			require.NotEmpty(t, chunks)
			for _, c := range chunks {
				assert.NotEmpty(t, c)
				assert.LessOrEqual(t, utf8.RuneCountInString(c), max)
			}
			assert.Equal(t, stripSpace(in), stripSpace(strings.Join(chunks, "")))
		}
	}
}
