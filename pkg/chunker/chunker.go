// Package chunker splits outbound replies to fit platform message limits.
package chunker

import (
	"strings"
	"unicode"
)

// Split breaks text into ordered chunks of at most max runes. Text that
// already fits is returned unchanged as a single chunk. Longer text is cut
// at the last paragraph break, then line break, then space inside the
// window, falling back to a hard cut. A paragraph or line break is only
// taken when it leaves at least half the window; a space anywhere past the
// first rune is taken. Chunks of split text are trimmed and never empty.
func Split(text string, max int) []string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	for len(runes) > max {
		cut := splitPoint(runes, max)
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = trimLeft(runes[cut:])
	}
	if tail := strings.TrimSpace(string(runes)); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

func splitPoint(runes []rune, max int) int {
	window := runes[:max]
	half := max / 2

	if i := lastIndex(window, []rune("\n\n")); i >= half && i > 0 {
		return i
	}
	if i := lastIndex(window, []rune("\n")); i >= half && i > 0 {
		return i
	}
	if i := lastIndex(window, []rune(" ")); i > 0 {
		return i
	}
	return max
}

func lastIndex(runes, sep []rune) int {
	for i := len(runes) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if runes[i+j] != sep[j] {
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

func trimLeft(runes []rune) []rune {
	for len(runes) > 0 && unicode.IsSpace(runes[0]) {
		runes = runes[1:]
	}
	return runes
}
