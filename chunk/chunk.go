// Package chunk splits long text into pieces that fit a fixed-size message
// transport, preferring sentence and paragraph boundaries over mid-word breaks.
package chunk

import (
	"strings"
	"unicode"
)

const (
	// sentenceScan is how far back from the window end a sentence terminator
	// or paragraph break is searched for.
	sentenceScan = 200
	// spaceScan bounds the fallback search for a plain space.
	spaceScan = 100
)

// Split returns text in ordered pieces of at most maxSize characters (runes).
// Text that already fits is returned as the only piece, untouched. Otherwise
// each piece has its trailing whitespace trimmed and the remainder its leading
// whitespace, so joining the pieces with the removed whitespace restores text.
func Split(text string, maxSize int) []string {
	if maxSize < 1 {
		maxSize = 1
	}
	runes := []rune(text)
	if len(runes) <= maxSize {
		return []string{text}
	}

	var parts []string
	for len(runes) > maxSize {
		cut := splitPoint(runes[:maxSize])
		if piece := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace); piece != "" {
			parts = append(parts, piece)
		}
		runes = trimLeftSpace(runes[cut:])
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// splitPoint returns the index in window to cut at: just after the last
// sentence terminator or paragraph break in its tail, else at the last space
// in a shorter tail, else at the window end.
func splitPoint(window []rune) int {
	n := len(window)

	for i := n - 1; i >= max(0, n-sentenceScan); i-- {
		switch window[i] {
		case '.', '!', '?':
			if i+1 == n || unicode.IsSpace(window[i+1]) {
				return i + 1
			}
		case '\n':
			if i > 0 && window[i-1] == '\n' {
				return i + 1
			}
		}
	}

	for i := n - 1; i >= max(1, n-spaceScan); i-- {
		if window[i] == ' ' {
			return i
		}
	}

	return n
}

func trimLeftSpace(r []rune) []rune {
	for len(r) > 0 && unicode.IsSpace(r[0]) {
		r = r[1:]
	}
	return r
}
