package compare

import (
	"regexp"
	"strings"
)

var (
	wordRE     = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// Words splits text into lower-cased word tokens. Punctuation separates
// tokens, so "c/o" yields "c" and "o".
func Words(text string) []string {
	return wordRE.FindAllString(strings.ToLower(text), -1)
}

// Sentences splits text on terminal punctuation and normalises every
// sentence to its space-joined [Words]. Fragments without words are dropped.
func Sentences(text string) []string {
	var out []string
	for _, raw := range sentenceRE.FindAllString(text, -1) {
		if ws := Words(raw); len(ws) > 0 {
			out = append(out, strings.Join(ws, " "))
		}
	}
	return out
}
