package agent

import (
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/redraft/pkg/types"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// Originals shorter than this (abbreviations like "pt" or "hx") only
	// match exactly; phonetic codes of two-letter tokens collide too often.
	minFuzzyLen = 4
)

// PatternMatch is a correction pattern found in a draft.
type PatternMatch struct {
	Pattern types.CorrectionPattern

	// Found is the draft text that matched Pattern.Original.
	Found string

	// Score is 1 for exact matches, else the Jaro-Winkler similarity.
	Score float64

	// Phonetic is true when Double Metaphone codes overlapped.
	Phonetic bool
}

// Exact reports whether the draft contained the original verbatim
// (case-insensitively).
func (m PatternMatch) Exact() bool { return m.Score == 1 && !m.Phonetic }

// MatcherOption configures a [PatternMatcher].
type MatcherOption func(*PatternMatcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically overlapping token. Default: 0.80.
func WithPhoneticThreshold(v float64) MatcherOption {
	return func(m *PatternMatcher) { m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// overlap exists. Default: 0.90.
func WithFuzzyThreshold(v float64) MatcherOption {
	return func(m *PatternMatcher) { m.fuzzyThreshold = v }
}

// PatternMatcher finds which of an author's known corrections apply to a new
// draft. Speech transcription rarely misspells a word the same way twice,
// so besides exact hits it accepts tokens that sound like a pattern's
// original (Double Metaphone) or are spelled close to it (Jaro-Winkler).
//
// A PatternMatcher is read-only after construction and safe for concurrent
// use.
type PatternMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewPatternMatcher returns a matcher with default thresholds.
func NewPatternMatcher(opts ...MatcherOption) *PatternMatcher {
	m := &PatternMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the patterns that occur in text, at most one match per
// pattern, in the order of patterns. Patterns whose original already equals
// their correction are ignored.
func (m *PatternMatcher) Match(text string, patterns []types.CorrectionPattern) []PatternMatch {
	tokens := draftTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	var out []PatternMatch
	for _, p := range patterns {
		orig := strings.ToLower(strings.TrimSpace(p.Original))
		if orig == "" || strings.EqualFold(orig, strings.TrimSpace(p.Corrected)) {
			continue
		}
		corrected := strings.ToLower(strings.TrimSpace(p.Corrected))
		if match, ok := m.matchPattern(tokens, strings.Fields(orig), corrected); ok {
			match.Pattern = p
			out = append(out, match)
		}
	}
	return out
}

// matchPattern scans every n-gram of tokens. Grams already spelled like the
// correction are skipped.
func (m *PatternMatcher) matchPattern(tokens, origTokens []string, corrected string) (PatternMatch, bool) {
	n := len(origTokens)
	if n == 0 || n > len(tokens) {
		return PatternMatch{}, false
	}
	orig := strings.Join(origTokens, " ")
	fuzzyAllowed := len(strings.Join(origTokens, "")) >= minFuzzyLen
	origCodes := codesForTokens(origTokens)

	var best PatternMatch
	for i := 0; i+n <= len(tokens); i++ {
		gram := tokens[i : i+n]
		phrase := strings.Join(gram, " ")
		if phrase == orig {
			return PatternMatch{Found: phrase, Score: 1}, true
		}
		if !fuzzyAllowed || phrase == corrected {
			continue
		}
		score := bestJWScore(gram, origTokens, phrase, orig)
		phonetic := codesOverlap(codesForTokens(gram), origCodes)
		switch {
		case phonetic && score >= m.phoneticThreshold:
			if !best.Phonetic || score > best.Score {
				best = PatternMatch{Found: phrase, Score: score, Phonetic: true}
			}
		case !phonetic && !best.Phonetic && score >= m.fuzzyThreshold && score > best.Score:
			best = PatternMatch{Found: phrase, Score: score}
		}
	}
	return best, best.Found != ""
}

// draftTokens lower-cases text and splits it on whitespace, trimming
// surrounding punctuation but keeping inner marks such as the slash in
// "c/o".
func draftTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if f != "" {
			out = append(out, f)
		}
	}
	return slices.Clip(out)
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the higher Jaro-Winkler similarity of the full phrases and
// the space-stripped phrases.
func bestJWScore(gram, orig []string, gramFull, origFull string) float64 {
	score := matchr.JaroWinkler(gramFull, origFull, false)
	if len(gram) > 1 {
		if s := matchr.JaroWinkler(strings.Join(gram, ""), strings.Join(orig, ""), false); s > score {
			score = s
		}
	}
	return score
}
