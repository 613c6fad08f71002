package agent

import (
	"regexp"
	"slices"
	"strings"
)

// Verdict is a [CritiqueClassifier] decision.
type Verdict struct {
	NeedsRefinement bool

	// Triggers lists what caused the decision, e.g. the keywords found.
	Triggers []string
}

// CritiqueClassifier decides from a model critique whether the draft needs
// another pass.
type CritiqueClassifier interface {
	Classify(critique string) Verdict
}

// CritiqueClassifierFunc adapts a function to [CritiqueClassifier].
type CritiqueClassifierFunc func(critique string) Verdict

// Classify calls f.
func (f CritiqueClassifierFunc) Classify(critique string) Verdict { return f(critique) }

// DefaultKeywords are the issue markers [KeywordClassifier] looks for.
var DefaultKeywords = []string{
	"error", "missing", "unclear", "should", "improve", "incorrect",
	"inconsistent", "omitted", "wrong", "typo", "ambiguous", "fix",
}

// NoIssuesMarker is the reply the critique prompt asks for when the draft
// meets the bar.
const NoIssuesMarker = "NO ISSUES"

// KeywordClassifier flags a critique as actionable when it contains any of
// its keywords or a common inflection of one ("improvements", "unclearly",
// "fixed"). A critique that consists of [NoIssuesMarker] alone is clean.
type KeywordClassifier struct {
	keywords []keywordPattern
}

type keywordPattern struct {
	word string
	re   *regexp.Regexp
}

// inflections are the suffixes accepted after a keyword. "er" is left out so
// "should" does not match "shoulder".
const inflections = `(?:s|es|d|ed|ing|ment|ments|ly|ness)?`

// NewKeywordClassifier builds a classifier for keywords, or
// [DefaultKeywords] when none are given.
func NewKeywordClassifier(keywords ...string) *KeywordClassifier {
	c := &KeywordClassifier{}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || slices.ContainsFunc(c.keywords, func(p keywordPattern) bool { return p.word == k }) {
			continue
		}
		alt := regexp.QuoteMeta(k) + inflections
		if stem, ok := strings.CutSuffix(k, "e"); ok && stem != "" {
			// improve -> improving, improved
			alt += `|` + regexp.QuoteMeta(stem) + `(?:ing|ed)`
		}
		c.keywords = append(c.keywords, keywordPattern{word: k, re: regexp.MustCompile(`\b(?:` + alt + `)\b`)})
	}
	if len(c.keywords) == 0 {
		return NewKeywordClassifier(DefaultKeywords...)
	}
	return c
}

// Classify implements [CritiqueClassifier]. Triggers holds the matched base
// keywords, sorted.
func (c *KeywordClassifier) Classify(critique string) Verdict {
	lower := strings.ToLower(strings.TrimSpace(critique))
	if lower == "" || strings.TrimRight(lower, ".! ") == strings.ToLower(NoIssuesMarker) {
		return Verdict{}
	}
	var found []string
	for _, k := range c.keywords {
		if k.re.MatchString(lower) {
			found = append(found, k.word)
		}
	}
	if len(found) == 0 {
		return Verdict{}
	}
	slices.Sort(found)
	return Verdict{NeedsRefinement: true, Triggers: found}
}
