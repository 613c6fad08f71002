package draftctx

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/redraft/pkg/types"
)

// FormatSummary renders b as a human-readable, prompt-ready summary.
//
// The formatter is pure and safe for concurrent use. Empty sections are
// omitted rather than rendered as bare headers. Neither the source text nor
// the historical examples are included; prompts embed them separately with
// [FormatExamples].
func FormatSummary(b *types.ContextBundle) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder

	// ── Author ───────────────────────────────────────────────────────────────
	sb.WriteString("## Author\n")
	sb.WriteString(formatAuthor(&b.Author))

	// ── Source ───────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "\n\n## Source Document\nID: %s\nWords: %d", b.Source.ID, b.Source.WordCount)
	if len(b.Examples) > 0 {
		fmt.Fprintf(&sb, "\nSimilar finalised documents: %d", len(b.Examples))
	}

	if s := formatCategories(b.Patterns); s != "" {
		sb.WriteString("\n\n## Correction Categories\n")
		sb.WriteString(s)
	}
	if s := FormatPatterns(b.Patterns); s != "" {
		sb.WriteString("\n\n## Frequent Corrections\n")
		sb.WriteString(s)
	}
	if len(b.Degraded) > 0 {
		fmt.Fprintf(&sb, "\n\n## Unavailable Context\n%s", strings.Join(b.Degraded, ", "))
	}
	return sb.String()
}

func formatAuthor(a *types.Author) string {
	var lines []string
	name := a.Name
	if name == "" {
		name = a.ID
	}
	lines = append(lines, "Name: "+name)
	if a.Specialty != "" {
		lines = append(lines, "Specialty: "+a.Specialty)
	}
	if a.CurrentTier != "" {
		lines = append(lines, fmt.Sprintf("Quality tier: %s (tier-%d)", a.CurrentTier, a.CurrentTier.Rank()))
	}
	for _, k := range slices.Sorted(maps.Keys(a.Preferences)) {
		lines = append(lines, fmt.Sprintf("Preference %s: %s", k, a.Preferences[k]))
	}
	return strings.Join(lines, "\n")
}

// CategoryStat is the total observed frequency of one correction category.
type CategoryStat struct {
	Category  string
	Patterns  int
	Frequency int
}

// Categories aggregates patterns by category, most frequent first. Ties are
// broken by name so the output is deterministic.
func Categories(patterns []types.CorrectionPattern) []CategoryStat {
	byCat := make(map[string]*CategoryStat)
	for _, p := range patterns {
		cat := p.Category
		if cat == "" {
			cat = "other"
		}
		st, ok := byCat[cat]
		if !ok {
			st = &CategoryStat{Category: cat}
			byCat[cat] = st
		}
		st.Patterns++
		st.Frequency += p.Frequency
	}
	out := make([]CategoryStat, 0, len(byCat))
	for _, st := range byCat {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b CategoryStat) int {
		if c := cmp.Compare(b.Frequency, a.Frequency); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return out
}

func formatCategories(patterns []types.CorrectionPattern) string {
	var lines []string
	for _, st := range Categories(patterns) {
		lines = append(lines, fmt.Sprintf("- %s: %d patterns, seen %d times", st.Category, st.Patterns, st.Frequency))
	}
	return strings.Join(lines, "\n")
}

// FormatPatterns renders one line per correction, in the given order.
func FormatPatterns(patterns []types.CorrectionPattern) string {
	var lines []string
	for _, p := range patterns {
		line := fmt.Sprintf("- %q -> %q", p.Original, p.Corrected)
		if p.Category != "" {
			line += " [" + p.Category + "]"
		}
		if p.Frequency > 0 {
			line += fmt.Sprintf(" x%d", p.Frequency)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatExamples renders draft/final pairs as numbered blocks.
func FormatExamples(examples []types.HistoricalExample) string {
	var blocks []string
	for i, ex := range examples {
		blocks = append(blocks, fmt.Sprintf("### Example %d\nDraft:\n%s\nFinal:\n%s",
			i+1, strings.TrimSpace(ex.DraftText), strings.TrimSpace(ex.FinalText)))
	}
	return strings.Join(blocks, "\n\n")
}
