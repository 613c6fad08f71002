package agent

import (
	"fmt"
	"strings"

	"github.com/MrWong99/redraft/internal/draftctx"
)

const draftSystemPrompt = `You are a documentation editor. You turn speech-transcribed drafts into finished documents written the way their author's finalised documents read.

Rules:
- Keep every fact of the draft. Do NOT invent findings, values, names or dates.
- Apply the author's known corrections wherever they occur.
- Expand abbreviations and fix transcription errors the way the historical examples do.
- Match the structure, tone and terminology of the author's finalised examples.
- Respond with ONLY the finished document, no preamble and no commentary.`

const critiqueSystemPrompt = `You are a strict reviewer of edited documents. You compare an edited document with the draft it came from and list concrete problems.

Quality bar:
- Every fact in the draft is present in the edited document and nothing was invented.
- Spelling, terminology and abbreviations follow the author's corrections.
- Sentences are complete and unambiguous.
- The document reads like the author's finalised documents.

List each problem on its own line. If the document meets the bar, reply with exactly: ` + NoIssuesMarker

const refineSystemPrompt = `You are a documentation editor revising your own work after review. Fix every problem the review lists without introducing new content.

Respond with ONLY the revised document, no preamble and no commentary.`

// draftPrompt builds the user instruction of the draft_generation step.
func draftPrompt(st *runState, withExamples bool) string {
	var sb strings.Builder
	sb.WriteString(st.summary)

	if len(st.matches) > 0 {
		sb.WriteString("\n\n## Corrections Found In This Draft\n")
		for _, m := range st.matches {
			fmt.Fprintf(&sb, "- %q should read %q\n", m.Found, m.Pattern.Corrected)
		}
	}
	if withExamples && len(st.bundle.Examples) > 0 {
		sb.WriteString("\n\n## How This Author's Drafts Were Finalised\n")
		sb.WriteString(draftctx.FormatExamples(st.bundle.Examples))
	}
	if hint := strings.TrimSpace(st.input.PromptHint); hint != "" {
		fmt.Fprintf(&sb, "\n\n## Additional Instructions\n%s", hint)
	}
	fmt.Fprintf(&sb, "\n\n## Draft To Finalise\n%s", st.bundle.Source.Text)
	return sb.String()
}

// critiquePrompt builds the user instruction of the self_critique step.
func critiquePrompt(st *runState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Original Draft\n%s\n\n## Edited Document\n%s", st.bundle.Source.Text, st.text)
	if s := draftctx.FormatPatterns(st.bundle.Patterns); s != "" {
		fmt.Fprintf(&sb, "\n\n## Author Corrections\n%s", s)
	}
	return sb.String()
}

// refinePrompt builds the user instruction of the refinement step.
func refinePrompt(st *runState) string {
	return fmt.Sprintf("## Original Draft\n%s\n\n## Your Edited Document\n%s\n\n## Review\n%s",
		st.bundle.Source.Text, st.text, st.critique)
}

// patternSummary renders the output of the pattern_matching step.
func patternSummary(cats []draftctx.CategoryStat, matches []PatternMatch) string {
	if len(cats) == 0 {
		return "no correction patterns"
	}
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s=%d", c.Category, c.Frequency))
	}
	return fmt.Sprintf("%d categories (%s), %d matched in draft", len(cats), strings.Join(parts, ", "), len(matches))
}

func wordCount(text string) int { return len(strings.Fields(text)) }

// truncate shortens s for step log summaries.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
