package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/redraft/internal/draftctx"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/provider/llm"
	"github.com/MrWong99/redraft/pkg/types"
)

// ErrPromptTooLarge is returned when the draft prompt does not fit the
// model's context window even without historical examples.
var ErrPromptTooLarge = errors.New("prompt exceeds model context window")

// ── context_analysis ─────────────────────────────────────────────────────────

func (a *Agent) contextAnalysis(_ context.Context, st *runState) StepResult {
	input := "context bundle"
	if st.bundle != nil {
		input = fmt.Sprintf("author %s, source %s (%d words)", st.bundle.Author.ID, st.bundle.Source.ID, wordCount(st.bundle.Source.Text))
	}
	if err := draftctx.Validate(st.bundle); err != nil {
		return failed(err, input)
	}
	st.summary = draftctx.FormatSummary(st.bundle)
	out := fmt.Sprintf("%d patterns, %d examples", len(st.bundle.Patterns), len(st.bundle.Examples))
	if len(st.bundle.Degraded) > 0 {
		out += ", unavailable: " + strings.Join(st.bundle.Degraded, ", ")
	}
	return ok(types.StepPatternMatching, input, out)
}

// ── pattern_matching ─────────────────────────────────────────────────────────

func (a *Agent) patternMatching(_ context.Context, st *runState) StepResult {
	input := fmt.Sprintf("%d patterns", len(st.bundle.Patterns))
	st.matches = a.matcher.Match(st.bundle.Source.Text, st.bundle.Patterns)
	cats := draftctx.Categories(st.bundle.Patterns)
	return ok(types.StepDraftGeneration, input, patternSummary(cats, st.matches))
}

// ── draft_generation ─────────────────────────────────────────────────────────

func (a *Agent) draftGeneration(ctx context.Context, st *runState) StepResult {
	user, err := a.fitDraftPrompt(ctx, st)
	input := fmt.Sprintf("prompt of %d tokens", llm.CountTextTokens(draftSystemPrompt+user))
	if err != nil {
		return failed(err, input)
	}

	text, err := a.generate(ctx, st, draftSystemPrompt, user)
	if err != nil {
		return failed(fmt.Errorf("draft: %w", err), input)
	}
	st.text = strings.TrimSpace(text)

	next := types.StepDone
	if st.input.Options.UseMultiStepCritique {
		next = types.StepSelfCritique
	}
	return ok(next, input, fmt.Sprintf("%d words: %s", wordCount(st.text), truncate(st.text, 120)))
}

// fitDraftPrompt returns the draft prompt, dropping the historical examples
// when the full prompt would not leave room for the completion.
func (a *Agent) fitDraftPrompt(ctx context.Context, st *runState) (string, error) {
	full := draftPrompt(st, true)
	window := a.llm.Capabilities().ContextWindow
	if window <= 0 {
		return full, nil
	}
	budget := window - a.maxTokensFor(st)

	fits := func(user string) (bool, error) {
		n, err := a.llm.CountTokens([]llm.Message{
			{Role: llm.RoleSystem, Content: draftSystemPrompt},
			{Role: llm.RoleUser, Content: user},
		})
		if err != nil {
			return false, fmt.Errorf("count tokens: %w", err)
		}
		return n <= budget, nil
	}

	okFull, err := fits(full)
	if err != nil || okFull {
		return full, err
	}
	if len(st.bundle.Examples) == 0 {
		return "", ErrPromptTooLarge
	}
	observe.Logger(ctx).Warn("agent: dropping historical examples to fit the context window",
		"examples", len(st.bundle.Examples), "context_window", window)
	lean := draftPrompt(st, false)
	okLean, err := fits(lean)
	if err != nil {
		return "", err
	}
	if !okLean {
		return "", ErrPromptTooLarge
	}
	return lean, nil
}

// ── self_critique ────────────────────────────────────────────────────────────

func (a *Agent) selfCritique(ctx context.Context, st *runState) StepResult {
	input := fmt.Sprintf("draft of %d words", wordCount(st.text))
	critique, err := a.generate(ctx, st, critiqueSystemPrompt, critiquePrompt(st))
	if err != nil {
		return failed(fmt.Errorf("critique: %w", err), input)
	}
	st.critique = strings.TrimSpace(critique)
	st.critiqued = true
	st.verdict = a.classifier.Classify(st.critique)

	if !st.verdict.NeedsRefinement {
		return ok(types.StepDone, input, "no issues: "+truncate(st.critique, 120))
	}
	return ok(types.StepRefinement, input,
		fmt.Sprintf("needs refinement (%s): %s", strings.Join(st.verdict.Triggers, ", "), truncate(st.critique, 120)))
}

// ── refinement ───────────────────────────────────────────────────────────────

func (a *Agent) refinement(ctx context.Context, st *runState) StepResult {
	input := fmt.Sprintf("critique of %d words", wordCount(st.critique))
	text, err := a.generate(ctx, st, refineSystemPrompt, refinePrompt(st))
	if err != nil {
		return failed(fmt.Errorf("refine: %w", err), input)
	}
	before := wordCount(st.text)
	st.text = strings.TrimSpace(text)
	st.refined = true
	return ok(types.StepDone, input, fmt.Sprintf("%d -> %d words: %s", before, wordCount(st.text), truncate(st.text, 120)))
}
