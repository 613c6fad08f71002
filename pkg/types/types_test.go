package types_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/redraft/pkg/types"
)

func TestTierRank(t *testing.T) {
	t.Parallel()
	if got := types.TierNoTouch.Rank(); got != 1 {
		t.Errorf("TierNoTouch.Rank() = %d, want 1", got)
	}
	if got := types.TierFullTouch.Rank(); got != 5 {
		t.Errorf("TierFullTouch.Rank() = %d, want 5", got)
	}
	if types.Tier("gold").IsValid() {
		t.Error("unknown tier reported valid")
	}
}

func TestParseTier(t *testing.T) {
	t.Parallel()
	got, err := types.ParseTier("tier-3")
	if err != nil || got != types.TierMediumTouch {
		t.Errorf("ParseTier(tier-3) = %q, %v; want medium_touch", got, err)
	}
	got, err = types.ParseTier("low_touch")
	if err != nil || got != types.TierLowTouch {
		t.Errorf("ParseTier(low_touch) = %q, %v", got, err)
	}
	if _, err := types.ParseTier("tier-9"); err == nil {
		t.Error("expected error for tier-9")
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	t.Parallel()
	for s, want := range map[types.SessionStatus]bool{
		types.SessionPending:    false,
		types.SessionInProgress: false,
		types.SessionCompleted:  true,
		types.SessionFailed:     true,
	} {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	cause := errors.New("no rows")

	ci := &types.ContextIncompleteError{DocumentID: "doc-1", Err: cause}
	if !errors.Is(ci, types.ErrContextIncomplete) || !errors.Is(ci, cause) {
		t.Errorf("ContextIncompleteError does not match its sentinel and cause: %v", ci)
	}

	ef := &types.ExternalFetchError{Resource: "author", ID: "a-1", Err: cause}
	if !errors.Is(ef, types.ErrExternalFetch) {
		t.Errorf("ExternalFetchError does not match ErrExternalFetch")
	}

	gf := &types.GenerationFailedError{SessionID: "s-1", Step: types.StepDraftGeneration, Err: ef}
	if !errors.Is(gf, types.ErrGenerationFailed) || !errors.Is(gf, types.ErrExternalFetch) {
		t.Errorf("GenerationFailedError should match both its sentinel and the wrapped fetch error")
	}
	var target *types.GenerationFailedError
	if !errors.As(gf, &target) || target.Step != types.StepDraftGeneration {
		t.Errorf("errors.As did not recover the failing step")
	}
}
