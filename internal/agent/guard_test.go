package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/redraft/pkg/types"
)

func TestGuard_ForwardsPriorError(t *testing.T) {
	t.Parallel()
	prior := errors.New("draft failed")
	called := false
	fn := guard(func(context.Context, *runState) StepResult {
		called = true
		return ok(types.StepRefinement, "", "")
	})

	res := fn(context.Background(), &runState{err: prior})
	if called {
		t.Fatal("step ran after an earlier failure")
	}
	if !res.Skipped || res.Next != types.StepDone || res.Err != prior {
		t.Errorf("result = %+v, want skipped, next=done and the prior error unchanged", res)
	}
}

func TestGuard_RunsWithoutError(t *testing.T) {
	t.Parallel()
	fn := guard(func(context.Context, *runState) StepResult {
		return ok(types.StepRefinement, "in", "out")
	})
	res := fn(context.Background(), &runState{})
	if res.Skipped || res.Status != types.StepOK || res.Next != types.StepRefinement {
		t.Errorf("result = %+v", res)
	}
}
