package memstore_test

import (
	"context"
	"testing"

	"github.com/MrWong99/redraft/pkg/store/memstore"
	"github.com/MrWong99/redraft/pkg/store/storetest"
	"github.com/MrWong99/redraft/pkg/types"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, memstore.New())
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	if err := st.CreateSession(ctx, &types.Session{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.StartSession(ctx, "s1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := st.AppendStep(ctx, "s1", types.StepRecord{Step: types.StepContextAnalysis}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	got, _ := st.GetSession(ctx, "s1")
	got.Steps[0].Step = types.StepRefinement
	got.Status = types.SessionCompleted

	again, _ := st.GetSession(ctx, "s1")
	if again.Steps[0].Step != types.StepContextAnalysis || again.Status != types.SessionInProgress {
		t.Errorf("stored session mutated through returned copy: %+v", again)
	}
}
