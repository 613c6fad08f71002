// Package storetest holds a behavioural test suite that every
// [store.Store] implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

// Run exercises st. It creates its own records with random IDs so it can run
// against a shared database.
func Run(t *testing.T, st store.Store) {
	t.Helper()
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, st) })
	t.Run("TerminalSessionIsImmutable", func(t *testing.T) { testTerminalImmutable(t, st) })
	t.Run("CompleteRequiresInProgress", func(t *testing.T) { testCompleteRequiresInProgress(t, st) })
	t.Run("Evaluations", func(t *testing.T) { testEvaluations(t, st) })
	t.Run("DuplicateEvaluation", func(t *testing.T) { testDuplicateEvaluation(t, st) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, st) })
}

func newSession(authorID string) *types.Session {
	return &types.Session{
		ID:               uuid.NewString(),
		AuthorID:         authorID,
		SourceDocumentID: "doc-" + uuid.NewString(),
		Options:          types.GenerateOptions{UseMultiStepCritique: true, MaxOutputTokens: 512},
	}
}

func testSessionLifecycle(t *testing.T, st store.Store) {
	ctx := context.Background()
	sess := newSession("author-" + uuid.NewString())

	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != types.SessionPending || sess.CreatedAt.IsZero() {
		t.Fatalf("after create: status=%q created=%v", sess.Status, sess.CreatedAt)
	}

	bundle := &types.ContextBundle{
		Author: types.Author{ID: sess.AuthorID, CurrentTier: types.TierMediumTouch},
		Source: types.Document{ID: sess.SourceDocumentID, Text: "Pt c/o chest pain.", WordCount: 4},
	}
	if err := st.StartSession(ctx, sess.ID, bundle); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	steps := []types.StepRecord{
		{Step: types.StepContextAnalysis, Status: types.StepOK, Next: types.StepPatternMatching, StartedAt: time.Now().UTC()},
		{Step: types.StepPatternMatching, Status: types.StepOK, Next: types.StepDraftGeneration, StartedAt: time.Now().UTC()},
	}
	for _, rec := range steps {
		if err := st.AppendStep(ctx, sess.ID, rec); err != nil {
			t.Fatalf("AppendStep(%s): %v", rec.Step, err)
		}
	}

	art := &types.Artifact{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		AuthorID:         sess.AuthorID,
		SourceDocumentID: sess.SourceDocumentID,
		Text:             "Patient complains of chest pain.",
		WordCount:        5,
		Confidence:       0.9,
		Metadata:         types.ArtifactMetadata{PatternsUsed: 2, LLMCalls: 2, Critiqued: true},
	}
	if err := st.CompleteSession(ctx, art); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.SessionCompleted || got.ArtifactID != art.ID {
		t.Errorf("session status=%q artifact=%q, want completed/%q", got.Status, got.ArtifactID, art.ID)
	}
	if len(got.Steps) != 2 || got.Steps[1].Step != types.StepPatternMatching {
		t.Errorf("steps = %+v, want the two appended steps in order", got.Steps)
	}
	if got.Context == nil || got.Context.Source.Text != "Pt c/o chest pain." {
		t.Errorf("context = %+v, want stored bundle", got.Context)
	}
	if !got.Options.UseMultiStepCritique || got.Options.MaxOutputTokens != 512 {
		t.Errorf("options = %+v", got.Options)
	}

	gotArt, err := st.GetArtifact(ctx, art.ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if gotArt.Text != art.Text || gotArt.Metadata.PatternsUsed != 2 || gotArt.SessionID != sess.ID {
		t.Errorf("artifact = %+v", gotArt)
	}
}

func testTerminalImmutable(t *testing.T, st store.Store) {
	ctx := context.Background()
	sess := newSession("author-" + uuid.NewString())
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.StartSession(ctx, sess.ID, &types.ContextBundle{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := st.FailSession(ctx, sess.ID, types.StepDraftGeneration, "model unavailable"); err != nil {
		t.Fatalf("FailSession: %v", err)
	}

	err := st.AppendStep(ctx, sess.ID, types.StepRecord{Step: types.StepSelfCritique})
	if !errors.Is(err, types.ErrSessionTerminal) {
		t.Errorf("AppendStep on failed session err = %v, want ErrSessionTerminal", err)
	}
	err = st.FailSession(ctx, sess.ID, types.StepRefinement, "again")
	if !errors.Is(err, types.ErrSessionTerminal) {
		t.Errorf("FailSession twice err = %v, want ErrSessionTerminal", err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.SessionFailed || got.FailedStep != types.StepDraftGeneration || got.Error != "model unavailable" {
		t.Errorf("session = status %q step %q error %q", got.Status, got.FailedStep, got.Error)
	}
}

func testCompleteRequiresInProgress(t *testing.T, st store.Store) {
	ctx := context.Background()
	sess := newSession("author-" + uuid.NewString())
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	art := &types.Artifact{ID: uuid.NewString(), SessionID: sess.ID, Text: "x", WordCount: 1}
	if err := st.CompleteSession(ctx, art); err == nil {
		t.Fatal("CompleteSession on a pending session succeeded")
	}
	if _, err := st.GetArtifact(ctx, art.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("artifact visible after rejected completion: err = %v", err)
	}
}

func newEvaluation(authorID string, quality float64) *types.EvaluationRecord {
	return &types.EvaluationRecord{
		ID:                  uuid.NewString(),
		AuthorID:            authorID,
		SourceDocumentID:    "src",
		ReferenceDocumentID: "ref",
		ArtifactID:          uuid.NewString(),
		ReferenceText:       "reference",
		CandidateText:       "candidate",
		ReferenceWordCount:  1,
		CandidateWordCount:  1,
		QualityScore:        quality,
		TierAtEvaluation:    types.TierMediumTouch,
		RecommendedTier:     types.TierMediumTouch,
		DetailedMetrics:     map[string]float64{"reference_sentences": 1},
	}
}

func testEvaluations(t *testing.T, st store.Store) {
	ctx := context.Background()
	author := "author-" + uuid.NewString()

	var ids []string
	for i, q := range []float64{0.5, 0.6, 0.7, 0.8} {
		r := newEvaluation(author, q)
		r.CreatedAt = time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC)
		if err := st.CreateEvaluation(ctx, r); err != nil {
			t.Fatalf("CreateEvaluation: %v", err)
		}
		ids = append(ids, r.ID)
	}

	scores, err := st.RecentQualityScores(ctx, author, 3)
	if err != nil {
		t.Fatalf("RecentQualityScores: %v", err)
	}
	if want := []float64{0.6, 0.7, 0.8}; !equalFloats(scores, want) {
		t.Errorf("RecentQualityScores = %v, want %v (oldest first)", scores, want)
	}

	n, err := st.CountEvaluations(ctx, author)
	if err != nil || n != 4 {
		t.Errorf("CountEvaluations = %d, %v; want 4", n, err)
	}

	page, err := st.ListEvaluations(ctx, store.EvaluationFilter{AuthorID: author, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListEvaluations: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("page = %v, want [%s %s]", evalIDs(page), ids[2], ids[1])
	}

	// A negative offset reads from the newest record.
	page, err = st.ListEvaluations(ctx, store.EvaluationFilter{AuthorID: author, Limit: 1, Offset: -3})
	if err != nil {
		t.Fatalf("ListEvaluations(negative offset): %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[3] {
		t.Errorf("page = %v, want [%s]", evalIDs(page), ids[3])
	}

	got, err := st.GetEvaluation(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if got.DetailedMetrics["reference_sentences"] != 1 || got.TierAtEvaluation != types.TierMediumTouch {
		t.Errorf("evaluation = %+v", got)
	}
	byArt, err := st.GetEvaluationByArtifact(ctx, got.ArtifactID)
	if err != nil || byArt.ID != got.ID {
		t.Errorf("GetEvaluationByArtifact = %v, %v; want %s", byArt, err, got.ID)
	}
}

func testDuplicateEvaluation(t *testing.T, st store.Store) {
	ctx := context.Background()
	first := newEvaluation("author-"+uuid.NewString(), 0.9)
	if err := st.CreateEvaluation(ctx, first); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}
	second := newEvaluation(first.AuthorID, 0.1)
	second.ArtifactID = first.ArtifactID
	if err := st.CreateEvaluation(ctx, second); !errors.Is(err, types.ErrDuplicateEvaluation) {
		t.Errorf("second evaluation err = %v, want ErrDuplicateEvaluation", err)
	}
	n, _ := st.CountEvaluations(ctx, first.AuthorID)
	if n != 1 {
		t.Errorf("CountEvaluations = %d, want 1", n)
	}
}

func testNotFound(t *testing.T, st store.Store) {
	ctx := context.Background()
	missing := uuid.NewString()
	if _, err := st.GetSession(ctx, missing); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetSession err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetArtifact(ctx, missing); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetArtifact err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetEvaluation(ctx, missing); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetEvaluation err = %v, want ErrNotFound", err)
	}
	if err := st.AppendStep(ctx, missing, types.StepRecord{}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("AppendStep err = %v, want ErrNotFound", err)
	}
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func evalIDs(rs []types.EvaluationRecord) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
