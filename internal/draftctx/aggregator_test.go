package draftctx_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/redraft/internal/draftctx"
	"github.com/MrWong99/redraft/pkg/corpus/mock"
	"github.com/MrWong99/redraft/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

func newCorpus() *mock.Corpus {
	return &mock.Corpus{
		Authors: map[string]types.Author{
			"dr-lee": {ID: "dr-lee", Name: "Dr. Lee", Specialty: "cardiology", CurrentTier: types.TierMediumTouch},
		},
		Documents: map[string]types.Document{
			"d1": {ID: "d1", AuthorID: "dr-lee", Text: "Pt c/o chest pain. Hx of HTN and diabetis."},
		},
		Patterns: map[string][]types.CorrectionPattern{
			"dr-lee": {
				{Original: "diabetis", Corrected: "diabetes", Category: "spelling", Frequency: 9},
				{Original: "Pt", Corrected: "Patient", Category: "abbreviation", Frequency: 7},
				{Original: "c/o", Corrected: "complains of", Category: "abbreviation", Frequency: 4},
			},
		},
		Examples: map[string][]types.HistoricalExample{
			"dr-lee": {
				{DocumentID: "d0", DraftText: "Pt has HTN.", FinalText: "Patient has hypertension."},
				{DocumentID: "d1", DraftText: "self", FinalText: "self"},
				{DocumentID: "d2", DraftText: "Hx of MI.", FinalText: "History of myocardial infarction."},
			},
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestAssemble_Basic(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	a := draftctx.New(c)

	b, err := a.Assemble(context.Background(), "dr-lee", "d1")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.Author.Name != "Dr. Lee" {
		t.Errorf("author = %q, want %q", b.Author.Name, "Dr. Lee")
	}
	if b.Source.ID != "d1" || b.Source.WordCount != 9 {
		t.Errorf("source = %s/%d words, want d1/9", b.Source.ID, b.Source.WordCount)
	}
	if len(b.Patterns) != 3 {
		t.Errorf("patterns = %d, want 3", len(b.Patterns))
	}
	if len(b.Examples) != 2 {
		t.Fatalf("examples = %d, want 2", len(b.Examples))
	}
	for _, ex := range b.Examples {
		if ex.DocumentID == "d1" {
			t.Error("source document returned as its own example")
		}
	}
	if len(b.Degraded) != 0 {
		t.Errorf("degraded = %v, want none", b.Degraded)
	}
	if b.AssembledAt.IsZero() {
		t.Error("AssembledAt not set")
	}
	for _, m := range []string{"GetAuthor", "GetDocument", "GetPatterns", "GetSimilarExamples"} {
		if n := c.CallCount(m); n != 1 {
			t.Errorf("%s called %d times, want 1", m, n)
		}
	}
}

func TestAssemble_MissingSource(t *testing.T) {
	t.Parallel()
	a := draftctx.New(newCorpus())

	_, err := a.Assemble(context.Background(), "dr-lee", "nope")
	if !errors.Is(err, types.ErrContextIncomplete) {
		t.Fatalf("err = %v, want ErrContextIncomplete", err)
	}
	var cie *types.ContextIncompleteError
	if !errors.As(err, &cie) || cie.DocumentID != "nope" {
		t.Errorf("err = %#v, want ContextIncompleteError for %q", err, "nope")
	}
}

func TestAssemble_EmptySourceText(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	c.Documents["blank"] = types.Document{ID: "blank", Text: "   "}

	_, err := draftctx.New(c).Assemble(context.Background(), "dr-lee", "blank")
	if !errors.Is(err, types.ErrContextIncomplete) {
		t.Errorf("err = %v, want ErrContextIncomplete", err)
	}
}

func TestAssemble_SourceLookupFailure(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	c.GetDocumentErr = errors.New("connection refused")

	_, err := draftctx.New(c).Assemble(context.Background(), "dr-lee", "d1")
	if !errors.Is(err, types.ErrExternalFetch) {
		t.Errorf("err = %v, want ErrExternalFetch", err)
	}
	if errors.Is(err, types.ErrContextIncomplete) {
		t.Error("a failing lookup must not be reported as a missing source")
	}
}

func TestAssemble_AuthorFailureIsFatal(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	c.GetAuthorErr = errors.New("directory down")

	_, err := draftctx.New(c).Assemble(context.Background(), "dr-lee", "d1")
	var efe *types.ExternalFetchError
	if !errors.As(err, &efe) || efe.Resource != "author" {
		t.Fatalf("err = %v, want ExternalFetchError for author", err)
	}
}

func TestAssemble_OptionalInputsDegrade(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	c.GetPatternsErr = errors.New("index unavailable")
	c.GetExamplesErr = errors.New("vector store timeout")

	b, err := draftctx.New(c).Assemble(context.Background(), "dr-lee", "d1")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.Patterns == nil || len(b.Patterns) != 0 {
		t.Errorf("patterns = %#v, want empty non-nil slice", b.Patterns)
	}
	if b.Examples == nil || len(b.Examples) != 0 {
		t.Errorf("examples = %#v, want empty non-nil slice", b.Examples)
	}
	slices.Sort(b.Degraded)
	want := []string{draftctx.DegradedExamples, draftctx.DegradedPatterns}
	if !slices.Equal(b.Degraded, want) {
		t.Errorf("degraded = %v, want %v", b.Degraded, want)
	}
}

func TestAssemble_Limits(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	a := draftctx.New(c, draftctx.WithMaxPatterns(2), draftctx.WithMaxExamples(1))

	b, err := a.Assemble(context.Background(), "dr-lee", "d1")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(b.Patterns) != 2 || b.Patterns[0].Original != "diabetis" {
		t.Errorf("patterns = %+v, want the two most frequent", b.Patterns)
	}
	if len(b.Examples) != 1 {
		t.Errorf("examples = %d, want 1", len(b.Examples))
	}
	for _, call := range c.Calls() {
		if call.Method == "GetSimilarExamples" && call.Args[2] != 1 {
			t.Errorf("GetSimilarExamples limit = %v, want 1", call.Args[2])
		}
	}
}

func TestAssemble_ExampleTokenBudget(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	long := strings.Repeat("tachycardia noted on exam ", 200)
	c.Examples["dr-lee"] = []types.HistoricalExample{{DocumentID: "d9", DraftText: long, FinalText: long}}

	b, err := draftctx.New(c, draftctx.WithExampleTokenBudget(20)).Assemble(context.Background(), "dr-lee", "d1")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := len(b.Examples[0].DraftText); got >= len(long) {
		t.Errorf("draft length = %d, want it truncated below %d", got, len(long))
	}
}

func TestAssemble_Timeout(t *testing.T) {
	t.Parallel()
	c := newCorpus()
	c.Delay = time.Second

	start := time.Now()
	_, err := draftctx.New(c, draftctx.WithFetchTimeout(20*time.Millisecond)).Assemble(context.Background(), "dr-lee", "d1")
	if err == nil {
		t.Fatal("expected an error when lookups exceed the fetch timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Assemble took %v, want it bounded by the timeout", elapsed)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		bundle  *types.ContextBundle
		wantErr bool
	}{
		{"nil", nil, true},
		{"no source", &types.ContextBundle{Author: types.Author{ID: "a"}}, true},
		{"no author", &types.ContextBundle{Source: types.Document{Text: "x"}}, true},
		{"ok", &types.ContextBundle{Author: types.Author{ID: "a"}, Source: types.Document{Text: "x"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := draftctx.Validate(tt.bundle)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, types.ErrContextIncomplete) {
				t.Errorf("err = %v, want ErrContextIncomplete", err)
			}
		})
	}
}
