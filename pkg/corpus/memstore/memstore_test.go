package memstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/redraft/pkg/corpus/memstore"
	embmock "github.com/MrWong99/redraft/pkg/provider/embeddings/mock"
	"github.com/MrWong99/redraft/pkg/types"
)

const seedYAML = `
authors:
  - id: dr-lee
    name: Dr. Lee
    specialty: cardiology
    tier: tier-3
documents:
  - id: d1
    author_id: dr-lee
    text: "Pt c/o chest pain. Hx of HTN."
    reference: "Patient complains of chest pain. History of hypertension."
  - id: d2
    author_id: dr-lee
    text: "Pt c/o chest pain radiating to left arm."
    reference: "Patient complains of chest pain radiating to the left arm."
  - id: d3
    author_id: dr-lee
    text: "Knee xray unremarkable."
    reference: "Knee X-ray is unremarkable."
  - id: new
    author_id: dr-lee
    text: "Pt c/o chest pain since yesterday."
patterns:
  dr-lee:
    - {original: "Pt", corrected: "Patient", category: abbreviation, frequency: 3}
    - {original: "diabetis", corrected: "diabetes", category: spelling, frequency: 9}
`

func newSeeded(t *testing.T) *memstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	s := memstore.New(&embmock.Provider{})
	if err := s.LoadSeedFile(context.Background(), path); err != nil {
		t.Fatalf("LoadSeedFile: %v", err)
	}
	return s
}

func TestLoadSeed_Authors(t *testing.T) {
	t.Parallel()
	s := newSeeded(t)

	a, err := s.GetAuthor(context.Background(), "dr-lee")
	if err != nil {
		t.Fatalf("GetAuthor: %v", err)
	}
	if a.CurrentTier != types.TierMediumTouch {
		t.Errorf("CurrentTier = %q, want medium_touch", a.CurrentTier)
	}
	if _, err := s.GetAuthor(context.Background(), "nobody"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing author err = %v, want ErrNotFound", err)
	}
}

func TestGetReference(t *testing.T) {
	t.Parallel()
	s := newSeeded(t)

	ref, err := s.GetReference(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetReference: %v", err)
	}
	if ref.ID != "d1-final" || ref.WordCount != 8 {
		t.Errorf("reference = %+v, want d1-final with 8 words", ref)
	}
	if _, err := s.GetReference(context.Background(), "new"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for a draft without reference", err)
	}
}

func TestGetPatterns_OrderedByFrequency(t *testing.T) {
	t.Parallel()
	s := newSeeded(t)

	ps, err := s.GetPatterns(context.Background(), "dr-lee")
	if err != nil {
		t.Fatalf("GetPatterns: %v", err)
	}
	if len(ps) != 2 || ps[0].Original != "diabetis" {
		t.Errorf("patterns = %+v, want diabetis first", ps)
	}
}

func TestGetSimilarExamples(t *testing.T) {
	t.Parallel()
	s := newSeeded(t)

	got, err := s.GetSimilarExamples(context.Background(), "dr-lee", "new", 2)
	if err != nil {
		t.Fatalf("GetSimilarExamples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, ex := range got {
		if ex.DocumentID == "d3" {
			t.Errorf("knee example ranked above chest pain examples: %+v", got)
		}
		if ex.FinalText == "" {
			t.Errorf("example %s has no final text", ex.DocumentID)
		}
	}
	if got[0].Similarity < got[1].Similarity {
		t.Errorf("examples not ordered by similarity: %v then %v", got[0].Similarity, got[1].Similarity)
	}
}

func TestGetSimilarExamples_ExcludesSource(t *testing.T) {
	t.Parallel()
	s := newSeeded(t)

	got, err := s.GetSimilarExamples(context.Background(), "dr-lee", "d1", 5)
	if err != nil {
		t.Fatalf("GetSimilarExamples: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 (three examples minus the source)", len(got))
	}
	for _, ex := range got {
		if ex.DocumentID == "d1" {
			t.Error("source document returned as its own example")
		}
	}
}

func TestGetSimilarExamples_NoExamples(t *testing.T) {
	t.Parallel()
	s := memstore.New(&embmock.Provider{})
	s.PutDocument(types.Document{ID: "x", AuthorID: "solo", Text: "text"})

	got, err := s.GetSimilarExamples(context.Background(), "solo", "x", 3)
	if err != nil || len(got) != 0 {
		t.Errorf("GetSimilarExamples = %v, %v; want empty, nil", got, err)
	}
}

func TestSetTier(t *testing.T) {
	t.Parallel()
	s := newSeeded(t)
	ctx := context.Background()

	if err := s.SetTier(ctx, "dr-lee", types.TierNoTouch); err != nil {
		t.Fatalf("SetTier: %v", err)
	}
	a, _ := s.GetAuthor(ctx, "dr-lee")
	if a.CurrentTier != types.TierNoTouch {
		t.Errorf("CurrentTier = %q, want no_touch", a.CurrentTier)
	}
}

func TestNoEmbedder(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	s := memstore.New(nil)
	ctx := context.Background()
	if err := s.LoadSeedFile(ctx, path); err != nil {
		t.Fatalf("LoadSeedFile: %v", err)
	}

	ref, err := s.GetReference(ctx, "d1")
	if err != nil {
		t.Fatalf("GetReference: %v", err)
	}
	if ref.ID != "d1-final" {
		t.Errorf("reference ID = %q, want d1-final", ref.ID)
	}
	if _, err := s.GetSimilarExamples(ctx, "dr-lee", "new", 2); !errors.Is(err, memstore.ErrNoEmbedder) {
		t.Errorf("GetSimilarExamples: got %v, want ErrNoEmbedder", err)
	}
}
