package compare_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/redraft/internal/compare"
	"github.com/MrWong99/redraft/pkg/provider/embeddings/mock"
)

const (
	refB  = "Pt c/o chest pain. Hx of HTN and diabetis."
	candB = "Patient complains of chest pain. History of hypertension and diabetes."
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newEngine(t *testing.T, p *mock.Provider, opts ...compare.Option) *compare.Engine {
	t.Helper()
	e, err := compare.New(p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// ── tokenisation and alignment ───────────────────────────────────────────────

func TestWords(t *testing.T) {
	t.Parallel()
	got := compare.Words("Pt c/o Chest-pain, 2x daily.")
	want := []string{"pt", "c", "o", "chest", "pain", "2x", "daily"}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{refB, []string{"pt c o chest pain", "hx of htn and diabetis"}},
		{"No terminal punctuation", []string{"no terminal punctuation"}},
		{"Really?! Yes... ok", []string{"really", "yes", "ok"}},
		{"", nil},
		{" ... ", nil},
	}
	for _, tt := range tests {
		if got := compare.Sentences(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("Sentences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAlign(t *testing.T) {
	t.Parallel()
	got := compare.Align(compare.Words(refB), compare.Words(candB))
	if got.Edits != 6 || got.Matches != 4 {
		t.Errorf("got %+v, want {Edits:6 Matches:4}", got)
	}

	got = compare.Align([]string{"a", "b", "c"}, nil)
	if got.Edits != 3 || got.Matches != 0 {
		t.Errorf("deleting everything: got %+v, want {Edits:3 Matches:0}", got)
	}
}

func TestEditRate_Properties(t *testing.T) {
	t.Parallel()
	texts := []string{
		"",
		"One.",
		refB,
		candB,
		"The patient has a history of diabetes.",
		"A much longer candidate that repeats itself. A much longer candidate that repeats itself. And again!",
	}
	for _, a := range texts {
		for _, b := range texts {
			for _, split := range []func(string) []string{compare.Words, compare.Sentences} {
				ra, rb := split(a), split(b)
				r := compare.EditRate(ra, rb)
				if r < 0 || r > 1 {
					t.Errorf("EditRate(%q, %q) = %v, want within [0, 1]", a, b, r)
				}
				if a == b && r != 0 {
					t.Errorf("EditRate(%q, itself) = %v, want 0", a, r)
				}
				if len(ra) == 0 && r != 0 {
					t.Errorf("empty reference gave rate %v, want 0", r)
				}
			}
		}
	}
}

// ── scores ───────────────────────────────────────────────────────────────────

func TestQualityScore_MonotonicInSimilarity(t *testing.T) {
	t.Parallel()
	for _, ser := range []float64{0, 0.3, 1} {
		for _, wer := range []float64{0, 0.6, 1} {
			prev := -1.0
			for sim := 0.0; sim <= 1.0; sim += 0.05 {
				q := compare.QualityScore(ser, wer, sim)
				if q < prev {
					t.Fatalf("quality decreased at ser=%v wer=%v sim=%v: %v < %v", ser, wer, sim, q, prev)
				}
				if q < 0 || q > 1 {
					t.Fatalf("quality %v out of range", q)
				}
				prev = q
			}
		}
	}
}

func TestExpansionScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ratio, want float64
	}{
		{0, 0},
		{0.75, 0.5},
		{1.5, 1},
		{2, 1},
		{2.5, 1},
		{3.75, 0.5},
		{5, 0},
		{9, 0},
	}
	for _, tt := range tests {
		if got := compare.ExpansionScore(tt.ratio, 1.5, 2.5); !approx(got, tt.want) {
			t.Errorf("ExpansionScore(%v) = %v, want %v", tt.ratio, got, tt.want)
		}
	}
}

// ── engine ───────────────────────────────────────────────────────────────────

func TestCompare_Identical(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &mock.Provider{})
	text := "The patient has a history of diabetes."

	m := e.Compare(context.Background(), text, text)
	if m.SentenceEditRate != 0 || m.WordEditRate != 0 {
		t.Errorf("SER=%v WER=%v, want 0", m.SentenceEditRate, m.WordEditRate)
	}
	if !approx(m.SemanticSimilarity, 1) {
		t.Errorf("similarity = %v, want 1", m.SemanticSimilarity)
	}
	if !approx(m.QualityScore, 1) {
		t.Errorf("quality = %v, want 1", m.QualityScore)
	}
	if m.ReferenceWords != 7 || m.CandidateWords != 7 {
		t.Errorf("word counts = %d/%d, want 7/7", m.ReferenceWords, m.CandidateWords)
	}
}

func TestCompare_AbbreviationExpansion(t *testing.T) {
	t.Parallel()
	// Reference and candidate embed to unit vectors with cosine 0.92.
	p := &mock.Provider{EmbedFunc: func(text string) ([]float32, error) {
		if text == refB {
			return []float32{1, 0}, nil
		}
		return []float32{0.92, float32(math.Sqrt(1 - 0.92*0.92))}, nil
	}}
	e := newEngine(t, p)

	m := e.Compare(context.Background(), refB, candB)
	if !approx(m.WordEditRate, 0.6) {
		t.Errorf("WER = %v, want 0.6", m.WordEditRate)
	}
	// Neither reference sentence survives verbatim: 2 of 2 are substituted,
	// so SER is 1 even though WER is only 0.6.
	if !approx(m.SentenceEditRate, 1) {
		t.Errorf("SER = %v, want 1", m.SentenceEditRate)
	}
	if math.Abs(m.SemanticSimilarity-0.92) > 1e-6 {
		t.Errorf("similarity = %v, want 0.92", m.SemanticSimilarity)
	}
	want := 0.3*(1-m.SentenceEditRate) + 0.3*(1-m.WordEditRate) + 0.4*m.SemanticSimilarity
	if !approx(m.QualityScore, want) {
		t.Errorf("quality = %v, want %v", m.QualityScore, want)
	}
	if m.Detail[compare.DetailWordEdits] != 6 || m.Detail[compare.DetailReferenceSentences] != 2 {
		t.Errorf("detail = %v", m.Detail)
	}
	if m.Detail[compare.DetailCharLevenshtein] <= 0 {
		t.Errorf("char levenshtein = %v, want > 0", m.Detail[compare.DetailCharLevenshtein])
	}
}

func TestCompare_EmbeddingFailureFallsBack(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &mock.Provider{EmbedErr: errors.New("model offline")}, compare.WithFallbackSimilarity(0.5))

	m := e.Compare(context.Background(), refB, candB)
	if m.SemanticSimilarity != 0.5 {
		t.Errorf("similarity = %v, want fallback 0.5", m.SemanticSimilarity)
	}
	if m.Detail[compare.DetailSimilarityFallback] != 1 {
		t.Errorf("fallback flag = %v, want 1", m.Detail[compare.DetailSimilarityFallback])
	}
	if !approx(m.WordEditRate, 0.6) {
		t.Errorf("WER = %v, want 0.6 regardless of embeddings", m.WordEditRate)
	}
}

func TestCompare_NilEmbedder(t *testing.T) {
	t.Parallel()
	e, err := compare.New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := e.Compare(context.Background(), "a b", "c d")
	if m.SemanticSimilarity != compare.DefaultFallbackSimilarity {
		t.Errorf("similarity = %v, want %v", m.SemanticSimilarity, compare.DefaultFallbackSimilarity)
	}
}

func TestCompare_EmptyInputs(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &mock.Provider{})
	ctx := context.Background()

	both := e.Compare(ctx, "", "")
	if both.SentenceEditRate != 0 || both.WordEditRate != 0 || both.SemanticSimilarity != 1 {
		t.Errorf("empty/empty = %+v", both)
	}

	noRef := e.Compare(ctx, "", "Something was generated.")
	if noRef.SentenceEditRate != 0 || noRef.WordEditRate != 0 {
		t.Errorf("empty reference rates = %v/%v, want 0/0", noRef.SentenceEditRate, noRef.WordEditRate)
	}
	if noRef.SemanticSimilarity != 0 || noRef.ImprovementScore < 0 {
		t.Errorf("empty reference = %+v", noRef)
	}

	noCand := e.Compare(ctx, "Reference text here.", "")
	if noCand.WordEditRate != 1 || noCand.SentenceEditRate != 1 {
		t.Errorf("empty candidate rates = %v/%v, want 1/1", noCand.SentenceEditRate, noCand.WordEditRate)
	}
}

func TestCompare_CachesEmbeddings(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	e := newEngine(t, p)
	ctx := context.Background()

	e.Compare(ctx, refB, candB)
	e.Compare(ctx, refB, candB)
	if got := p.CallCount(); got != 2 {
		t.Errorf("embedded %d texts, want 2 (second comparison served from cache)", got)
	}
}

func TestCompare_ImprovementRewardsExpansion(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &mock.Provider{})
	ctx := context.Background()

	m := e.Compare(ctx, "Pt stable.", "Patient is stable and resting very comfortably.")
	if got := m.Detail[compare.DetailLengthRatio]; !approx(got, 3.5) {
		t.Fatalf("length ratio = %v, want 3.5", got)
	}
	wantExp := compare.ExpansionScore(3.5, compare.DefaultBandLow, compare.DefaultBandHigh)
	if !approx(m.ImprovementScore, 0.7*m.QualityScore+0.3*wantExp) {
		t.Errorf("improvement = %v, want %v", m.ImprovementScore, 0.7*m.QualityScore+0.3*wantExp)
	}
}

func TestNew_InvalidBand(t *testing.T) {
	t.Parallel()
	if _, err := compare.New(&mock.Provider{}, compare.WithExpansionBand(2, 1)); err == nil {
		t.Error("expected error for an inverted band")
	}
}
