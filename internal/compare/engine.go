// Package compare scores a generated document against its human-finalised
// reference.
//
// Edit rates are computed at sentence and word granularity from an optimal
// token alignment; semantic similarity is the cosine of the two documents'
// embeddings. When embedding fails the engine substitutes a neutral
// similarity instead of failing, so [Engine.Compare] never returns an error.
package compare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/provider/embeddings"
	"github.com/MrWong99/redraft/pkg/types"
)

// Keys of [types.Metrics.Detail].
const (
	DetailReferenceSentences = "reference_sentences"
	DetailCandidateSentences = "candidate_sentences"
	DetailSentenceEdits      = "sentence_edits"
	DetailSentenceMatches    = "sentence_matches"
	DetailWordEdits          = "word_edits"
	DetailWordMatches        = "word_matches"
	DetailLengthRatio        = "length_ratio"
	DetailExpansionScore     = "expansion_score"
	DetailCharLevenshtein    = "char_levenshtein"
	DetailCharsInserted      = "chars_inserted"
	DetailCharsDeleted       = "chars_deleted"
	DetailSimilarityFallback = "similarity_fallback"
	DetailEmbeddingDims      = "embedding_dimensions"
)

// DefaultFallbackSimilarity is used when embeddings are unavailable.
const DefaultFallbackSimilarity = 0.5

// Engine computes [types.Metrics]. It is safe for concurrent use.
type Engine struct {
	embedder     embeddings.Provider
	cache        *lru.Cache[string, []float32]
	fallback     float64
	bandLow      float64
	bandHigh     float64
	embedTimeout time.Duration
	diffTimeout  time.Duration
	metrics      *observe.Metrics
}

type config struct {
	cacheSize    int
	fallback     float64
	bandLow      float64
	bandHigh     float64
	embedTimeout time.Duration
	diffTimeout  time.Duration
	metrics      *observe.Metrics
}

// Option configures an [Engine].
type Option func(*config)

// WithCacheSize sets the number of embeddings kept in the LRU cache.
// Defaults to 1024.
func WithCacheSize(n int) Option { return func(c *config) { c.cacheSize = n } }

// WithFallbackSimilarity sets the similarity used when embedding fails.
func WithFallbackSimilarity(v float64) Option { return func(c *config) { c.fallback = clamp01(v) } }

// WithExpansionBand sets the ideal candidate/reference length ratio band.
func WithExpansionBand(low, high float64) Option {
	return func(c *config) { c.bandLow, c.bandHigh = low, high }
}

// WithEmbedTimeout bounds the embedding call. Defaults to 15 seconds.
func WithEmbedTimeout(d time.Duration) Option { return func(c *config) { c.embedTimeout = d } }

// WithMetrics records embedding cache and fallback counters on m.
func WithMetrics(m *observe.Metrics) Option { return func(c *config) { c.metrics = m } }

// New returns an Engine using embedder for semantic similarity. A nil
// embedder makes every comparison use the fallback similarity.
func New(embedder embeddings.Provider, opts ...Option) (*Engine, error) {
	cfg := config{
		cacheSize:    1024,
		fallback:     DefaultFallbackSimilarity,
		bandLow:      DefaultBandLow,
		bandHigh:     DefaultBandHigh,
		embedTimeout: 15 * time.Second,
		diffTimeout:  time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.bandLow <= 0 || cfg.bandHigh < cfg.bandLow {
		return nil, fmt.Errorf("compare: invalid expansion band [%g, %g]", cfg.bandLow, cfg.bandHigh)
	}
	cache, err := lru.New[string, []float32](max(cfg.cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("compare: create embedding cache: %w", err)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	return &Engine{
		embedder:     embedder,
		cache:        cache,
		fallback:     cfg.fallback,
		bandLow:      cfg.bandLow,
		bandHigh:     cfg.bandHigh,
		embedTimeout: cfg.embedTimeout,
		diffTimeout:  cfg.diffTimeout,
		metrics:      cfg.metrics,
	}, nil
}

// Compare scores candidate against reference. Empty strings are valid
// input.
func (e *Engine) Compare(ctx context.Context, reference, candidate string) types.Metrics {
	refSent, candSent := Sentences(reference), Sentences(candidate)
	refWords, candWords := Words(reference), Words(candidate)

	sa := Align(refSent, candSent)
	wa := Align(refWords, candWords)
	ser := rate(sa.Edits, len(refSent))
	wer := rate(wa.Edits, len(refWords))

	sim, fellBack := e.similarity(ctx, reference, candidate)
	quality := QualityScore(ser, wer, sim)

	var ratio float64
	if len(refWords) > 0 {
		ratio = float64(len(candWords)) / float64(len(refWords))
	}
	expansion := ExpansionScore(ratio, e.bandLow, e.bandHigh)

	detail := map[string]float64{
		DetailReferenceSentences: float64(len(refSent)),
		DetailCandidateSentences: float64(len(candSent)),
		DetailSentenceEdits:      float64(sa.Edits),
		DetailSentenceMatches:    float64(sa.Matches),
		DetailWordEdits:          float64(wa.Edits),
		DetailWordMatches:        float64(wa.Matches),
		DetailLengthRatio:        ratio,
		DetailExpansionScore:     expansion,
		DetailSimilarityFallback: 0,
	}
	if fellBack {
		detail[DetailSimilarityFallback] = 1
	}
	if e.embedder != nil {
		detail[DetailEmbeddingDims] = float64(e.embedder.Dimensions())
	}
	e.charDiff(reference, candidate, detail)

	return types.Metrics{
		SentenceEditRate:   ser,
		WordEditRate:       wer,
		SemanticSimilarity: sim,
		QualityScore:       quality,
		ImprovementScore:   ImprovementScore(quality, expansion),
		ReferenceWords:     len(refWords),
		CandidateWords:     len(candWords),
		Detail:             detail,
	}
}

// similarity returns the clamped cosine of both texts' embeddings and
// whether the fallback value was used.
func (e *Engine) similarity(ctx context.Context, reference, candidate string) (float64, bool) {
	ref, cand := strings.TrimSpace(reference), strings.TrimSpace(candidate)
	switch {
	case ref == "" && cand == "":
		return 1, false
	case ref == "" || cand == "":
		return 0, false
	case ref == cand:
		return 1, false
	}

	vecs, err := e.embed(ctx, ref, cand)
	if err == nil {
		var cos float64
		cos, err = embeddings.Cosine(vecs[0], vecs[1])
		if err == nil {
			return clamp01(cos), false
		}
	}
	observe.Logger(ctx).Warn("compare: embedding unavailable, using fallback similarity",
		"fallback", e.fallback,
		"err", errors.Join(types.ErrEmbeddingUnavailable, err),
	)
	e.metrics.RecordEmbeddingFallback(ctx)
	return e.fallback, true
}

// embed returns one vector per text, serving repeats from the cache.
func (e *Engine) embed(ctx context.Context, texts ...string) ([][]float32, error) {
	if e.embedder == nil {
		return nil, errors.New("no embedding provider configured")
	}
	out := make([][]float32, len(texts))
	var (
		missing []string
		idx     []int
	)
	for i, t := range texts {
		if v, ok := e.cache.Get(t); ok {
			out[i] = v
			e.metrics.RecordEmbeddingCache(ctx, true)
			continue
		}
		e.metrics.RecordEmbeddingCache(ctx, false)
		missing = append(missing, t)
		idx = append(idx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if e.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.embedTimeout)
		defer cancel()
	}
	vecs, err := e.embedder.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, v := range vecs {
		out[idx[j]] = v
		e.cache.Add(missing[j], v)
	}
	return out, nil
}

// charDiff adds character level diff statistics to detail.
func (e *Engine) charDiff(reference, candidate string, detail map[string]float64) {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = e.diffTimeout
	diffs := dmp.DiffMain(reference, candidate, false)

	var ins, del int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			ins += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			del += len([]rune(d.Text))
		}
	}
	detail[DetailCharLevenshtein] = float64(dmp.DiffLevenshtein(diffs))
	detail[DetailCharsInserted] = float64(ins)
	detail[DetailCharsDeleted] = float64(del)
}
