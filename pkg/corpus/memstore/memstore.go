// Package memstore is an in-memory corpus for local runs, demos and tests.
//
// Authors, documents and patterns live in maps. Every draft that has a
// reference becomes a historical example of its author and is indexed in a
// per-author chromem-go collection, so similar-example lookups rank by
// embedding similarity exactly like the Postgres backend does with pgvector.
// Without an embeddings provider, references are still recorded but examples
// are not indexed and similar-example lookups fail with [ErrNoEmbedder].
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/redraft/pkg/corpus"
	"github.com/MrWong99/redraft/pkg/provider/embeddings"
	"github.com/MrWong99/redraft/pkg/types"
)

const metaFinalText = "final_text"

// ErrNoEmbedder is returned by GetSimilarExamples on a store created without
// an embeddings provider.
var ErrNoEmbedder = errors.New("memstore: no embeddings provider configured")

var (
	_ corpus.Corpus     = (*Store)(nil)
	_ corpus.TierWriter = (*Store)(nil)
)

// Store is an in-memory [corpus.Corpus]. It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	authors    map[string]types.Author
	documents  map[string]types.Document
	references map[string]string // source ID -> reference ID
	patterns   map[string][]types.CorrectionPattern

	db    *chromem.DB
	embed chromem.EmbeddingFunc
}

// New creates an empty Store that embeds example drafts with embedder, which
// may be nil.
func New(embedder embeddings.Provider) *Store {
	s := &Store{
		authors:    make(map[string]types.Author),
		documents:  make(map[string]types.Document),
		references: make(map[string]string),
		patterns:   make(map[string][]types.CorrectionPattern),
		db:         chromem.NewDB(),
	}
	if embedder != nil {
		s.embed = func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		}
	}
	return s
}

// PutAuthor inserts or replaces an author.
func (s *Store) PutAuthor(a types.Author) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authors[a.ID] = a
}

// PutDocument inserts or replaces a document. A zero WordCount is computed.
func (s *Store) PutDocument(d types.Document) {
	if d.WordCount == 0 {
		d.WordCount = len(strings.Fields(d.Text))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[d.ID] = d
}

// LinkReference records refID as the final version of sourceID and indexes
// the pair as a historical example of the source's author. Both documents
// must already exist.
func (s *Store) LinkReference(ctx context.Context, sourceID, refID string) error {
	s.mu.Lock()
	src, okSrc := s.documents[sourceID]
	ref, okRef := s.documents[refID]
	if !okSrc || !okRef {
		s.mu.Unlock()
		return fmt.Errorf("memstore: link %q -> %q: %w", sourceID, refID, types.ErrNotFound)
	}
	s.references[sourceID] = refID
	s.mu.Unlock()

	if s.embed == nil {
		return nil
	}
	col, err := s.collection(src.AuthorID)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:       sourceID,
		Content:  src.Text,
		Metadata: map[string]string{metaFinalText: ref.Text},
	})
	if err != nil {
		return fmt.Errorf("memstore: index example %q: %w", sourceID, err)
	}
	return nil
}

// PutPatterns replaces the correction patterns of an author.
func (s *Store) PutPatterns(authorID string, patterns []types.CorrectionPattern) {
	cp := append([]types.CorrectionPattern(nil), patterns...)
	slices.SortStableFunc(cp, func(a, b types.CorrectionPattern) int { return cmp.Compare(b.Frequency, a.Frequency) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[authorID] = cp
}

func (s *Store) collection(authorID string) (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection("examples-"+authorID, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("memstore: collection for %q: %w", authorID, err)
	}
	return col, nil
}

// GetAuthor implements corpus.AuthorDirectory.
func (s *Store) GetAuthor(_ context.Context, id string) (*types.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authors[id]
	if !ok {
		return nil, fmt.Errorf("memstore: author %q: %w", id, types.ErrNotFound)
	}
	return &a, nil
}

// SetTier implements corpus.TierWriter.
func (s *Store) SetTier(_ context.Context, authorID string, tier types.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authors[authorID]
	if !ok {
		return fmt.Errorf("memstore: author %q: %w", authorID, types.ErrNotFound)
	}
	a.CurrentTier = tier
	s.authors[authorID] = a
	return nil
}

// GetDocument implements corpus.DocumentSource.
func (s *Store) GetDocument(_ context.Context, id string) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("memstore: document %q: %w", id, types.ErrNotFound)
	}
	return &d, nil
}

// GetReference implements corpus.DocumentSource.
func (s *Store) GetReference(_ context.Context, sourceDocumentID string) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refID, ok := s.references[sourceDocumentID]
	if !ok {
		return nil, fmt.Errorf("memstore: reference for %q: %w", sourceDocumentID, types.ErrNotFound)
	}
	d := s.documents[refID]
	return &d, nil
}

// GetPatterns implements corpus.PatternSource.
func (s *Store) GetPatterns(_ context.Context, authorID string) ([]types.CorrectionPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.CorrectionPattern(nil), s.patterns[authorID]...), nil
}

// GetSimilarExamples implements corpus.PatternSource by querying the
// author's collection with the source draft's text.
func (s *Store) GetSimilarExamples(ctx context.Context, authorID, sourceDocumentID string, limit int) ([]types.HistoricalExample, error) {
	s.mu.RLock()
	src, ok := s.documents[sourceDocumentID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: document %q: %w", sourceDocumentID, types.ErrNotFound)
	}
	if limit <= 0 {
		return nil, nil
	}
	if s.embed == nil {
		return nil, ErrNoEmbedder
	}

	col, err := s.collection(authorID)
	if err != nil {
		return nil, err
	}
	// One extra result in case the source itself is indexed.
	n := min(limit+1, col.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := col.Query(ctx, src.Text, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memstore: query examples for %q: %w", authorID, err)
	}

	out := make([]types.HistoricalExample, 0, limit)
	for _, r := range results {
		if r.ID == sourceDocumentID {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, types.HistoricalExample{
			DocumentID: r.ID,
			DraftText:  r.Content,
			FinalText:  r.Metadata[metaFinalText],
			Similarity: float64(r.Similarity),
		})
	}
	return out, nil
}

// ── Seed files ───────────────────────────────────────────────────────────────

// Seed is the YAML layout accepted by [Store.LoadSeed].
type Seed struct {
	Authors []struct {
		ID          string            `yaml:"id"`
		Name        string            `yaml:"name"`
		Specialty   string            `yaml:"specialty"`
		Tier        string            `yaml:"tier"`
		Preferences map[string]string `yaml:"preferences"`
	} `yaml:"authors"`

	Documents []struct {
		ID        string `yaml:"id"`
		AuthorID  string `yaml:"author_id"`
		Text      string `yaml:"text"`
		Reference string `yaml:"reference"`
	} `yaml:"documents"`

	Patterns map[string][]struct {
		Original  string `yaml:"original"`
		Corrected string `yaml:"corrected"`
		Category  string `yaml:"category"`
		Frequency int    `yaml:"frequency"`
	} `yaml:"patterns"`
}

// LoadSeedFile reads a YAML seed from path into the store.
func (s *Store) LoadSeedFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memstore: open seed: %w", err)
	}
	defer f.Close()

	var seed Seed
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("memstore: decode seed %q: %w", path, err)
	}
	return s.LoadSeed(ctx, &seed)
}

// LoadSeed adds the seed's content to the store. A document with a
// reference text gets a companion document "<id>-final" linked as its
// reference.
func (s *Store) LoadSeed(ctx context.Context, seed *Seed) error {
	for _, a := range seed.Authors {
		tier := types.TierMediumTouch
		if a.Tier != "" {
			t, err := types.ParseTier(a.Tier)
			if err != nil {
				return fmt.Errorf("memstore: author %q: %w", a.ID, err)
			}
			tier = t
		}
		s.PutAuthor(types.Author{ID: a.ID, Name: a.Name, Specialty: a.Specialty, CurrentTier: tier, Preferences: a.Preferences})
	}
	for _, d := range seed.Documents {
		s.PutDocument(types.Document{ID: d.ID, AuthorID: d.AuthorID, Text: d.Text})
		if d.Reference == "" {
			continue
		}
		refID := d.ID + "-final"
		s.PutDocument(types.Document{ID: refID, AuthorID: d.AuthorID, Text: d.Reference})
		if err := s.LinkReference(ctx, d.ID, refID); err != nil {
			return err
		}
	}
	for authorID, ps := range seed.Patterns {
		patterns := make([]types.CorrectionPattern, 0, len(ps))
		for _, p := range ps {
			patterns = append(patterns, types.CorrectionPattern{
				Original: p.Original, Corrected: p.Corrected, Category: p.Category, Frequency: p.Frequency,
			})
		}
		s.PutPatterns(authorID, patterns)
	}
	return nil
}
