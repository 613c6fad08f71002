package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/redraft/pkg/provider/embeddings"
)

// EmbeddingsFallback is an [embeddings.Provider] failing over across several
// backends. All backends produce vectors of the same dimensionality.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
	dims  int
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback returns an EmbeddingsFallback preferring primary.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	cfg.Kind = "embeddings"
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		dims:  primary.Dimensions(),
	}
}

// AddFallback registers p after the existing backends. It fails when p's
// dimensionality differs from the primary's.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) error {
	if d := p.Dimensions(); d != f.dims {
		return fmt.Errorf("resilience: embeddings fallback %s has %d dimensions, primary has %d", name, d, f.dims)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Names lists the backends in the order they are tried.
func (f *EmbeddingsFallback) Names() []string { return f.group.Names() }

// Embed returns the first successful embedding of text.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return Execute(ctx, f.group, func(ctx context.Context, p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch embeds all texts with a single backend.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return Execute(ctx, f.group, func(ctx context.Context, p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions reports the shared dimensionality.
func (f *EmbeddingsFallback) Dimensions() int { return f.dims }

// ModelID reports the primary's model.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }
