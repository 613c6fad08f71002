// Package mock provides a test double for the embeddings.Provider interface.
//
// By default every text maps to a deterministic bag-of-letters vector, so
// identical texts embed identically and similar texts score close together
// without a model. Set EmbedFunc to override per text, or EmbedErr to fail
// every call.
package mock

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/redraft/pkg/provider/embeddings"
)

// LetterDims is the vector length produced by [LetterVector].
const LetterDims = 26

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, computes the vector for each text.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions. Zero means LetterDims.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every text passed to Embed.
	EmbedCalls []string

	// EmbedBatchCalls records every slice passed to EmbedBatch.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns the vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vector(text)
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, cp)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.vector(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns DimensionsValue, or LetterDims when unset.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DimensionsValue == 0 {
		return LetterDims
	}
	return p.DimensionsValue
}

// ModelID returns ModelIDValue, or "mock-letters" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue == "" {
		return "mock-letters"
	}
	return p.ModelIDValue
}

// CallCount returns the total number of texts embedded so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.EmbedCalls)
	for _, b := range p.EmbedBatchCalls {
		n += len(b)
	}
	return n
}

func (p *Provider) vector(text string) ([]float32, error) {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	return LetterVector(text), nil
}

// LetterVector counts the ASCII letters of text case-insensitively.
func LetterVector(text string) []float32 {
	v := make([]float32, LetterDims)
	for _, r := range strings.ToLower(text) {
		if r < unicode.MaxASCII && r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v
}

var _ embeddings.Provider = (*Provider)(nil)
