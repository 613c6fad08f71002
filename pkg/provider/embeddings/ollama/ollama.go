// Package ollama implements [embeddings.Provider] against a local Ollama
// server using the official github.com/ollama/ollama/api client.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/MrWong99/redraft/pkg/provider/embeddings"
)

// DefaultBaseURL is where Ollama listens out of the box.
const DefaultBaseURL = "http://localhost:11434"

// probeTimeout bounds the one-off request that discovers an unknown model's
// vector length.
const probeTimeout = 10 * time.Second

var _ embeddings.Provider = (*Provider)(nil)

// knownModels maps model name fragments to their vector length.
var knownModels = []struct {
	fragment string
	dims     int
}{
	{"nomic-embed-text", 768},
	{"mxbai-embed-large", 1024},
	{"all-minilm", 384},
	{"bge-m3", 1024},
}

// Provider embeds text with one Ollama model.
//
// The vector length comes from [WithDimensions], else from the table of
// known models, else from probing the server once.
type Provider struct {
	client    *api.Client
	model     string
	keepAlive *api.Duration

	mu   sync.Mutex
	dims int
}

type settings struct {
	timeout   time.Duration
	dims      int
	keepAlive time.Duration
}

// Option customises a [Provider].
type Option func(*settings)

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithDimensions fixes the vector length and disables probing.
func WithDimensions(n int) Option { return func(s *settings) { s.dims = n } }

// WithKeepAlive tells Ollama how long to keep the model loaded after a
// request.
func WithKeepAlive(d time.Duration) Option { return func(s *settings) { s.keepAlive = d } }

// New returns a Provider for model served at baseURL ([DefaultBaseURL] when
// empty).
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: base url %q: %w", baseURL, err)
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	p := &Provider{
		client: api.NewClient(u, &http.Client{Timeout: s.timeout}),
		model:  model,
		dims:   s.dims,
	}
	if s.keepAlive > 0 {
		p.keepAlive = &api.Duration{Duration: s.keepAlive}
	}
	if p.dims == 0 {
		p.dims = lookupDimensions(model)
	}
	return p, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: texts, KeepAlive: p.keepAlive})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %s: %w", p.model, err)
	}
	if got := len(resp.Embeddings); got != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: %s returned %d vectors for %d inputs", p.model, got, len(texts))
	}
	p.learnDimensions(len(resp.Embeddings[0]))
	return resp.Embeddings, nil
}

// Dimensions probes the server on first use for models outside the known
// table. A failed probe reports 0 and is retried on the next call.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	dims := p.dims
	p.mu.Unlock()
	if dims != 0 {
		return dims
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if _, err := p.EmbedBatch(ctx, []string{"probe"}); err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims
}

func (p *Provider) ModelID() string { return p.model }

func (p *Provider) learnDimensions(n int) {
	p.mu.Lock()
	if p.dims == 0 {
		p.dims = n
	}
	p.mu.Unlock()
}

func lookupDimensions(model string) int {
	lower := strings.ToLower(model)
	for _, m := range knownModels {
		if strings.Contains(lower, m.fragment) {
			return m.dims
		}
	}
	return 0
}
