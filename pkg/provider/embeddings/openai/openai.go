// Package openai implements [embeddings.Provider] on the OpenAI embeddings
// endpoint. text-embedding-3-small is used unless another model is named.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/redraft/pkg/provider/embeddings"
)

// DefaultModel is used when New receives an empty model name.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// defaultBatchSize keeps requests well below the API's per-call input limit.
const defaultBatchSize = 256

var _ embeddings.Provider = (*Provider)(nil)

type Provider struct {
	client    oai.Client
	model     string
	dims      int
	batchSize int
}

type settings struct {
	baseURL   string
	timeout   time.Duration
	dims      int
	batchSize int
}

// Option customises a [Provider].
type Option func(*settings)

// WithBaseURL targets an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithDimensions requests shortened vectors. Only text-embedding-3 models
// honour it.
func WithDimensions(n int) Option { return func(s *settings) { s.dims = n } }

// WithBatchSize caps how many texts go into one request. Default 256.
func WithBatchSize(n int) Option { return func(s *settings) { s.batchSize = n } }

// New returns a Provider for model. An empty model means [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	s := settings{batchSize: defaultBatchSize}
	for _, o := range opts {
		o(&s)
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		dims:      s.dims,
		batchSize: s.batchSize,
	}, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into requests of at most the configured batch
// size. Each vector is placed by the index the API reports.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		if err := p.embedInto(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, fmt.Errorf("openai embeddings: texts %d-%d: %w", start, end-1, err)
		}
	}
	return out, nil
}

func (p *Provider) embedInto(ctx context.Context, texts []string, dst [][]float32) error {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.dims > 0 {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return err
	}
	if len(resp.Data) != len(texts) {
		return fmt.Errorf("got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	for _, e := range resp.Data {
		i := int(e.Index)
		if i < 0 || i >= len(dst) || dst[i] != nil {
			return fmt.Errorf("bad or repeated index %d", e.Index)
		}
		v := make([]float32, len(e.Embedding))
		for j, x := range e.Embedding {
			v[j] = float32(x)
		}
		dst[i] = v
	}
	return nil
}

func (p *Provider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	return modelDimensions(p.model)
}

func (p *Provider) ModelID() string { return p.model }

func modelDimensions(model string) int {
	if strings.Contains(strings.ToLower(model), "text-embedding-3-large") {
		return 3072
	}
	return 1536
}
