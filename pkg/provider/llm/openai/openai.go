// Package openai implements [llm.Provider] on the OpenAI chat completions
// API. OpenAI-compatible servers (vLLM, LM Studio, Azure proxies) are reached
// through [WithBaseURL].
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
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/redraft/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider talks to one chat model.
type Provider struct {
	client oai.Client
	model  string
	seed   int64
}

type settings struct {
	baseURL    string
	org        string
	timeout    time.Duration
	maxRetries int
	seed       int64
}

// Option customises a [Provider].
type Option func(*settings)

// WithBaseURL targets an OpenAI-compatible endpoint instead of api.openai.com.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return func(s *settings) { s.org = org } }

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithMaxRetries overrides the client's retry count for 429 and 5xx answers.
func WithMaxRetries(n int) Option { return func(s *settings) { s.maxRetries = n } }

// WithSeed asks the model for best-effort deterministic sampling, which keeps
// repeated drafts of the same source comparable.
func WithSeed(seed int64) Option { return func(s *settings) { s.seed = seed } }

func (s *settings) requestOptions(apiKey string) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}
	if s.org != "" {
		opts = append(opts, option.WithOrganization(s.org))
	}
	if s.timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	if s.maxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(s.maxRetries))
	}
	return opts
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	var errs []error
	if apiKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	return &Provider{
		client: oai.NewClient(s.requestOptions(apiKey)...),
		model:  model,
		seed:   s.seed,
	}, nil
}

// Complete sends req as a single chat completion.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %s completion: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s answered without choices", p.model)
	}

	first := resp.Choices[0]
	u := resp.Usage
	return &llm.CompletionResponse{
		Content:      first.Message.Content,
		FinishReason: first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

// CountTokens estimates with the cl100k_base encoding.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.CountMessageTokens(messages), nil
}

func (p *Provider) Capabilities() llm.ModelCapabilities { return modelCapabilities(p.model) }

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		converted, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: %w", i, err)
		}
		msgs = append(msgs, converted)
	}
	if len(msgs) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: nothing to send")
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if p.seed != 0 {
		params.Seed = param.NewOpt(p.seed)
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	var out oai.ChatCompletionMessageParamUnion
	switch m.Role {
	case llm.RoleSystem:
		out = oai.SystemMessage(m.Content)
	case llm.RoleUser:
		out = oai.UserMessage(m.Content)
	case llm.RoleAssistant:
		out = oai.AssistantMessage(m.Content)
	default:
		return out, fmt.Errorf("role %q is not supported", m.Role)
	}
	return out, nil
}

// capabilityTable is matched by prefix in order, so longer prefixes of the
// same family come first.
var capabilityTable = []struct {
	prefix string
	caps   llm.ModelCapabilities
}{
	{"gpt-4.1", llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{"gpt-4-turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o3", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o4", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, row := range capabilityTable {
		if strings.HasPrefix(lower, row.prefix) {
			return row.caps
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
}
