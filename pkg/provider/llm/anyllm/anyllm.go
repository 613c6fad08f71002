// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the draft pipeline one code path for every hosted and local vendor
// that library speaks to.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/redraft/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type backendFactory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap erases the concrete return type of a vendor constructor.
func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) backendFactory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return f(opts...) }
}

var factories = map[string]backendFactory{
	"anthropic": wrap(anthropic.New),
	"deepseek":  wrap(deepseek.New),
	"gemini":    wrap(gemini.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
	"mistral":   wrap(mistral.New),
	"ollama":    wrap(ollama.New),
	"openai":    wrap(anyllmoai.New),
}

// Backends returns the vendor names [New] accepts, sorted.
func Backends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider sends completions to one model of one vendor.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New builds a Provider for vendor (case-insensitive). Vendors read their
// usual API key environment variable when no key option is given.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(vendor)
	if name == "" || model == "" {
		return nil, errors.New("anyllm: vendor and model are required")
	}
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown vendor %q (known: %s)", vendor, strings.Join(Backends(), ", "))
	}
	backend, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: init %s: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.name, p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s/%s answered without choices", p.name, p.model)
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: choice.FinishReason,
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// CountTokens uses cl100k_base for every vendor. Counts for non-OpenAI
// tokenizers are approximate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.CountMessageTokens(messages), nil
}

func (p *Provider) Capabilities() llm.ModelCapabilities { return modelCapabilities(p.model) }

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)+1),
	}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}

func modelCapabilities(model string) llm.ModelCapabilities {
	m := strings.ToLower(model)
	caps := llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096}
	switch {
	case strings.HasPrefix(m, "gpt-4o"):
		caps = llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}
	case strings.HasPrefix(m, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(m, "claude"):
		caps.ContextWindow = 200_000
		if !strings.Contains(m, "claude-3-opus") {
			caps.MaxOutputTokens = 8_192
		}
	case strings.HasPrefix(m, "gemini"):
		caps = llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}
		if strings.Contains(m, "gemini-1.5-pro") {
			caps.ContextWindow = 2_097_152
		}
	}
	return caps
}
