// Package mock provides a test double for the llm.Provider interface.
//
// Responses can be fixed (CompleteResponse) or scripted per call
// (Responses), which lets a test drive a multi-step generation run where the
// draft, the critique and the refinement each need a different reply.
//
//	p := &mock.Provider{
//	    Responses: []mock.Reply{
//	        {Content: "draft text"},
//	        {Content: "The dosage is missing."},
//	        {Content: "refined text"},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/redraft/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Reply is one scripted result of Complete.
type Reply struct {
	Content string
	Err     error
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is consumed in order, one entry per Complete call. Once it is
	// exhausted CompleteResponse and CompleteErr apply.
	Responses []Reply

	// CompleteResponse is returned by Complete when Responses is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete when
	// Responses is exhausted.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// CountTokensFunc, if set, replaces TokenCount and CountTokensErr.
	CountTokensFunc func(messages []llm.Message) (int, error)

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls records the messages of every CountTokens call.
	CountTokensCalls [][]llm.Message
}

// Complete records the call and returns the next scripted reply, or
// CompleteResponse, CompleteErr once the script is exhausted.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx < len(p.Responses) {
		r := p.Responses[idx]
		if r.Err != nil {
			return nil, r.Err
		}
		return &llm.CompletionResponse{Content: r.Content, FinishReason: "stop"}, nil
	}
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens records the call and returns CountTokensFunc's result, or
// TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	p.CountTokensCalls = append(p.CountTokensCalls, msgs)
	if p.CountTokensFunc != nil {
		return p.CountTokensFunc(msgs)
	}
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
