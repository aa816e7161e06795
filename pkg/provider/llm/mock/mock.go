// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the coach sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []string{"Hello! What did you eat today?"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/davrien/converso/pkg/provider/llm"
)

// Compile-time check that *Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Responses is consumed one entry per Complete call; when exhausted the last
// entry is repeated. Err, if non-nil, is returned instead.
type Provider struct {
	mu sync.Mutex

	// Responses is the sequence of reply contents returned by Complete.
	Responses []string

	// Err, if non-nil, is returned as the error from every Complete call.
	Err error

	// Model is returned by ModelID. Defaults to "mock" when empty.
	Model string

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	next int
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if p.Err != nil {
		return nil, p.Err
	}

	content := ""
	if len(p.Responses) > 0 {
		i := p.next
		if i >= len(p.Responses) {
			i = len(p.Responses) - 1
		}
		content = p.Responses[i]
		p.next++
	}
	return &llm.CompletionResponse{Content: content}, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock"
	}
	return p.Model
}

// Calls returns how many times Complete was invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}
