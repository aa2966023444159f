package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/voicedesk/pkg/provider/llm"
)

// ErrBlankReply is recorded against a responder that answered with nothing
// but whitespace. The caller would hear silence, so the next responder is
// asked instead.
var ErrBlankReply = errors.New("resilience: responder returned a blank reply")

// LLMFallback is the agent responder used by the voice server: an ordered
// chain of language models, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a responder to the chain. Call it before the first
// Complete.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Group exposes the chain for health checks.
func (f *LLMFallback) Group() *FallbackGroup[llm.Provider] { return f.group }

// Complete asks each responder in turn until one produces a non-blank
// reply.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, ErrBlankReply
		}
		return resp, nil
	})
}
