package llm

import (
	"context"
	"errors"
)

// Echo answers every turn by repeating it. It is the responder used when no
// model is configured.
type Echo struct {
	// Prefix is prepended to the echoed text.
	Prefix string
}

// Complete implements [Provider].
func (e Echo) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return &CompletionResponse{Content: e.Prefix + req.Messages[i].Content}, nil
		}
	}
	return nil, errors.New("llm: echo: no user message")
}
