package service

import (
	"context"

	"github.com/helixflow/helixgate/internal/domain"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionParams is the normalized inference request handed to a
// backend. Field names follow the wire format so job records decode
// straight into it.
type CompletionParams struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	User        string        `json:"user,omitempty"`
}

// CompletionResult is one whole completion.
type CompletionResult struct {
	Text         string
	FinishReason string
	Usage        domain.Usage
}

// TokenStream yields completion tokens one at a time. Next returns io.EOF
// after the final token; Usage is only valid from that point on. Close
// releases backend resources and is safe to call more than once.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Usage() (domain.Usage, bool)
	Close() error
}

// InferenceBackend executes completions against a model runtime.
type InferenceBackend interface {
	Complete(ctx context.Context, params *CompletionParams) (*CompletionResult, error)
	Stream(ctx context.Context, params *CompletionParams) (TokenStream, error)
	Models(ctx context.Context) ([]domain.ModelInfo, error)
}
