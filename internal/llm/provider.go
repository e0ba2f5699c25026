// Package llm wraps chat-completion providers behind one stateless client.
// Failures come back as *Error carrying one of four kinds so callers can
// choose what to tell the user. Nothing here retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Kind classifies an LLM failure.
type Kind int

const (
	KindProvider        Kind = iota // non-2xx or error body
	KindEmptyCompletion             // 2xx without choices
	KindTimeout                     // deadline exceeded
	KindTransport                   // connection failure
)

func (k Kind) String() string {
	switch k {
	case KindProvider:
		return "provider"
	case KindEmptyCompletion:
		return "empty_completion"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Client.Complete.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether showing "please retry" makes sense.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransport
}

// KindOf extracts the kind from err.
func KindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

// classifyTransport maps context and network failures. It returns nil when
// err is neither.
func classifyTransport(provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: provider, Detail: "deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Provider: provider, Detail: netErr.Error(), Err: err}
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.As(err, &netErr) {
		return &Error{Kind: KindTransport, Provider: provider, Detail: err.Error(), Err: err}
	}
	return nil
}
