package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wenbnb/wenbnb/internal/config"
)

// Request is one completion: an assembled system prompt, optional prior
// turns and the user's message.
type Request struct {
	System  string
	History []Message
	User    string
}

// ResultFunc observes every completion. err is nil or an *Error.
type ResultFunc func(provider string, elapsed time.Duration, err error)

// Client is the stateless wrapper handlers call. It applies the configured
// model, sampling parameters and deadline.
type Client struct {
	provider    Provider
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	onResult    ResultFunc
}

// NewClient wraps p with the settings in cfg.
func NewClient(p Provider, cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Client{
		provider:    p,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
	}
}

// NewFromConfig builds the provider named in cfg and wraps it.
func NewFromConfig(cfg config.LLMConfig) (*Client, error) {
	var p Provider
	switch cfg.Provider {
	case "", "openai":
		p = NewOpenAI(cfg.Endpoint, cfg.APIKey, cfg.Model, &http.Client{})
	case "anthropic":
		endpoint := cfg.Endpoint
		if strings.Contains(endpoint, "api.openai.com") {
			endpoint = ""
		}
		p = NewAnthropic(endpoint, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return NewClient(p, cfg), nil
}

// OnResult registers an observer (metrics).
func (c *Client) OnResult(fn ResultFunc) { c.onResult = fn }

// Provider returns the wrapped provider's name.
func (c *Client) Provider() string { return c.provider.Name() }

// Complete returns the reply text or an *Error.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.User})

	start := time.Now()
	resp, err := c.provider.Complete(ctx, CompletionRequest{
		Messages:    messages,
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		System:      req.System,
	})

	var out string
	switch {
	case err != nil:
		err = c.normalize(err)
	case resp == nil || strings.TrimSpace(resp.Content) == "":
		err = &Error{Kind: KindEmptyCompletion, Provider: c.provider.Name(), Detail: "empty content"}
	default:
		out = strings.TrimSpace(resp.Content)
	}

	if c.onResult != nil {
		c.onResult(c.provider.Name(), time.Since(start), err)
	}
	return out, err
}

// normalize guarantees an *Error whatever the provider returned.
func (c *Client) normalize(err error) error {
	if _, ok := KindOf(err); ok {
		return err
	}
	if le := classifyTransport(c.provider.Name(), err); le != nil {
		return le
	}
	return &Error{Kind: KindProvider, Provider: c.provider.Name(), Detail: err.Error(), Err: err}
}
