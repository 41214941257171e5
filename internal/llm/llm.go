package llm

import (
	"context"
	"strings"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	DefaultModel = "llama3"
)

// Request is one generation call. Temperature is clamped to [0, 1].
type Request struct {
	Prompt      string
	Temperature float64
	Stream      bool
}

// FragmentFunc receives each non-empty text fragment in arrival order.
// Returning an error stops the generation.
type FragmentFunc func(fragment string) error

// Provider streams text for a prompt. Stream calls fn for every fragment as
// soon as it arrives and returns the concatenation of all fragments it
// delivered. Errors returned by fn are passed back unchanged; backend
// failures are reported as *GenerationError; a cancelled ctx yields
// ctx.Err().
type Provider interface {
	Stream(ctx context.Context, req Request, fn FragmentFunc) (string, error)
}

// Pinger is implemented by providers that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	OpenAIAPIKey string
}

func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOllama:
		return NewOllamaProvider(OllamaConfig{
			Model:   defaultIfEmpty(cfg.Model, DefaultModel),
			BaseURL: cfg.BaseURL,
		})
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func clampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// collector accumulates fragments and forwards them to a FragmentFunc,
// remembering whether a failure came from the callback.
type collector struct {
	fn   FragmentFunc
	text strings.Builder
	err  error
}

func newCollector(fn FragmentFunc) *collector {
	if fn == nil {
		fn = func(string) error { return nil }
	}
	return &collector{fn: fn}
}

func (c *collector) emit(fragment string) error {
	if fragment == "" {
		return nil
	}
	if err := c.fn(fragment); err != nil {
		c.err = err
		return err
	}
	c.text.WriteString(fragment)
	return nil
}

// finish maps the backend error for Stream's contract.
func (c *collector) finish(ctx context.Context, provider string, err error) (string, error) {
	text := c.text.String()
	if err == nil {
		return text, nil
	}
	if c.err != nil {
		return text, c.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return text, ctxErr
	}
	return text, &GenerationError{Provider: provider, Err: err}
}
