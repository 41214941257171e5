package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	ollama "github.com/ollama/ollama/api"
)

type OllamaConfig struct {
	Model string
	// BaseURL overrides OLLAMA_HOST when set.
	BaseURL string
}

type ollamaClient interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest, fn ollama.GenerateResponseFunc) error
	Heartbeat(ctx context.Context) error
}

type OllamaProvider struct {
	model  string
	client ollamaClient
}

func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("missing model for ollama provider")
	}
	client, err := newOllamaClient(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not create ollama client: %w", err)
	}
	return &OllamaProvider{model: model, client: client}, nil
}

func newOllamaClient(baseURL string) (*ollama.Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ollama.ClientFromEnvironment()
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ollama base URL %q", baseURL)
	}
	// Generation has no timeout; the request context bounds it.
	return ollama.NewClient(base, &http.Client{}), nil
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request, fn FragmentFunc) (string, error) {
	stream := req.Stream
	c := newCollector(fn)
	err := p.client.Generate(ctx, &ollama.GenerateRequest{
		Model:  p.model,
		Prompt: req.Prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": clampTemperature(req.Temperature),
		},
	}, func(resp ollama.GenerateResponse) error {
		return c.emit(resp.Response)
	})
	return c.finish(ctx, ProviderOllama, err)
}

func (p *OllamaProvider) Ping(ctx context.Context) error {
	return p.client.Heartbeat(ctx)
}

func (p *OllamaProvider) Model() string {
	return p.model
}
