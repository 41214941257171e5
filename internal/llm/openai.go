package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey  = errors.New("missing API key for remote provider")
	ErrMissingModel   = errors.New("missing model for remote provider")
	ErrMalformedChunk = errors.New("malformed stream chunk")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, fn FragmentFunc) (string, error) {
	c := newCollector(fn)
	if p.apiKey == "" {
		return "", &GenerationError{Provider: ProviderOpenAI, Err: ErrMissingAPIKey}
	}
	if p.model == "" {
		return "", &GenerationError{Provider: ProviderOpenAI, Err: ErrMissingModel}
	}
	payload := map[string]any{
		"model":       p.model,
		"messages":    []Message{{Role: "user", Content: req.Prompt}},
		"temperature": clampTemperature(req.Temperature),
		"stream":      req.Stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &GenerationError{Provider: ProviderOpenAI, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &GenerationError{Provider: ProviderOpenAI, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return c.finish(ctx, ProviderOpenAI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.finish(ctx, ProviderOpenAI, fmt.Errorf("LLM request failed: %s", resp.Status))
	}

	if req.Stream {
		err = p.readStream(resp, c)
	} else {
		err = p.readCompletion(resp, c)
	}
	return c.finish(ctx, ProviderOpenAI, err)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// readStream consumes "data:" lines until "[DONE]" or EOF.
func (p *OpenAIProvider) readStream(resp *http.Response, c *collector) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		for _, choice := range chunk.Choices {
			if err := c.emit(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func (p *OpenAIProvider) readCompletion(resp *http.Response, c *collector) error {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}
	if len(parsed.Choices) == 0 {
		return errors.New("LLM response had no choices")
	}
	return c.emit(parsed.Choices[0].Message.Content)
}
