// Package search talks to the web-search provider and turns its results into
// evidence. Every failure is returned as an error; callers decide whether a
// failed search is fatal.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-historian/internal/evidence"
)

const (
	DefaultEndpoint   = "https://api.tavily.com/search"
	DefaultDepth      = "basic"
	DefaultMaxResults = 5
	DefaultTimeout    = 10 * time.Second
)

var (
	// ErrDisabled is returned when no API key is configured.
	ErrDisabled = errors.New("search disabled: no API key configured")
	// ErrMalformedResponse is returned when the body has no results array.
	ErrMalformedResponse = errors.New("search response missing results array")
)

// StatusError reports an HTTP status >= 400 from the provider.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search request failed: %s", e.Status)
}

// Searcher returns raw provider records for a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]evidence.RawResult, error)
}

type Config struct {
	APIKey     string
	Endpoint   string
	Depth      string
	MaxResults int
	Timeout    time.Duration
}

// Client is a Searcher backed by a Tavily-compatible HTTP endpoint.
type Client struct {
	apiKey     string
	endpoint   string
	depth      string
	maxResults int
	client     *http.Client
}

func NewClient(cfg Config) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	depth := strings.TrimSpace(cfg.Depth)
	if depth == "" {
		depth = DefaultDepth
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   endpoint,
		depth:      depth,
		maxResults: maxResults,
		client:     &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the client has an API key.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

type searchRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

func (c *Client) Search(ctx context.Context, query string) ([]evidence.RawResult, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	body, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: c.depth,
		MaxResults:  c.maxResults,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var parsed struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return decodeResults(parsed.Results)
}

// decodeResults keeps object entries of a results array and drops the rest.
func decodeResults(data json.RawMessage) ([]evidence.RawResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrMalformedResponse
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	results := make([]evidence.RawResult, 0, len(entries))
	for _, entry := range entries {
		entry = bytes.TrimSpace(entry)
		if len(entry) == 0 || entry[0] != '{' {
			continue
		}
		var r evidence.RawResult
		if err := json.Unmarshal(entry, &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
