// ABOUTME: REST client for the Tavily search API and the asynchronous research job API.
// ABOUTME: Implements the SearchProvider and ResearchJobProvider collaborator capabilities.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the public Tavily API endpoint.
const DefaultBaseURL = "https://api.tavily.com"

// SearchRequest is one synchronous search call.
type SearchRequest struct {
	Query           string   `json:"query"`
	SearchDepth     string   `json:"search_depth,omitempty"` // "basic" or "advanced"
	Topic           string   `json:"topic,omitempty"`        // "general", "news", "finance"
	MaxResults      int      `json:"max_results,omitempty"`
	ChunksPerSource int      `json:"chunks_per_source,omitempty"`
	IncludeDomains  []string `json:"include_domains,omitempty"`
	IncludeAnswer   bool     `json:"include_answer,omitempty"`
}

// SearchResult is one hit in a search response.
type SearchResult struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// SearchResponse is the payload of a completed search.
type SearchResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Results []SearchResult `json:"results"`
}

// ResearchRequest submits an asynchronous deep-research job.
type ResearchRequest struct {
	Input        string          `json:"input"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Model        string          `json:"model,omitempty"`
}

// ResearchStatus is one observation of a research job. Status is one of
// "pending", "in_progress", "completed", or "failed".
type ResearchStatus struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// APIError is a non-2xx response from the Tavily API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tavily: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Tavily API. Create one with NewClient.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a Tavily API client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs one synchronous search. Failures propagate to the caller
// and are expected to be contained by the owning stage's fallback.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/search", req, &resp); err != nil {
		return nil, fmt.Errorf("search %q: %w", req.Query, err)
	}
	return &resp, nil
}

// SubmitResearch starts an asynchronous research job and returns its request ID.
func (c *Client) SubmitResearch(ctx context.Context, req ResearchRequest) (string, error) {
	var resp ResearchStatus
	if err := c.post(ctx, "/research", req, &resp); err != nil {
		return "", fmt.Errorf("submit research: %w", err)
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("submit research: response missing request_id")
	}
	return resp.RequestID, nil
}

// GetResearch queries the status of a previously submitted research job.
func (c *Client) GetResearch(ctx context.Context, requestID string) (*ResearchStatus, error) {
	var resp ResearchStatus
	if err := c.get(ctx, "/research/"+requestID, &resp); err != nil {
		return nil, fmt.Errorf("research status %s: %w", requestID, err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
