package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/GoCodeAlone/conductor/internal/version"
)

const maxFetchBytes = 1 << 20

func userAgent() string { return "Conductor/" + version.Version }

// WebFetch performs HTTP GET requests.
type WebFetch struct {
	Client *http.Client
}

func (t *WebFetch) Name() string        { return "web_fetch" }
func (t *WebFetch) Capability() string  { return "web" }
func (t *WebFetch) Description() string { return "Fetch content from a URL via HTTP GET" }
func (t *WebFetch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "minLength": 1, "description": "URL to fetch"},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetch) Execute(ctx context.Context, args map[string]any) (any, error) {
	target, _ := args["url"].(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := httpClient(t.Client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
	}, nil
}

// WebSearch queries a SearXNG-compatible JSON search endpoint.
type WebSearch struct {
	Endpoint string
	Client   *http.Client
}

func (t *WebSearch) Name() string        { return "web_search" }
func (t *WebSearch) Capability() string  { return "search" }
func (t *WebSearch) Description() string { return "Search the web and return result titles, URLs and snippets" }
func (t *WebSearch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "minLength": 1},
			"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
		},
		"required": []any{"query"},
	}
}

type searchResponse struct {
	Results []SearchHit `json:"results"`
}

// SearchHit is one web_search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"content"`
}

func (t *WebSearch) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.Endpoint == "" {
		return nil, fmt.Errorf("no search endpoint configured")
	}
	query, _ := args["query"].(string)
	limit := 10
	if v, ok := args["max_results"].(float64); ok && v > 0 {
		limit = int(v)
	} else if v, ok := args["max_results"].(int); ok && v > 0 {
		limit = v
	}

	u, err := url.Parse(t.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient(t.Client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: unexpected status %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchBytes)).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := sr.Results
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	return map[string]any{"query": query, "results": hits}, nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}
