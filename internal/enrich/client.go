package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves a Calendly resource by URI. The worker treats any error
// as "no enrichment available".
type Fetcher interface {
	FetchResource(ctx context.Context, uri, token string) (map[string]any, error)
}

// Client fetches Calendly resources over HTTP with a bounded timeout.
type Client struct {
	client *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{client: &http.Client{Timeout: timeout}}
}

// FetchResource GETs a resource URI and returns its "resource" object.
// Calendly wraps single resources as {"resource": {...}}.
func (c *Client) FetchResource(ctx context.Context, uri, token string) (map[string]any, error) {
	if uri == "" {
		return map[string]any{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("enrichment fetch %s: %w", uri, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("enrichment fetch %s: read body: %w", uri, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrichment fetch %s: unexpected status %d", uri, resp.StatusCode)
	}

	var parsed struct {
		Resource map[string]any `json:"resource"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("enrichment fetch %s: decode: %w", uri, err)
	}
	if parsed.Resource == nil {
		return map[string]any{}, nil
	}
	return parsed.Resource, nil
}
