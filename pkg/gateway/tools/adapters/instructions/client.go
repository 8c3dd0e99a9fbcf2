// Package instructions fetches the engine's system instruction text.
package instructions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: strings.TrimSpace(url), httpClient: httpClient}
}

// Fetch returns the trimmed "prompt" field of the instruction endpoint.
func (c *Client) Fetch(ctx context.Context) (string, error) {
	if c == nil || c.url == "" {
		return "", fmt.Errorf("instruction url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", fmt.Errorf("instruction fetch failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Prompt any `json:"prompt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	prompt, ok := decoded.Prompt.(string)
	if !ok {
		return "", fmt.Errorf("invalid or missing 'prompt' field")
	}
	return strings.TrimSpace(prompt), nil
}
