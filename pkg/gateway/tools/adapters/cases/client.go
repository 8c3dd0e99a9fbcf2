// Package cases reads the public case catalogue.
package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const slugPlaceholder = "{slug}"

type Client struct {
	listURL    string
	detailURL  string
	httpClient *http.Client
}

// NewClient takes the list endpoint and a detail endpoint template
// containing "{slug}".
func NewClient(listURL, detailURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		listURL:    strings.TrimSpace(listURL),
		detailURL:  strings.TrimSpace(detailURL),
		httpClient: httpClient,
	}
}

func (c *Client) ListCases(ctx context.Context) (any, error) {
	return c.getJSON(ctx, c.listURL)
}

func (c *Client) CaseDetails(ctx context.Context, slug string) (any, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, fmt.Errorf("slug is required")
	}
	if !strings.Contains(c.detailURL, slugPlaceholder) {
		return nil, fmt.Errorf("case detail url has no %s placeholder", slugPlaceholder)
	}
	return c.getJSON(ctx, strings.ReplaceAll(c.detailURL, slugPlaceholder, url.PathEscape(slug)))
}

func (c *Client) getJSON(ctx context.Context, target string) (any, error) {
	if target == "" {
		return nil, fmt.Errorf("url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("cases error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}
