// Package mcp provides MCP server tools for the attestation gateway.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

// Client is a thin HTTP client for the gateway API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new gateway client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Category   types.ErrorCategory
	Message    string
}

func (e *APIError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Category, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Get performs a GET request and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er types.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Category = er.Category
			apiErr.Message = er.Error
		}
		return nil, apiErr
	}

	return json.RawMessage(body), nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	raw, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Count returns the attestation count of address on one network.
func (c *Client) Count(ctx context.Context, networkID, address string) (*types.CountResponse, error) {
	var resp types.CountResponse
	path := "/countAttestations/" + url.PathEscape(networkID) + "/" + url.PathEscape(address)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CountAll returns the per-network counts of address and their total.
func (c *Client) CountAll(ctx context.Context, address string) (*types.CountAllResponse, error) {
	var resp types.CountAllResponse
	if err := c.getJSON(ctx, "/countAllAttestations/"+url.PathEscape(address), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Networks lists the configured networks.
func (c *Client) Networks(ctx context.Context) (*types.NetworksResponse, error) {
	var resp types.NetworksResponse
	if err := c.getJSON(ctx, "/v1/networks", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CacheStats returns the gateway cache statistics.
func (c *Client) CacheStats(ctx context.Context) (*types.CacheStats, error) {
	var resp types.CacheStats
	if err := c.getJSON(ctx, "/v1/cache/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lookups returns one page of the lookup log.
func (c *Client) Lookups(ctx context.Context, address string, limit, offset int) (*types.PaginatedLookups, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if address != "" {
		q.Set("address", address)
	}
	path := "/v1/lookups"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp types.PaginatedLookups
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
