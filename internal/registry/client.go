// Package registry queries EAS attestation registries for the number of
// attestations involving an address.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/attestgateway/internal/network"
)

// aggregateQuery counts attestations matching a where filter without
// returning the records themselves.
const aggregateQuery = `
  query AggregateAttestation($where: AttestationWhereInput) {
    aggregateAttestation(where: $where) {
      _count {
        _all
      }
    }
  }
`

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 1 << 20

// Client is the interface for counting attestations on one network.
type Client interface {
	// FetchCount returns the number of attestations where addr is either the
	// attester or the recipient. It issues exactly one upstream request.
	FetchCount(ctx context.Context, n network.Network, addr common.Address) (uint64, error)
}

// GraphQLRequest is the POST body sent to the registry.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables QueryVariables `json:"variables"`
}

// QueryVariables carries the where filter.
type QueryVariables struct {
	Where AttestationWhere `json:"where"`
}

// AttestationWhere is an OR over attester/recipient equality.
type AttestationWhere struct {
	OR []AttestationFilter `json:"OR"`
}

// AttestationFilter filters on one attestation role.
type AttestationFilter struct {
	Attester  *EqualsFilter `json:"attester,omitempty"`
	Recipient *EqualsFilter `json:"recipient,omitempty"`
}

// EqualsFilter is a Prisma-style equality filter.
type EqualsFilter struct {
	Equals string `json:"equals"`
}

// GraphQLResponse is the subset of the registry response the client reads.
// Pointers distinguish a missing field from a zero count.
type GraphQLResponse struct {
	Data *struct {
		AggregateAttestation *struct {
			Count *struct {
				All *uint64 `json:"_all"`
			} `json:"_count"`
		} `json:"aggregateAttestation"`
	} `json:"data"`
	Errors []GraphQLErrorEntry `json:"errors,omitempty"`
}

// GraphQLErrorEntry is one entry of a GraphQL errors array.
type GraphQLErrorEntry struct {
	Message string `json:"message"`
}

// NewCountRequest builds the aggregate-count request for addr.
// The address is sent in checksum form.
func NewCountRequest(addr common.Address) GraphQLRequest {
	hex := addr.Hex()
	return GraphQLRequest{
		Query: aggregateQuery,
		Variables: QueryVariables{
			Where: AttestationWhere{
				OR: []AttestationFilter{
					{Attester: &EqualsFilter{Equals: hex}},
					{Recipient: &EqualsFilter{Equals: hex}},
				},
			},
		},
	}
}

// ClientConfig holds configuration for the GraphQL client.
type ClientConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout: 10 * time.Second,
	}
}

// GraphQLClient implements Client over HTTP POST.
type GraphQLClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGraphQLClient creates a new GraphQL registry client.
func NewGraphQLClient(cfg ClientConfig) *GraphQLClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GraphQLClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}
}

// FetchCount implements Client.
func (c *GraphQLClient) FetchCount(ctx context.Context, n network.Network, addr common.Address) (uint64, error) {
	body, err := json.Marshal(NewCountRequest(addr))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("registry responded",
		slog.String("network", n.ID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	return parseCount(respBody)
}

// parseCount extracts data.aggregateAttestation._count._all.
func parseCount(body []byte) (uint64, error) {
	var gqlResp GraphQLResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(gqlResp.Errors) > 0 {
		return 0, &GraphQLError{Message: gqlResp.Errors[0].Message, Count: len(gqlResp.Errors)}
	}

	d := gqlResp.Data
	if d == nil || d.AggregateAttestation == nil || d.AggregateAttestation.Count == nil || d.AggregateAttestation.Count.All == nil {
		return 0, ErrMissingField
	}
	return *d.AggregateAttestation.Count.All, nil
}
