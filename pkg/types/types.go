// Package types contains public API types for the attestation gateway.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// ErrorCategory is a short machine-stable error classifier returned to callers.
type ErrorCategory string

const (
	CategoryInvalidAddress   ErrorCategory = "invalid_address"
	CategoryMissingAddress   ErrorCategory = "missing_address"
	CategoryUnknownNetwork   ErrorCategory = "unknown_network"
	CategoryStorageDisabled  ErrorCategory = "storage_disabled"
	CategoryNotFound         ErrorCategory = "not_found"
	CategoryMethodNotAllowed ErrorCategory = "method_not_allowed"
	CategoryInternal         ErrorCategory = "internal"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error    string        `json:"error"`
	Category ErrorCategory `json:"category"`
}

// CountResponse is returned by GET /countAttestations/{network}/{address}.
type CountResponse struct {
	Count uint64 `json:"count"`
}

// NetworkCount is one entry of an aggregate result.
type NetworkCount struct {
	Network string `json:"network"`
	Count   uint64 `json:"count"`
}

// CountAllResponse is returned by GET /countAllAttestations/{address}.
// Counts follow the configured network order, not completion order.
type CountAllResponse struct {
	Counts     []NetworkCount `json:"counts"`
	TotalCount uint64         `json:"totalCount"`
}

// NetworkInfo describes one configured attestation registry.
type NetworkInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// NetworksResponse is returned by GET /v1/networks.
type NetworksResponse struct {
	Networks []NetworkInfo `json:"networks"`
}

// CacheStats is a point-in-time snapshot of the count cache.
type CacheStats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRatio    float64 `json:"hitRatio"`
}

// LookupEvent records the outcome of a single upstream registry query.
type LookupEvent struct {
	Network   string    `json:"network"`
	Address   string    `json:"address"`
	Count     uint64    `json:"count"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`
}

// PaginatedLookups is returned by GET /v1/lookups.
type PaginatedLookups struct {
	Lookups []LookupEvent `json:"lookups"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}
