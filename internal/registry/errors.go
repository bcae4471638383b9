package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrMalformedResponse is returned when the response body is not valid JSON
	// of the expected shape.
	ErrMalformedResponse = errors.New("malformed registry response")

	// ErrMissingField is returned when the count field is absent.
	ErrMissingField = errors.New("registry response missing aggregateAttestation._count._all")
)

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// GraphQLError is returned when the registry answers with a GraphQL errors array.
type GraphQLError struct {
	Message string
	Count   int
}

func (e *GraphQLError) Error() string {
	if e.Count > 1 {
		return fmt.Sprintf("GraphQL error: %s (and %d more)", e.Message, e.Count-1)
	}
	return "GraphQL error: " + e.Message
}

// Reason classifies a FetchCount error into a low-cardinality label for
// metrics and logs.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var statusErr *HTTPStatusError
	var gqlErr *GraphQLError
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &statusErr):
		return "http_status"
	case errors.As(err, &gqlErr):
		return "graphql"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "transport"
	}
}
