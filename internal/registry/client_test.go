package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/attestgateway/internal/network"
)

var testAddr = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

func newTestNetwork(url string) network.Network {
	return network.Network{ID: "10", Name: "optimism", URL: url}
}

func TestFetchCountRequestShape(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Query     string `json:"query"`
			Variables struct {
				Where struct {
					OR []map[string]map[string]string `json:"OR"`
				} `json:"where"`
			} `json:"variables"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("invalid request body: %v", err)
		}
		if !strings.Contains(req.Query, "aggregateAttestation(where: $where)") {
			t.Errorf("unexpected query: %s", req.Query)
		}
		or := req.Variables.Where.OR
		if len(or) != 2 {
			t.Fatalf("expected 2 OR filters, got %d", len(or))
		}
		if or[0]["attester"]["equals"] != testAddr.Hex() {
			t.Errorf("attester filter = %v", or[0])
		}
		if or[1]["recipient"]["equals"] != testAddr.Hex() {
			t.Errorf("recipient filter = %v", or[1])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"aggregateAttestation":{"_count":{"_all":17}}}}`))
	}))
	defer srv.Close()

	c := NewGraphQLClient(DefaultClientConfig())
	count, err := c.FetchCount(context.Background(), newTestNetwork(srv.URL), testAddr)
	if err != nil {
		t.Fatalf("FetchCount: %v", err)
	}
	if count != 17 {
		t.Errorf("count = %d, want 17", count)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", calls.Load())
	}
}

func TestFetchCountZeroIsNotMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"aggregateAttestation":{"_count":{"_all":0}}}}`))
	}))
	defer srv.Close()

	c := NewGraphQLClient(DefaultClientConfig())
	count, err := c.FetchCount(context.Background(), newTestNetwork(srv.URL), testAddr)
	if err != nil {
		t.Fatalf("FetchCount: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestFetchCountFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "non-2xx",
			status:     http.StatusBadGateway,
			body:       "upstream down",
			wantReason: "http_status",
			check: func(t *testing.T, err error) {
				var se *HTTPStatusError
				if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
					t.Errorf("expected HTTPStatusError 502, got %v", err)
				}
			},
		},
		{
			name:       "malformed body",
			status:     http.StatusOK,
			body:       "<html>oops</html>",
			wantReason: "malformed",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Errorf("expected ErrMalformedResponse, got %v", err)
				}
			},
		},
		{
			name:       "missing count field",
			status:     http.StatusOK,
			body:       `{"data":{"aggregateAttestation":{}}}`,
			wantReason: "missing_field",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrMissingField) {
					t.Errorf("expected ErrMissingField, got %v", err)
				}
			},
		},
		{
			name:       "null data",
			status:     http.StatusOK,
			body:       `{"data":null}`,
			wantReason: "missing_field",
		},
		{
			name:       "graphql errors",
			status:     http.StatusOK,
			body:       `{"errors":[{"message":"bad filter"},{"message":"other"}]}`,
			wantReason: "graphql",
			check: func(t *testing.T, err error) {
				var ge *GraphQLError
				if !errors.As(err, &ge) {
					t.Fatalf("expected GraphQLError, got %v", err)
				}
				if ge.Error() != "GraphQL error: bad filter (and 1 more)" {
					t.Errorf("unexpected message %q", ge.Error())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewGraphQLClient(DefaultClientConfig())
			count, err := c.FetchCount(context.Background(), newTestNetwork(srv.URL), testAddr)
			if err == nil {
				t.Fatalf("expected error, got count %d", count)
			}
			if got := Reason(err); got != tt.wantReason {
				t.Errorf("Reason() = %q, want %q (err: %v)", got, tt.wantReason, err)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestFetchCountTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewGraphQLClient(DefaultClientConfig())
	_, err := c.FetchCount(context.Background(), newTestNetwork(url), testAddr)
	if err == nil {
		t.Fatal("expected transport error for closed server")
	}
	if got := Reason(err); got != "transport" {
		t.Errorf("Reason() = %q, want transport", got)
	}
}

func TestFetchCountTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewGraphQLClient(ClientConfig{Timeout: 50 * time.Millisecond})
	_, err := c.FetchCount(context.Background(), newTestNetwork(srv.URL), testAddr)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := Reason(err); got != "timeout" {
		t.Errorf("Reason() = %q, want timeout (err: %v)", got, err)
	}
}

func TestFetchCountContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewGraphQLClient(DefaultClientConfig())
	_, err := c.FetchCount(ctx, newTestNetwork(srv.URL), testAddr)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := Reason(err); got != "canceled" {
		t.Errorf("Reason() = %q, want canceled", got)
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
	}{
		{
			name:       "with body",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
		},
		{
			name:       "without body",
			err:        HTTPStatusError{StatusCode: 502},
			wantString: "HTTP 502: Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
		})
	}
}

func TestReasonNil(t *testing.T) {
	if Reason(nil) != "" {
		t.Error("Reason(nil) should be empty")
	}
}
