package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/attestgateway/internal/aggregator"
	"github.com/gateway-fm/attestgateway/internal/cache"
	"github.com/gateway-fm/attestgateway/internal/metrics"
	"github.com/gateway-fm/attestgateway/internal/network"
	"github.com/gateway-fm/attestgateway/internal/storage"
	"github.com/gateway-fm/attestgateway/pkg/types"
)

const testAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type stubClient struct {
	mu     sync.Mutex
	counts map[string]uint64
	errs   map[string]error
	calls  int
}

func (c *stubClient) FetchCount(_ context.Context, n network.Network, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.errs[n.ID]; err != nil {
		return 0, err
	}
	return c.counts[n.ID], nil
}

func testRegistry(t *testing.T) *network.Registry {
	t.Helper()
	reg, err := network.NewRegistry("",
		network.Network{ID: "A", Name: "alpha", URL: "http://a.invalid/graphql"},
		network.Network{ID: "B", Name: "beta", URL: "http://b.invalid/graphql"},
		network.Network{ID: "C", Name: "gamma", URL: "http://c.invalid/graphql"},
	)
	require.NoError(t, err)
	return reg
}

func setupTestServer(t *testing.T, client *stubClient, opts ...ServerOption) (*aggregator.Aggregator, http.Handler) {
	t.Helper()
	agg := aggregator.New(testRegistry(t), client, cache.New(100))
	srv := NewServer(agg, nil, "*", opts...)
	return agg, srv.Handler()
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestCountAttestations(t *testing.T) {
	client := &stubClient{counts: map[string]uint64{"A": 5}}
	_, h := setupTestServer(t, client)

	w := doGet(t, h, "/countAttestations/A/"+testAddr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp types.CountResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, uint64(5), resp.Count)

	// Second request is served from the cache.
	w = doGet(t, h, "/countAttestations/A/"+testAddr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, client.calls)
}

func TestCountAttestations_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		category types.ErrorCategory
	}{
		{"unknown network", "/countAttestations/999/" + testAddr, types.CategoryUnknownNetwork},
		{"invalid address", "/countAttestations/A/0x1234", types.CategoryInvalidAddress},
		{"bad checksum", "/countAttestations/A/0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", types.CategoryInvalidAddress},
		{"unknown network wins over bad address", "/countAttestations/999/nope", types.CategoryUnknownNetwork},
		{"missing address", "/countAttestations/A/", types.CategoryMissingAddress},
		{"missing address no slash", "/countAttestations/A", types.CategoryMissingAddress},
		{"unknown network without address", "/countAttestations/999/", types.CategoryUnknownNetwork},
		{"padded address", "/countAttestations/A/%20" + testAddr, types.CategoryInvalidAddress},
		{"uppercase prefix", "/countAttestations/A/0X5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", types.CategoryInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &stubClient{}
			_, h := setupTestServer(t, client)

			w := doGet(t, h, tt.path)
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.category, resp.Category)
			assert.NotEmpty(t, resp.Error)
			assert.Zero(t, client.calls)
		})
	}
}

func TestCountAttestations_UpstreamFailureIsSoft(t *testing.T) {
	client := &stubClient{errs: map[string]error{"A": errors.New("boom")}}
	_, h := setupTestServer(t, client)

	w := doGet(t, h, "/countAttestations/A/"+testAddr)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.CountResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Zero(t, resp.Count)
}

func TestCountAllAttestations(t *testing.T) {
	client := &stubClient{
		counts: map[string]uint64{"A": 5, "B": 3},
		errs:   map[string]error{"C": errors.New("registry down")},
	}
	_, h := setupTestServer(t, client)

	w := doGet(t, h, "/countAllAttestations/"+testAddr)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.CountAllResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []types.NetworkCount{
		{Network: "A", Count: 5},
		{Network: "B", Count: 3},
		{Network: "C", Count: 0},
	}, resp.Counts)
	assert.Equal(t, uint64(8), resp.TotalCount)
}

func TestCountAllAttestations_BadInput(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		category types.ErrorCategory
	}{
		{"missing address", "/countAllAttestations/", types.CategoryMissingAddress},
		{"missing address no slash", "/countAllAttestations", types.CategoryMissingAddress},
		{"invalid address", "/countAllAttestations/not-an-address", types.CategoryInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &stubClient{}
			_, h := setupTestServer(t, client)

			w := doGet(t, h, tt.path)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.category, decodeError(t, w).Category)
			assert.Zero(t, client.calls)
		})
	}
}

func TestNetworks(t *testing.T) {
	_, h := setupTestServer(t, &stubClient{})

	w := doGet(t, h, "/v1/networks")
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.NetworksResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Networks, 3)
	assert.Equal(t, types.NetworkInfo{ID: "A", Name: "alpha", Endpoint: "http://a.invalid/graphql"}, resp.Networks[0])
	assert.Equal(t, "C", resp.Networks[2].ID)
}

func TestCacheStats(t *testing.T) {
	_, h := setupTestServer(t, &stubClient{counts: map[string]uint64{"A": 1}})

	doGet(t, h, "/countAttestations/A/"+testAddr)
	doGet(t, h, "/countAttestations/A/"+testAddr)

	w := doGet(t, h, "/v1/cache/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.CacheStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 100, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestLookups_StorageDisabled(t *testing.T) {
	_, h := setupTestServer(t, &stubClient{})

	w := doGet(t, h, "/v1/lookups")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, types.CategoryStorageDisabled, decodeError(t, w).Category)
}

func TestLookups(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "lookups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	other := "0x0000000000000000000000000000000000000001"
	now := time.Now().UTC()
	require.NoError(t, store.BulkInsertLookups(context.Background(), []types.LookupEvent{
		{Network: "A", Address: testAddr, Count: 5, Success: true, Timestamp: now},
		{Network: "B", Address: testAddr, Success: false, Error: "timeout", Timestamp: now.Add(time.Second)},
		{Network: "A", Address: other, Count: 1, Success: true, Timestamp: now.Add(2 * time.Second)},
	}))

	_, h := setupTestServer(t, &stubClient{}, WithStorage(store))

	w := doGet(t, h, "/v1/lookups?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var page types.PaginatedLookups
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Lookups, 2)
	assert.Equal(t, "B", page.Lookups[1].Network)

	// Filter accepts any accepted spelling of the address.
	w = doGet(t, h, "/v1/lookups?address=0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.Equal(t, http.StatusOK, w.Code)
	page = types.PaginatedLookups{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Equal(t, 2, page.Total)

	w = doGet(t, h, "/v1/lookups?address=zzz")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CategoryInvalidAddress, decodeError(t, w).Category)

	// Oversized limits are capped, not reset to the default.
	w = doGet(t, h, "/v1/lookups?limit=500")
	require.Equal(t, http.StatusOK, w.Code)
	page = types.PaginatedLookups{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Equal(t, maxLookupLimit, page.Limit)
	assert.Len(t, page.Lookups, 3)

	w = doGet(t, h, "/v1/lookups?limit=-1")
	require.Equal(t, http.StatusOK, w.Code)
	page = types.PaginatedLookups{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Equal(t, defaultLookupLimit, page.Limit)
}

func TestCORS(t *testing.T) {
	t.Run("allow all", func(t *testing.T) {
		_, h := setupTestServer(t, &stubClient{})
		req := httptest.NewRequest(http.MethodOptions, "/countAllAttestations/"+testAddr, nil)
		req.Header.Set("Origin", "https://app.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("restricted", func(t *testing.T) {
		agg := aggregator.New(testRegistry(t), &stubClient{}, cache.New(10))
		h := NewServer(agg, nil, "https://a.example, https://b.example").Handler()

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://b.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, "https://b.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestParseCORSOrigins(t *testing.T) {
	assert.True(t, parseCORSOrigins("").allowAll)
	assert.True(t, parseCORSOrigins(" * ").allowAll)

	p := parseCORSOrigins("https://a.example, ,https://b.example")
	assert.False(t, p.allowAll)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, p.origins)
	assert.True(t, p.allows("https://a.example"))
	assert.False(t, p.allows("https://c.example"))
}

func TestHealthAndReady(t *testing.T) {
	_, h := setupTestServer(t, &stubClient{})

	w := doGet(t, h, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])

	w = doGet(t, h, "/ready")
	require.Equal(t, http.StatusOK, w.Code)
	var ready struct {
		Ready    bool             `json:"ready"`
		Networks int              `json:"networks"`
		Checks   []ReadinessCheck `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, 3, ready.Networks)
	require.Len(t, ready.Checks, 2)
	assert.Equal(t, "disabled", ready.Checks[1].Status)
}

func TestReady_StorageFailure(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "lookups.db"))
	require.NoError(t, err)
	store.Close()

	_, h := setupTestServer(t, &stubClient{}, WithStorage(store))

	w := doGet(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg, []string{"A", "B", "C"})
	_, h := setupTestServer(t, &stubClient{counts: map[string]uint64{"A": 2}}, WithRequestMetrics(m))

	doGet(t, h, "/countAttestations/A/"+testAddr)
	doGet(t, h, "/countAttestations/999/"+testAddr)
	doGet(t, h, "/nope")

	route := "/countAttestations/{network}/{address}"
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(route, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(route, "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "404")))
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	_, h := setupTestServer(t, &stubClient{})

	w := doGet(t, h, "/v1/unknown")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.CategoryNotFound, decodeError(t, w).Category)

	req := httptest.NewRequest(http.MethodPost, "/v1/networks", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, types.CategoryMethodNotAllowed, decodeError(t, w).Category)
}
