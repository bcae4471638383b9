// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/attestgateway/internal/address"
	"github.com/gateway-fm/attestgateway/internal/aggregator"
	"github.com/gateway-fm/attestgateway/internal/network"
	"github.com/gateway-fm/attestgateway/internal/storage"
	"github.com/gateway-fm/attestgateway/pkg/types"
)

// Pagination limits for the lookup log.
const (
	defaultLookupLimit = 50
	maxLookupLimit     = 100
)

// CountService defines the aggregator operations the handlers need.
type CountService interface {
	CountFor(ctx context.Context, networkID, rawAddress string) (uint64, error)
	CountForAll(ctx context.Context, rawAddress string) (*aggregator.Result, error)
	Networks() *network.Registry
	CacheStats() types.CacheStats
}

// RequestRecorder records per-route request metrics.
type RequestRecorder interface {
	RecordHTTPRequest(route string, code int, latencySeconds float64)
	SetCacheEntries(n int)
}

// Server handles HTTP requests for the gateway.
type Server struct {
	svc       CountService
	store     storage.Storage // nil when the lookup log is disabled
	hub       *Hub
	metrics   RequestRecorder
	logger    *slog.Logger
	startTime time.Time
	cors      corsPolicy
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStorage enables the lookup log endpoint.
func WithStorage(store storage.Storage) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithHub serves the lookup feed at /v1/ws.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) { s.hub = hub }
}

// WithRequestMetrics records every request through m.
func WithRequestMetrics(m RequestRecorder) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(svc CountService, logger *slog.Logger, corsAllowedOrigins string, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		svc:       svc,
		logger:    logger,
		startTime: time.Now(),
		cors:      parseCORSOrigins(corsAllowedOrigins),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/countAttestations/{network}/{address}", s.handleCount)
	r.Get("/countAttestations/{network}", s.handleCount)
	r.Get("/countAttestations/{network}/", s.handleCount)
	r.Get("/countAllAttestations/{address}", s.handleCountAll)
	r.Get("/countAllAttestations", s.handleCountAll)
	r.Get("/countAllAttestations/", s.handleCountAll)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/networks", s.handleNetworks)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/lookups", s.handleLookups)
		if s.hub != nil {
			r.Get("/ws", s.hub.Handler())
		}
	})

	// Health endpoints (unversioned - standard Kubernetes probes)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	r.Get("/metrics", s.handleMetrics)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "Not found", types.CategoryNotFound, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "Method not allowed", types.CategoryMethodNotAllowed, http.StatusMethodNotAllowed)
	})

	return r
}

// corsPolicy is the parsed CORS_ALLOWED_ORIGINS setting.
type corsPolicy struct {
	allowAll bool     // True if "*" or empty (allow all origins)
	origins  []string // Parsed list of allowed origins
}

func parseCORSOrigins(raw string) corsPolicy {
	origins := strings.TrimSpace(raw)
	if origins == "" || origins == "*" {
		return corsPolicy{allowAll: true}
	}
	p := corsPolicy{}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			p.origins = append(p.origins, o)
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	for _, o := range p.origins {
		if o == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.cors.allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && s.cors.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request count and latency by route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(route, code, time.Since(start).Seconds())
	})
}

// handleCount returns the attestation count for one network.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	networkID := chi.URLParam(r, "network")
	addr := chi.URLParam(r, "address")

	count, err := s.svc.CountFor(r.Context(), networkID, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CountResponse{Count: count})
}

// handleCountAll returns per-network counts and their total.
func (s *Server) handleCountAll(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")

	res, err := s.svc.CountForAll(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CountAllResponse{
		Counts:     res.Counts,
		TotalCount: res.Total,
	})
}

// handleNetworks lists the configured networks in query order.
func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	nets := s.svc.Networks().All()
	resp := types.NetworksResponse{Networks: make([]types.NetworkInfo, len(nets))}
	for i, n := range nets {
		resp.Networks[i] = types.NetworkInfo{ID: n.ID, Name: n.Name, Endpoint: n.URL}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

// handleLookups returns the lookup log with optional pagination and
// address filter.
func (s *Server) handleLookups(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, "Lookup log is disabled", types.CategoryStorageDisabled, http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	limit := defaultLookupLimit
	offset := 0

	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = min(l, maxLookupLimit)
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	var filter string
	if raw := q.Get("address"); raw != "" {
		addr, err := address.Canonicalize(raw)
		if err != nil {
			writeJSONError(w, err.Error(), types.CategoryInvalidAddress, http.StatusBadRequest)
			return
		}
		filter = strings.ToLower(addr.Hex())
	}

	result, err := s.store.ListLookups(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("Failed to list lookups", slog.String("error", err.Error()))
		writeJSONError(w, "Failed to list lookups", types.CategoryInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMetrics refreshes the cache gauge and serves the Prometheus registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.SetCacheEntries(s.svc.CacheStats().Size)
	}
	promhttp.Handler().ServeHTTP(w, r)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "disabled", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes. Registry availability is not
// checked: a broken registry degrades counts, it does not make the gateway
// unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	allHealthy := true
	checks := []ReadinessCheck{{Name: "cache", Status: "ok"}}

	storeCheck := ReadinessCheck{Name: "lookup-log", Status: "disabled"}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := s.store.Ping(ctx)
		cancel()

		storeCheck.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			storeCheck.Status = "failed"
			storeCheck.Error = err.Error()
			allHealthy = false
		} else {
			storeCheck.Status = "ok"
		}
	}
	checks = append(checks, storeCheck)

	code := http.StatusOK
	if !allHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":    allHealthy,
		"networks": s.svc.Networks().Len(),
		"checks":   checks,
	})
}

// writeError maps a service error to a status code and category.
// Unexpected errors are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aggregator.ErrMissingAddress):
		writeJSONError(w, err.Error(), types.CategoryMissingAddress, http.StatusBadRequest)
	case errors.Is(err, address.ErrInvalidAddress):
		writeJSONError(w, err.Error(), types.CategoryInvalidAddress, http.StatusBadRequest)
	case errors.Is(err, aggregator.ErrUnknownNetwork):
		writeJSONError(w, err.Error(), types.CategoryUnknownNetwork, http.StatusBadRequest)
	default:
		s.logger.Error("Request failed", slog.String("error", err.Error()))
		writeJSONError(w, "Internal error", types.CategoryInternal, http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, category types.ErrorCategory, statusCode int) {
	writeJSON(w, statusCode, types.ErrorResponse{Error: message, Category: category})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
