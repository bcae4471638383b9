// Package aggregator answers attestation-count queries by consulting the
// count cache first and falling through to the network's registry on a miss.
//
// All-networks queries fan out one goroutine per configured network and
// join them before summing. A broken registry degrades to a zero count for
// its network; it never fails the request.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/attestgateway/internal/address"
	"github.com/gateway-fm/attestgateway/internal/cache"
	"github.com/gateway-fm/attestgateway/internal/network"
	"github.com/gateway-fm/attestgateway/internal/registry"
	"github.com/gateway-fm/attestgateway/pkg/types"
)

// DefaultTTL is how long a fetched count stays cached.
const DefaultTTL = time.Hour

var (
	// ErrUnknownNetwork is returned for a network ID that is not configured.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrMissingAddress is returned when no address was supplied.
	ErrMissingAddress = errors.New("address is required")
)

// Observer receives lookup notifications. Implementations must not block.
type Observer interface {
	// OnCacheLookup is called for every cache consult.
	OnCacheLookup(networkID string, hit bool)

	// OnFetch is called once per upstream registry query.
	OnFetch(ev types.LookupEvent)
}

// Result is the outcome of an all-networks query.
type Result struct {
	Counts []types.NetworkCount
	Total  uint64
}

// Aggregator coordinates the cache and the registry client.
type Aggregator struct {
	networks      *network.Registry
	client        registry.Client
	cache         *cache.TTLCache
	ttl           time.Duration
	cacheFailures bool
	fetchTimeout  time.Duration
	observers     []Observer
	logger        *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTTL sets the lifetime of cached counts.
func WithTTL(ttl time.Duration) Option {
	return func(a *Aggregator) { a.ttl = ttl }
}

// WithCacheFailures controls whether a degraded zero from a failed upstream
// call is cached like a real count. When false (the default) the next
// request retries the registry.
func WithCacheFailures(enabled bool) Option {
	return func(a *Aggregator) { a.cacheFailures = enabled }
}

// WithFetchTimeout bounds each upstream call. Zero means no per-call bound
// beyond the caller's context.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

// WithObserver adds an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Aggregator. The cache is owned by the caller and may be
// shared with other readers such as a stats endpoint.
func New(networks *network.Registry, client registry.Client, c *cache.TTLCache, opts ...Option) *Aggregator {
	a := &Aggregator{
		networks: networks,
		client:   client,
		cache:    c,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Networks returns the configured network registry.
func (a *Aggregator) Networks() *network.Registry {
	return a.networks
}

// CacheStats returns a snapshot of the count cache.
func (a *Aggregator) CacheStats() types.CacheStats {
	return a.cache.Stats()
}

// CountFor returns the attestation count for one network.
// Unknown networks and invalid addresses are rejected before the cache or
// the registry is touched. Upstream failures are not errors: they degrade to
// a zero count.
func (a *Aggregator) CountFor(ctx context.Context, networkID, rawAddress string) (uint64, error) {
	n, ok := a.networks.Get(networkID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNetwork, networkID)
	}
	addr, err := canonicalize(rawAddress)
	if err != nil {
		return 0, err
	}
	return a.lookup(ctx, n, addr), nil
}

// CountForAll queries every configured network concurrently and sums the
// results. Counts are returned in configuration order.
func (a *Aggregator) CountForAll(ctx context.Context, rawAddress string) (*Result, error) {
	addr, err := canonicalize(rawAddress)
	if err != nil {
		return nil, err
	}

	nets := a.networks.All()
	counts := make([]types.NetworkCount, len(nets))

	var g errgroup.Group
	for i, n := range nets {
		g.Go(func() error {
			counts[i] = types.NetworkCount{Network: n.ID, Count: a.lookup(ctx, n, addr)}
			return nil
		})
	}
	// lookup never fails; Wait only joins.
	_ = g.Wait()

	res := &Result{Counts: counts}
	for _, c := range counts {
		res.Total += c.Count
	}
	return res, nil
}

func canonicalize(raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, ErrMissingAddress
	}
	return address.Canonicalize(raw)
}

// lookup is the cache-first single-network path.
func (a *Aggregator) lookup(ctx context.Context, n network.Network, addr common.Address) uint64 {
	key := address.CacheKey(n.ID, addr)

	if v, ok := a.cache.Get(key); ok {
		a.notifyCache(n.ID, true)
		a.logger.Debug("cache hit", slog.String("key", key))
		return v
	}
	a.notifyCache(n.ID, false)

	count, err := a.fetch(ctx, n, addr)
	if err == nil {
		a.cache.Set(key, count, a.ttl)
		return count
	}

	if ctx.Err() != nil {
		a.logger.Debug("registry lookup abandoned",
			slog.String("network", n.ID),
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		return 0
	}

	a.logger.Warn("registry lookup failed, reporting zero",
		slog.String("network", n.ID),
		slog.String("address", addr.Hex()),
		slog.String("reason", registry.Reason(err)),
		slog.String("error", err.Error()),
	)
	if a.cacheFailures {
		a.cache.Set(key, 0, a.ttl)
	}
	return 0
}

func (a *Aggregator) fetch(ctx context.Context, n network.Network, addr common.Address) (uint64, error) {
	if a.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	count, err := a.client.FetchCount(ctx, n, addr)

	ev := types.LookupEvent{
		Network:   n.ID,
		Address:   addr.Hex(),
		Count:     count,
		Success:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: start.UTC(),
	}
	if err != nil {
		ev.Count = 0
		ev.Error = registry.Reason(err)
	}
	for _, o := range a.observers {
		o.OnFetch(ev)
	}
	return count, err
}

func (a *Aggregator) notifyCache(networkID string, hit bool) {
	for _, o := range a.observers {
		o.OnCacheLookup(networkID, hit)
	}
}
