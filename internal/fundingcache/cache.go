// Package fundingcache implements component C, the Funding-Rate Cache: a
// shared, periodically-refreshed cache of annualized funding rates across
// every configured venue. Refreshing queries every venue; no live trade
// ever blocks on a cold cache — WarmSync seeds it synchronously at startup,
// Get never blocks, and every refresh Get triggers happens in the background.
//
// The reference implementation behind this package is a module-level
// singleton refreshed by a detached daemon thread. That pattern collides
// with this system's goroutine-per-unit-of-work design, so here the cache
// is an explicitly constructed value every caller receives by injection
// (one instance, shared), and "background, non-blocking" becomes a
// supervised goroutine bounded by ctx rather than a fire-and-forget thread.
package fundingcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"hedged/internal/venue"
)

const defaultTTL = 30 * time.Minute

// refreshRPS/refreshBurst bound how fast refresh fans out GetFundingRate
// calls across every tracked symbol — paced the way restadapter paces its
// own outbound calls, just against the cache's own refresh loop instead of
// a single venue's REST surface.
const (
	refreshRPS   = 10
	refreshBurst = 20
)

type entry struct {
	rateAPY   float64
	updatedAt time.Time
}

// Cache holds the latest annualized funding rate per (venue, symbol),
// refreshed in the background from a registered set of adapters when a read
// finds the oldest entry older than the TTL.
type Cache struct {
	adapters []venue.Adapter
	ttl      time.Duration
	logger   *slog.Logger

	limiter *xrate.Limiter // paces refresh's GetFundingRate fan-out

	mu     sync.RWMutex
	data   map[string]map[string]entry // venue -> symbol -> entry
	seeded []string                    // configured symbols; seeds a cold cache's first refresh

	updatingMu sync.Mutex
	updating   bool
}

// New builds a funding-rate cache over the given adapters and the symbol
// universe it should track. ttl <= 0 uses the default (30 minutes),
// matching the reference system's update_interval. symbols seeds
// knownSymbols() so a background refresh on a still-empty cache has
// something to query instead of silently no-opping.
func New(adapters []venue.Adapter, ttl time.Duration, symbols []string, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		adapters: adapters,
		ttl:      ttl,
		seeded:   symbols,
		limiter:  xrate.NewLimiter(refreshRPS, refreshBurst),
		logger:   logger.With("component", "fundingcache"),
		data:     make(map[string]map[string]entry),
	}
}

// Get returns the cached annualized funding rate for (venueName, symbol).
// If the cache is stale or empty it triggers a non-blocking background
// refresh and returns the existing value (if any) in the meantime — a cold
// cache returns (0, false) rather than blocking the caller.
func (c *Cache) Get(venueName, symbol string) (float64, bool) {
	if c.shouldRefresh() {
		c.refreshAsync()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	venueMap, ok := c.data[venueName]
	if !ok {
		return 0, false
	}
	e, ok := venueMap[symbol]
	if !ok {
		return 0, false
	}
	return e.rateAPY, true
}

// WarmSync blocks until the first refresh completes — used at startup so
// the searcher's first scan isn't forced to treat every opportunity as
// missing funding data.
func (c *Cache) WarmSync(ctx context.Context, symbols []string) {
	c.refresh(ctx, symbols)
}

func (c *Cache) shouldRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.data) == 0 {
		return true
	}
	var oldest time.Time
	for _, venueMap := range c.data {
		for _, e := range venueMap {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
	}
	return time.Since(oldest) >= c.ttl
}

func (c *Cache) refreshAsync() {
	c.updatingMu.Lock()
	if c.updating {
		c.updatingMu.Unlock()
		return
	}
	c.updating = true
	c.updatingMu.Unlock()

	go func() {
		defer func() {
			c.updatingMu.Lock()
			c.updating = false
			c.updatingMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		c.refresh(ctx, c.knownSymbols())
	}()
}

// knownSymbols returns the symbols the next refresh should query: every
// symbol already cached, union'd with the configured seed list so a still
// -cold cache (data empty) doesn't hand refresh an empty slice and silently
// no-op forever.
func (c *Cache) knownSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	for _, sym := range c.seeded {
		seen[sym] = true
	}
	for _, venueMap := range c.data {
		for sym := range venueMap {
			seen[sym] = true
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	return out
}

// refresh queries every adapter for every symbol. A single venue's failure
// is logged and that venue's entries are simply left stale — it never
// aborts the whole refresh (per-source failure isolation).
func (c *Cache) refresh(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	now := time.Now()

	for _, a := range c.adapters {
		venueMap := make(map[string]entry, len(symbols))
		failed := 0
		for _, sym := range symbols {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			apy, err := a.GetFundingRate(ctx, sym, true)
			if err != nil {
				failed++
				continue
			}
			venueMap[sym] = entry{rateAPY: apy, updatedAt: now}
		}
		if failed > 0 {
			c.logger.Warn("funding rate refresh partial failure",
				"venue", a.Name(), "failed", failed, "total", len(symbols))
		}
		if len(venueMap) == 0 {
			continue
		}

		c.mu.Lock()
		if c.data[a.Name()] == nil {
			c.data[a.Name()] = make(map[string]entry)
		}
		for sym, e := range venueMap {
			c.data[a.Name()][sym] = e
		}
		c.mu.Unlock()
	}
}
