// aggregator.go implements component F, the Risk/Position Aggregator: a
// periodic goroutine that fetches every configured venue's margin and
// position state in parallel, builds one ExchangeInfo per venue, merges
// same-symbol positions across venues, optionally asks the searcher for
// fresh opportunities, and swaps the result into a CombinedSnapshot that
// every hedge engine reads through the ipc package's snapshot slot.
//
// A single venue's fetch failure is logged and that venue is simply
// omitted from the snapshot: the aggregator never lets one venue
// outage block every other venue's risk picture. An EMPTY snapshot (every
// venue failed) is the one case that must propagate — callers refuse to
// start on an empty first snapshot and keep the stale previous snapshot in
// steady-state, per the 31-minute staleness bound enforced by
// CombinedSnapshot.IsStale.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"hedged/internal/fundingcache"
	"hedged/internal/searcher"
	"hedged/internal/venue"
	"hedged/pkg/model"
)

// fetchRPS/fetchBurst bound how fast RefreshOnce's per-venue fan-out issues
// its four account/position calls per venue, so a large venue set doesn't
// all hit their REST endpoints in the same instant.
const (
	fetchRPS   = 20
	fetchBurst = 40
)

// Aggregator produces periodic CombinedSnapshots over a fixed set of
// venue adapters.
type Aggregator struct {
	adapters   []venue.Adapter
	thresholds map[string]model.RiskThresholds // per-venue overrides; falls back to defaults
	fundCache  *fundingcache.Cache              // optional; nil leaves Position.FundingRateAPY unset
	searcher   *searcher.Searcher               // optional; nil disables opportunity search
	symbols    []string                          // symbols to search opportunities over
	limiter    *xrate.Limiter                    // paces fetchExchangeInfo's per-venue call fan-out
	logger     *slog.Logger

	mu       sync.RWMutex
	latest   model.CombinedSnapshot
	hasFirst bool
}

// New builds an aggregator. fundCache attaches each position's annualized
// funding rate from the shared funding-rate cache; searcher and symbols may
// be left nil/empty to disable opportunity search (the aggregator still
// produces risk snapshots either way).
func New(adapters []venue.Adapter, thresholds map[string]model.RiskThresholds, fundCache *fundingcache.Cache, s *searcher.Searcher, symbols []string, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		adapters:   adapters,
		thresholds: thresholds,
		fundCache:  fundCache,
		searcher:   s,
		symbols:    symbols,
		limiter:    xrate.NewLimiter(fetchRPS, fetchBurst),
		logger:     logger.With("component", "risk_aggregator"),
	}
}

// RefreshOnce fetches and rebuilds the snapshot synchronously. Callers use
// this once at startup (so the supervisor can refuse to start on an empty
// result) and the Run loop uses it on every tick thereafter.
func (a *Aggregator) RefreshOnce(ctx context.Context) (model.CombinedSnapshot, error) {
	start := time.Now()

	type venueResult struct {
		info model.ExchangeInfo
		err  error
	}
	results := make([]venueResult, len(a.adapters))
	var wg sync.WaitGroup
	for i, ad := range a.adapters {
		wg.Add(1)
		go func(i int, ad venue.Adapter) {
			defer wg.Done()
			info, err := a.fetchExchangeInfo(ctx, ad)
			results[i] = venueResult{info: info, err: err}
		}(i, ad)
	}
	wg.Wait()

	var exchanges []model.ExchangeInfo
	for i, r := range results {
		if r.err != nil {
			a.logger.Warn("venue risk fetch failed, omitting from snapshot",
				"venue", a.adapters[i].Name(), "error", r.err)
			continue
		}
		exchanges = append(exchanges, r.info)
	}

	if len(exchanges) == 0 {
		return model.CombinedSnapshot{}, fmt.Errorf("risk aggregator: every venue fetch failed")
	}

	merged := mergePositions(exchanges)

	var opportunities []model.FundingOpportunity
	if a.searcher != nil && len(a.symbols) > 0 {
		opps, err := a.searcher.Scan(ctx, a.symbols, 0, false)
		if err != nil {
			a.logger.Warn("opportunity scan failed", "error", err)
		} else {
			opportunities = opps
		}
	}

	snapshot := model.CombinedSnapshot{
		Exchanges:     exchanges,
		Merged:        merged,
		Opportunities: opportunities,
		UpdateTime:    time.Now(),
		TimeCost:      time.Since(start),
	}

	a.mu.Lock()
	a.latest = snapshot
	a.hasFirst = true
	a.mu.Unlock()

	return snapshot, nil
}

// Latest returns the most recently computed snapshot and whether one exists yet.
func (a *Aggregator) Latest() (model.CombinedSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.hasFirst
}

// Run refreshes the snapshot every interval until ctx is cancelled. A
// failed refresh is logged and the previous snapshot is kept — it never
// exits the loop.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RefreshOnce(ctx); err != nil {
				a.logger.Error("risk refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (a *Aggregator) fetchExchangeInfo(ctx context.Context, ad venue.Adapter) (model.ExchangeInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return model.ExchangeInfo{}, fmt.Errorf("rate limit wait: %w", err)
	}
	totalMargin, err := ad.GetTotalMargin(ctx)
	if err != nil {
		return model.ExchangeInfo{}, fmt.Errorf("total margin: %w", err)
	}
	availMargin, err := ad.GetAvailableMargin(ctx)
	if err != nil {
		return model.ExchangeInfo{}, fmt.Errorf("available margin: %w", err)
	}
	mmr, err := ad.GetCrossMarginRatio(ctx)
	if err != nil {
		return model.ExchangeInfo{}, fmt.Errorf("cross margin ratio: %w", err)
	}
	positions, err := ad.GetAllCurPositions(ctx)
	if err != nil {
		return model.ExchangeInfo{}, fmt.Errorf("positions: %w", err)
	}
	a.attachFundingRates(ad.Name(), positions)

	thresholds := model.DefaultRiskThresholds()
	if t, ok := a.thresholds[ad.Name()]; ok {
		thresholds = t
	}

	return model.ExchangeInfo{
		Venue:                  ad.Name(),
		TotalMargin:            totalMargin,
		AvailableMargin:        availMargin,
		MaintenanceMarginRatio: mmr,
		Positions:              positions,
		TakerFeeRate:           ad.TakerFeeRate(),
		MakerFeeRate:           ad.MakerFeeRate(),
		Thresholds:             thresholds,
	}, nil
}

// attachFundingRates sets each position's FundingRateAPY from the shared
// funding-rate cache, keyed by (venue, symbol). A cache miss leaves the
// field nil, which mergePositions treats as "no funding data yet" rather
// than zero.
func (a *Aggregator) attachFundingRates(venueName string, positions []model.Position) {
	if a.fundCache == nil {
		return
	}
	for i := range positions {
		rate, ok := a.fundCache.Get(venueName, positions[i].Symbol)
		if !ok {
			continue
		}
		positions[i].FundingRateAPY = &rate
	}
}

// mergePositions combines same-symbol positions across venues into one
// MergedPosition per symbol.
func mergePositions(exchanges []model.ExchangeInfo) map[string]model.MergedPosition {
	merged := make(map[string]model.MergedPosition)

	for _, ex := range exchanges {
		for _, pos := range ex.Positions {
			m, ok := merged[pos.Symbol]
			if !ok {
				m = model.MergedPosition{Symbol: pos.Symbol}
			}

			m.Legs = append(m.Legs, model.VenuePosition{
				Venue:  ex.Venue,
				Amount: pos.Amount,
				Side:   pos.Side(),
			})
			m.ImbalanceAmount += pos.Amount
			m.HedgedNotional += absf(pos.Notional) / 2
			m.SpreadProfit += -(pos.EntryPrice * pos.Amount)
			m.UnrealizedPnL += pos.UnrealizedPnL
			m.FundingFeeAccrued += pos.FundingFeeAccrued

			if pos.FundingRateAPY != nil {
				if pos.Side() == model.Buy {
					m.FundingProfitRateAPY -= *pos.FundingRateAPY
				} else {
					m.FundingProfitRateAPY += *pos.FundingRateAPY
				}
			}

			merged[pos.Symbol] = m
		}
	}

	return merged
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
