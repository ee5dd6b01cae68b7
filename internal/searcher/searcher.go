// Package searcher implements component E, the Chance/Opportunity Searcher:
// it scans a set of symbols common to every configured venue, looks up each
// pair's funding-rate differential, and — when a spread analysis is
// available — combines both signals into a ranked list of
// model.FundingOpportunity candidates for the supervisor to consider when
// assigning venue pairs to engines.
package searcher

import (
	"context"
	"fmt"
	"sort"

	"hedged/internal/analyzer"
	"hedged/internal/fundingcache"
	"hedged/internal/venue"
	"hedged/pkg/model"
)

// Searcher ranks cross-venue funding-rate opportunities for a fixed set of
// adapters, using a shared funding-rate cache.
type Searcher struct {
	adapters []venue.Adapter
	cache    *fundingcache.Cache
}

// New builds a searcher over the given adapters.
func New(adapters []venue.Adapter, cache *fundingcache.Cache) *Searcher {
	return &Searcher{adapters: adapters, cache: cache}
}

// Scan evaluates every venue pair for every symbol and returns opportunities
// clearing minProfitRateAPY, ranked by FundingProfitRate descending. When
// withStats is true it also computes SpreadStatistics for every surviving
// candidate (an expensive K-line fetch); a pair whose K-line history fails
// the analyzer's sample-count floor is kept with nil Stats rather than
// failing the whole scan.
func (s *Searcher) Scan(ctx context.Context, symbols []string, minProfitRateAPY float64, withStats bool) ([]model.FundingOpportunity, error) {
	if len(s.adapters) < 2 {
		return nil, fmt.Errorf("searcher: need at least 2 adapters, have %d", len(s.adapters))
	}

	var candidates []model.FundingOpportunity
	for _, symbol := range symbols {
		for i := 0; i < len(s.adapters); i++ {
			for j := i + 1; j < len(s.adapters); j++ {
				opp, ok := s.evaluatePair(ctx, symbol, s.adapters[i], s.adapters[j])
				if !ok {
					continue
				}
				if !opp.IsValid(minProfitRateAPY) {
					continue
				}
				if withStats {
					an := analyzer.New(s.adapters[i], s.adapters[j])
					stats, err := an.AnalyzeSpread(ctx, symbol, "1m", 1000)
					if err == nil {
						opp.Stats = &stats
					}
				}
				candidates = append(candidates, opp)
			}
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].FundingProfitRate > candidates[b].FundingProfitRate
	})

	return candidates, nil
}

func (s *Searcher) evaluatePair(ctx context.Context, symbol string, a1, a2 venue.Adapter) (model.FundingOpportunity, bool) {
	rate1, ok1 := s.cache.Get(a1.Name(), symbol)
	rate2, ok2 := s.cache.Get(a2.Name(), symbol)
	if !ok1 || !ok2 {
		return model.FundingOpportunity{}, false
	}

	price1, err := a1.GetTickPrice(ctx, symbol)
	if err != nil {
		return model.FundingOpportunity{}, false
	}
	price2, err := a2.GetTickPrice(ctx, symbol)
	if err != nil {
		return model.FundingOpportunity{}, false
	}

	diff := rate1 - rate2
	absDiff := diff
	if absDiff < 0 {
		absDiff = -absDiff
	}

	// The venue paying the higher funding rate should be shorted (receives
	// funding when rate > 0); the lower-rate venue is longed.
	side1, side2 := model.Sell, model.Buy
	if rate1 < rate2 {
		side1, side2 = model.Buy, model.Sell
	}

	return model.FundingOpportunity{
		Symbol:            symbol,
		Venue1:            a1.Name(),
		Venue2:            a2.Name(),
		FundingRate1APY:   rate1,
		FundingRate2APY:   rate2,
		FundingDiffAbs:    absDiff,
		FundingProfitRate: absDiff / 2,
		Side1:             side1,
		Side2:             side2,
		Price1:            price1,
		Price2:            price2,
	}, true
}

// Score ranks one venue pair for a symbol by the supervisor's composite
// formula: 40% normalized funding differential, 20% fee competitiveness,
// 25% venue reliability prior, 15% liquidity (flat until real depth data is
// wired in). Grounded on the reference system's _calculate_pair_score.
func Score(opp model.FundingOpportunity, takerFee1, takerFee2 float64, reliability1, reliability2 float64) float64 {
	fundingScore := min(opp.FundingDiffAbs*10000, 10.0) * 0.4

	avgFee := (takerFee1 + takerFee2) / 2
	feeScore := max(0, (0.002-avgFee)*1000) * 0.2

	reliabilityScore := (reliability1+reliability2)/2*10*0.25

	const liquidityScore = 0.75 * 0.15

	return fundingScore + feeScore + reliabilityScore + liquidityScore
}

// ReliabilityPriors mirrors the reference system's static per-venue trust
// prior. It is the only source of priors; a venue's config entry does not
// override it.
var ReliabilityPriors = map[string]float64{
	"binance":     0.95,
	"hyperliquid": 0.90,
	"lighter":     0.85,
	"aster":       0.80,
	"okx":         0.90,
	"bybit":       0.85,
}

// ReliabilityPrior looks up a venue's reliability prior, defaulting to 0.70.
func ReliabilityPrior(venueName string) float64 {
	if v, ok := ReliabilityPriors[venueName]; ok {
		return v
	}
	return 0.70
}
