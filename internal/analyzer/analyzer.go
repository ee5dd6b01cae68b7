// Package analyzer implements component D, the Hedge-Spread Analyzer:
// given two venues and a symbol, it fetches aligned K-line history and
// produces the spread statistics (mean, sample std, percentiles, 95%
// confidence interval) that both the searcher and the per-symbol engine use
// to judge whether the current spread is an outlier worth trading.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"hedged/internal/venue"
	"hedged/pkg/model"
)

const minAlignedSamples = 50

// Analyzer computes cross-venue price-spread statistics for one venue pair.
type Analyzer struct {
	venue1, venue2 venue.Adapter
}

// New builds an analyzer over an ordered venue pair; spreads are reported
// as (venue1 - venue2) / venue2.
func New(venue1, venue2 venue.Adapter) *Analyzer {
	return &Analyzer{venue1: venue1, venue2: venue2}
}

// AnalyzeSpread fetches aligned K-lines for symbol from both venues and
// returns their spread statistics. It returns an error if fewer than
// minAlignedSamples aligned bars are available.
func (a *Analyzer) AnalyzeSpread(ctx context.Context, symbol, interval string, limit int) (model.SpreadStatistics, error) {
	k1, k2, err := a.alignedKlines(ctx, symbol, interval, limit)
	if err != nil {
		return model.SpreadStatistics{}, err
	}
	if len(k1) < minAlignedSamples {
		return model.SpreadStatistics{}, fmt.Errorf("too few aligned samples for %s: got %d, need >= %d",
			symbol, len(k1), minAlignedSamples)
	}

	spreads := priceSpreads(k1, k2)
	if len(spreads) < minAlignedSamples {
		return model.SpreadStatistics{}, fmt.Errorf("too few valid spreads for %s: got %d, need >= %d",
			symbol, len(spreads), minAlignedSamples)
	}

	return spreadStatistics(spreads), nil
}

// alignedKlines fetches both venues' K-lines in parallel, then intersects
// on open-time so only bars present on both venues survive.
func (a *Analyzer) alignedKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, []model.Kline, error) {
	type result struct {
		klines []model.Kline
		err    error
	}
	ch1 := make(chan result, 1)
	ch2 := make(chan result, 1)

	go func() {
		ks, err := a.venue1.GetKlines(ctx, symbol, interval, limit)
		ch1 <- result{ks, err}
	}()
	go func() {
		ks, err := a.venue2.GetKlines(ctx, symbol, interval, limit)
		ch2 <- result{ks, err}
	}()

	r1, r2 := <-ch1, <-ch2
	if r1.err != nil {
		return nil, nil, fmt.Errorf("fetch klines from %s: %w", a.venue1.Name(), r1.err)
	}
	if r2.err != nil {
		return nil, nil, fmt.Errorf("fetch klines from %s: %w", a.venue2.Name(), r2.err)
	}

	sort.Slice(r1.klines, func(i, j int) bool { return r1.klines[i].OpenTime.Before(r1.klines[j].OpenTime) })
	sort.Slice(r2.klines, func(i, j int) bool { return r2.klines[i].OpenTime.Before(r2.klines[j].OpenTime) })

	m2 := make(map[int64]model.Kline, len(r2.klines))
	for _, k := range r2.klines {
		m2[k.OpenTime.UnixMilli()] = k
	}

	var aligned1, aligned2 []model.Kline
	for _, k := range r1.klines {
		if k2, ok := m2[k.OpenTime.UnixMilli()]; ok {
			aligned1 = append(aligned1, k)
			aligned2 = append(aligned2, k2)
		}
	}

	return aligned1, aligned2, nil
}

// priceSpreads computes (close1-close2)/close2, skipping pairs where
// venue2's close is zero.
func priceSpreads(k1, k2 []model.Kline) []float64 {
	spreads := make([]float64, 0, len(k1))
	for i := range k1 {
		if k2[i].Close == 0 {
			continue
		}
		spreads = append(spreads, (k1[i].Close-k2[i].Close)/k2[i].Close)
	}
	return spreads
}

// spreadStatistics computes mean, sample standard deviation (n-1),
// percentiles, and a 95% confidence interval over a spread series.
func spreadStatistics(spreads []float64) model.SpreadStatistics {
	n := len(spreads)
	sorted := append([]float64(nil), spreads...)
	sort.Float64s(sorted)

	mean := 0.0
	for _, s := range spreads {
		mean += s
	}
	mean /= float64(n)

	variance := 0.0
	for _, s := range spreads {
		d := s - mean
		variance += d * d
	}
	std := 0.0
	if n > 1 {
		std = math.Sqrt(variance / float64(n-1))
	}

	marginError := 1.96 * (std / math.Sqrt(float64(n)))

	return model.SpreadStatistics{
		MeanSpread:           mean,
		StdSpread:            std,
		MinSpread:            sorted[0],
		MaxSpread:            sorted[n-1],
		MedianSpread:         percentile(sorted, 50),
		Percentile25:         percentile(sorted, 25),
		Percentile75:         percentile(sorted, 75),
		SampleCount:          n,
		ConfidenceInterval95: [2]float64{mean - marginError, mean + marginError},
	}
}

// percentile uses linear interpolation between closest ranks, matching
// numpy's default "linear" method over an already-sorted slice.
func percentile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := (pct / 100) * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
