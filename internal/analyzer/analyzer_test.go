package analyzer

import (
	"math"
	"testing"
	"time"

	"hedged/pkg/model"
)

func klinesFrom(closes []float64, start time.Time, step time.Duration) []model.Kline {
	out := make([]model.Kline, len(closes))
	for i, c := range closes {
		out[i] = model.Kline{OpenTime: start.Add(time.Duration(i) * step), Close: c}
	}
	return out
}

func TestPriceSpreads(t *testing.T) {
	start := time.Unix(0, 0)
	k1 := klinesFrom([]float64{100.0, 101.0, 99.5}, start, time.Minute)
	k2 := klinesFrom([]float64{99.5, 100.5, 99.0}, start, time.Minute)

	spreads := priceSpreads(k1, k2)
	if len(spreads) != 3 {
		t.Fatalf("expected 3 spreads, got %d", len(spreads))
	}

	want := []float64{0.005025, 0.004975, 0.005051}
	for i, w := range want {
		if diff := spreads[i] - w; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("spread[%d] = %v, want ~%v", i, spreads[i], w)
		}
	}
}

func TestSpreadStatisticsTooFewSamples(t *testing.T) {
	start := time.Unix(0, 0)
	k1 := klinesFrom([]float64{100.0, 101.0, 99.5}, start, time.Minute)
	k2 := klinesFrom([]float64{99.5, 100.5, 99.0}, start, time.Minute)

	spreads := priceSpreads(k1, k2)
	if len(spreads) >= minAlignedSamples {
		t.Fatalf("fixture should be below the sample floor")
	}

	stats := spreadStatistics(spreads)
	if stats.SampleCount != 3 {
		t.Errorf("sample count = %d, want 3", stats.SampleCount)
	}
	if diff := stats.MeanSpread - 0.005017; diff > 1e-4 || diff < -1e-4 {
		t.Errorf("mean spread = %v, want ~0.005017", stats.MeanSpread)
	}
}

func TestSpreadStatisticsConfidenceIntervalWidth(t *testing.T) {
	spreads := make([]float64, 100)
	for i := range spreads {
		spreads[i] = float64(i) * 0.0001
	}
	stats := spreadStatistics(spreads)

	wantWidth := 2 * 1.96 * stats.StdSpread / math.Sqrt(float64(len(spreads)))
	gotWidth := stats.ConfidenceInterval95[1] - stats.ConfidenceInterval95[0]
	if diff := gotWidth - wantWidth; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CI width = %v, want %v", gotWidth, wantWidth)
	}
	if stats.MeanSpread < stats.MinSpread || stats.MeanSpread > stats.MaxSpread {
		t.Errorf("mean %v outside [min,max] = [%v,%v]", stats.MeanSpread, stats.MinSpread, stats.MaxSpread)
	}
	if stats.StdSpread < 0 {
		t.Errorf("std spread must be >= 0, got %v", stats.StdSpread)
	}
}
