package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"hedged/internal/alert"
	"hedged/internal/config"
	"hedged/internal/fundingcache"
	"hedged/internal/risk"
	"hedged/internal/searcher"
	"hedged/internal/store"
	"hedged/internal/venue"
	"hedged/internal/venue/fake"
	"hedged/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManagerConfig() config.ManagerConfig {
	cfg := config.Default().Manager
	cfg.EngineStartupDelaySec = 0
	cfg.RiskUpdateIntervalMin = 60
	cfg.EngineCheckIntervalMin = 60
	return cfg
}

func newTestSupervisor(t *testing.T, v1, v2 *fake.Adapter) (*Supervisor, map[string]venue.Adapter) {
	t.Helper()

	adapters := map[string]venue.Adapter{v1.Name(): v1, v2.Name(): v2}
	adaptersSlice := []venue.Adapter{v1, v2}

	cache := fundingcache.New(adaptersSlice, time.Minute, []string{"BTC"}, testLogger())
	sch := searcher.New(adaptersSlice, cache)
	agg := risk.New(adaptersSlice, nil, cache, sch, []string{"BTC"}, testLogger())

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sup := New(testManagerConfig(), adapters, func(string) venue.Stream {
		return fake.NewStream()
	}, agg, cache, sch, alert.NewSlogSink(testLogger()), st, testLogger())

	return sup, adapters
}

func seedVenue(v *fake.Adapter, symbol string, price float64) {
	v.Prices[symbol] = price
	v.FundingRates[symbol] = 0.0001
	v.TotalMarginVal = 10000
	v.AvailMarginVal = 10000
}

func TestSelectPairsPicksHighestScoringPair(t *testing.T) {
	t.Parallel()

	v1 := fake.New("binance")
	v2 := fake.New("okx")
	v3 := fake.New("bybit")
	for _, v := range []*fake.Adapter{v1, v2, v3} {
		seedVenue(v, "BTC", 50000)
	}
	// Either pair with bybit should outscore binance/okx: larger funding rate
	// differential.
	v1.FundingRates["BTC"] = 0.0001
	v2.FundingRates["BTC"] = 0.0001
	v3.FundingRates["BTC"] = 0.01

	adapters := map[string]venue.Adapter{v1.Name(): v1, v2.Name(): v2, v3.Name(): v3}
	adaptersSlice := []venue.Adapter{v1, v2, v3}
	cache := fundingcache.New(adaptersSlice, time.Minute, []string{"BTC"}, testLogger())
	cache.WarmSync(context.Background(), []string{"BTC"})
	sch := searcher.New(adaptersSlice, cache)
	agg := risk.New(adaptersSlice, nil, cache, sch, []string{"BTC"}, testLogger())
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	sup := New(testManagerConfig(), adapters, func(string) venue.Stream { return fake.NewStream() },
		agg, cache, sch, alert.NewSlogSink(testLogger()), st, testLogger())

	assignments, err := sup.SelectPairs(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("SelectPairs: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(assignments))
	}
	a := assignments[0]
	if a.Venue1 != "bybit" && a.Venue2 != "bybit" {
		t.Errorf("expected bybit (highest funding spread) in the chosen pair, got %s/%s", a.Venue1, a.Venue2)
	}
}

func TestStartLaunchesOneEnginePerAssignment(t *testing.T) {
	t.Parallel()

	v1 := fake.New("binance")
	v2 := fake.New("okx")
	seedVenue(v1, "BTC", 50000)
	seedVenue(v2, "BTC", 50010)

	sup, _ := newTestSupervisor(t, v1, v2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assignments := []PairAssignment{{
		Symbol: "BTC",
		Venue1: "binance",
		Venue2: "okx",
		Trade:  model.TradeConfig{DaemonMode: true, AmountStep: 0.001, MinOrderValueUSD: 20, MaxOrderValueUSD: 500, TradeInterval: time.Hour},
		Risk:   model.RiskConfig{MaxOrderbookAgeSec: 1, MaxSpreadPct: 0.01, MinLiquidityUSD: 1, LiquidityDepthLevels: 1},
	}}

	if err := sup.Start(ctx, assignments); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		snap := sup.Snapshot()
		if len(snap) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected one running engine, got %d", len(snap))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestShutdownStopsAllEngines(t *testing.T) {
	t.Parallel()

	v1 := fake.New("binance")
	v2 := fake.New("okx")
	seedVenue(v1, "BTC", 50000)
	seedVenue(v2, "BTC", 50010)

	sup, _ := newTestSupervisor(t, v1, v2)

	ctx := context.Background()
	assignments := []PairAssignment{{
		Symbol: "BTC",
		Venue1: "binance",
		Venue2: "okx",
		Trade:  model.TradeConfig{DaemonMode: true, AmountStep: 0.001, MinOrderValueUSD: 20, MaxOrderValueUSD: 500, TradeInterval: time.Hour},
		Risk:   model.RiskConfig{MaxOrderbookAgeSec: 1, MaxSpreadPct: 0.01, MinLiquidityUSD: 1, LiquidityDepthLevels: 1},
	}}

	if err := sup.Start(ctx, assignments); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}
}
