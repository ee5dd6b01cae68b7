package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"hedged/internal/alert"
	"hedged/internal/fundingcache"
	"hedged/internal/ipc"
	"hedged/internal/store"
	"hedged/internal/venue"
	"hedged/internal/venue/fake"
	"hedged/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDeps(t *testing.T, v1, v2 *fake.Adapter) Deps {
	t.Helper()
	logger := testLogger()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return Deps{
		Venue1:                 v1,
		Venue2:                 v2,
		Stream1:                fake.NewStream(),
		Stream2:                fake.NewStream(),
		FundingCache:           fundingcache.New([]venue.Adapter{v1, v2}, time.Minute, nil, logger),
		Slot:                   ipc.NewSlot(),
		SnapshotStaleThreshold: 31 * time.Minute,
		Alert:                  alert.NewSlogSink(logger),
		Store:                  st,
		Logger:                 logger,
	}
}

func book(symbol string, bid, ask float64, age time.Duration) model.OrderBook {
	return model.OrderBook{
		Symbol:    symbol,
		Bids:      []model.PriceLevel{{Price: bid, Size: 10}},
		Asks:      []model.PriceLevel{{Price: ask, Size: 10}},
		Timestamp: time.Now().Add(-age),
	}
}

func baseTradeConfig() model.TradeConfig {
	return model.TradeConfig{
		Symbol1:          "BTCUSDT",
		Symbol2:          "BTCUSDT",
		DaemonMode:       true,
		AmountStep:       0.001,
		MinOrderValueUSD: 20,
		MaxOrderValueUSD: 500,
		TradeInterval:    time.Second,
		ZScoreThreshold:  2.0,
	}
}

func baseRiskConfig() model.RiskConfig {
	return model.RiskConfig{
		MaxOrderbookAgeSec:          1.0,
		MaxSpreadPct:                0.003,
		MinLiquidityUSD:             500,
		LiquidityDepthLevels:        5,
		MinProfitRate:               0.0008,
		ReducePosMinProfitRate:      0.0003,
		UserMinProfitRate:           0.0003,
		AutoPosBalanceUSDValueLimit: 1000,
	}
}

// S2: a stale order book must reject with "order-book stale".
func TestCheckFreshnessRejectsStaleBook(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	e := New("BTC", baseTradeConfig(), baseRiskConfig(), testDeps(t, v1, v2))
	e.book1 = book("BTCUSDT", 99, 101, 2*time.Second)
	e.book2 = book("BTCUSDT", 99, 101, 0)

	result := e.checkFreshness()
	if result.Pass {
		t.Fatal("expected freshness gate to reject a 2s-old book against a 1s max age")
	}
	if !containsSub(result.Reason, "order-book stale") {
		t.Fatalf("expected reason to mention order-book stale, got %q", result.Reason)
	}
}

// S3: in daemon mode, a signal whose side1 disagrees with the z-score
// implied side must be rejected by the z-score gate.
func TestRiskCheckRejectsZScoreMismatch(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	deps := testDeps(t, v1, v2)
	e := New("BTC", baseTradeConfig(), baseRiskConfig(), deps)
	e.book1 = book("BTCUSDT", 100, 100.1, 0)
	e.book2 = book("BTCUSDT", 100, 100.1, 0)

	snap := model.CombinedSnapshot{
		Exchanges: []model.ExchangeInfo{
			{Venue: "v1", TotalMargin: 10000, AvailableMargin: 9000, Thresholds: model.DefaultRiskThresholds()},
			{Venue: "v2", TotalMargin: 10000, AvailableMargin: 9000, Thresholds: model.DefaultRiskThresholds()},
		},
		UpdateTime: time.Now(),
	}
	deps.Slot.Write(snap)

	signal := model.TradeSignal{
		Side1: model.Sell, // forced to SELL, but z-score implies BUY
		Side2: model.Buy,
		Price1: 100.1, Price2: 100,
		SpreadRate:     0.01,
		ZScoreAfterFee: -3.0, // <= -threshold implies optimal side1 == BUY
		IsAddPosition:  true,
	}

	result := e.riskCheck(context.Background(), signal)
	if result.Pass {
		t.Fatal("expected z-score mismatch to be rejected")
	}
	if !containsSub(result.Reason, "z-score") {
		t.Fatalf("expected z-score rejection reason, got %q", result.Reason)
	}
}

// S4: sizing must double a too-small seed amount up to clear
// min_order_value_usd, exactly as the scripted sequence describes.
func TestCalcTradeAmountDoublesToMinOrderValue(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	cfg := baseTradeConfig()
	cfg.DaemonMode = false
	cfg.UseDynamicAmount = false
	cfg.MinOrderValueUSD = 20
	cfg.MaxOrderValueUSD = 500
	cfg.TotalAmount = 1000
	e := New("BTC", cfg, baseRiskConfig(), testDeps(t, v1, v2))

	signal := model.TradeSignal{Price1: 100, Price2: 100}

	amount := 0.05
	avgPrice := 100.0
	for amount*avgPrice < cfg.MinOrderValueUSD {
		amount *= 2
	}
	if amount != 0.2 {
		t.Fatalf("expected doubling sequence to land on 0.2, got %v", amount)
	}

	// calcTradeAmount starts from a fresh random seed, so directly exercise
	// the same doubling path deterministically via a pinned AmountMin/Max.
	cfg.AmountMin, cfg.AmountMax = 0.05, 0.05
	e = New("BTC", cfg, baseRiskConfig(), testDeps(t, v1, v2))
	got := e.calcTradeAmount(signal)
	if got != 0.2 {
		t.Fatalf("calcTradeAmount: expected 0.2, got %v", got)
	}
}

// Invariant 3: sizing must stay within [min_order_value_usd,
// max(min_order_value_usd, max_order_value_usd)] notional once a seed
// amount has been doubled/halved into range.
func TestCalcTradeAmountRespectsBounds(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	cfg := baseTradeConfig()
	cfg.DaemonMode = false
	cfg.UseDynamicAmount = false
	cfg.AmountMin, cfg.AmountMax = 50, 50 // deliberately oversized seed
	cfg.MinOrderValueUSD = 20
	cfg.MaxOrderValueUSD = 500
	cfg.TotalAmount = 1000
	e := New("BTC", cfg, baseRiskConfig(), testDeps(t, v1, v2))

	signal := model.TradeSignal{Price1: 100, Price2: 100}
	amount := e.calcTradeAmount(signal)
	notional := amount * 100
	if notional > cfg.MaxOrderValueUSD {
		t.Fatalf("expected notional <= max_order_value_usd (%v), got %v", cfg.MaxOrderValueUSD, notional)
	}
	if notional < cfg.MinOrderValueUSD {
		t.Fatalf("expected notional >= min_order_value_usd (%v), got %v", cfg.MinOrderValueUSD, notional)
	}
}

// S5: a small imbalance below the $50 threshold must not trigger any order.
func TestAutoBalanceBelowThresholdNoOp(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	v1.Prices["BTCUSDT"] = 100
	deps := testDeps(t, v1, v2)
	e := New("BTC", baseTradeConfig(), baseRiskConfig(), deps)

	deps.Slot.Write(model.CombinedSnapshot{
		Merged: map[string]model.MergedPosition{
			"BTC": {
				Symbol:          "BTC",
				ImbalanceAmount: 0.1, // $10 at ref price 100, below $50 threshold
				Legs: []model.VenuePosition{
					{Venue: "v1", Amount: 0.6, Side: model.Buy},
					{Venue: "v2", Amount: -0.5, Side: model.Sell},
				},
			},
		},
		UpdateTime: time.Now(),
	})

	if err := e.autoBalance(context.Background()); err != nil {
		t.Fatalf("autoBalance: %v", err)
	}
	if len(v1.Orders) != 0 || len(v2.Orders) != 0 {
		t.Fatalf("expected no orders below auto-balance threshold, got v1=%d v2=%d", len(v1.Orders), len(v2.Orders))
	}
}

// S5: an imbalance over $50 (but under the configured limit) must place
// exactly one reduce-only order on the venue holding the excess leg.
func TestAutoBalanceAboveThresholdPlacesOneReduceOrder(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	v1.Prices["BTCUSDT"] = 100
	deps := testDeps(t, v1, v2)
	riskCfg := baseRiskConfig()
	riskCfg.AutoPosBalanceUSDValueLimit = 1000
	e := New("BTC", baseTradeConfig(), riskCfg, deps)

	deps.Slot.Write(model.CombinedSnapshot{
		Merged: map[string]model.MergedPosition{
			"BTC": {
				Symbol:          "BTC",
				ImbalanceAmount: 0.6, // $60 at ref price 100
				Legs: []model.VenuePosition{
					{Venue: "v1", Amount: 1.1, Side: model.Buy},
					{Venue: "v2", Amount: -0.5, Side: model.Sell},
				},
			},
		},
		UpdateTime: time.Now(),
	})

	if err := e.autoBalance(context.Background()); err != nil {
		t.Fatalf("autoBalance: %v", err)
	}

	if len(v1.Orders) != 1 {
		t.Fatalf("expected exactly one reduce-only order on v1, got v1=%d v2=%d", len(v1.Orders), len(v2.Orders))
	}
	got := v1.Orders[0]
	if got.Side != model.Sell || !got.ReduceOnly {
		t.Fatalf("expected a reduce-only SELL order on v1, got %+v", got)
	}
}

// A failed reduce-only auto-balance attempt must not fall back to a
// non-reduce-only order on the other leg.
func TestAutoBalanceDoesNotFallBackOnFailure(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	v1.Prices["BTCUSDT"] = 100
	v1.OrderErr = context.DeadlineExceeded
	deps := testDeps(t, v1, v2)
	e := New("BTC", baseTradeConfig(), baseRiskConfig(), deps)

	deps.Slot.Write(model.CombinedSnapshot{
		Merged: map[string]model.MergedPosition{
			"BTC": {
				Symbol:          "BTC",
				ImbalanceAmount: 0.6,
				Legs: []model.VenuePosition{
					{Venue: "v1", Amount: 1.1, Side: model.Buy},
					{Venue: "v2", Amount: -0.5, Side: model.Sell},
				},
			},
		},
		UpdateTime: time.Now(),
	})

	err := e.autoBalance(context.Background())
	if err == nil {
		t.Fatal("expected autoBalance to surface the reduce-only failure as an error")
	}
	if len(v2.Orders) != 0 {
		t.Fatalf("expected no compensating order on the other leg, got %d", len(v2.Orders))
	}
}

// S6 / Invariant 7: force-reduce must chunk a large position into pieces
// under max_order_value_usd and must terminate.
func TestForceReduceChunksAndTerminates(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	v1.Prices["BTCUSDT"] = 100000
	v1.AvgPriceVal = 100000
	v2.AvgPriceVal = 100000

	cfg := baseTradeConfig()
	cfg.MaxOrderValueUSD = 500
	deps := testDeps(t, v1, v2)
	e := New("BTC", cfg, baseRiskConfig(), deps)

	// A single force-reduce call handles however many force-reduce checks
	// the snapshot still requests; here we script a snapshot that demands
	// force-reduce until a helper goroutine swaps in a safe one.
	snap := model.CombinedSnapshot{
		Exchanges: []model.ExchangeInfo{
			{Venue: "v1", Positions: []model.Position{{Symbol: "BTCUSDT", Amount: 0.5}},
				Thresholds: model.RiskThresholds{ForceReduceLeverage: 0.001}, TotalMargin: 1, AvailableMargin: 1},
			{Venue: "v2", Positions: []model.Position{{Symbol: "BTCUSDT", Amount: -0.5}},
				Thresholds: model.DefaultRiskThresholds(), TotalMargin: 100000, AvailableMargin: 100000},
		},
		UpdateTime: time.Now(),
	}
	deps.Slot.Write(snap)

	safeSnap := model.CombinedSnapshot{
		Exchanges: []model.ExchangeInfo{
			{Venue: "v1", Positions: snap.Exchanges[0].Positions, Thresholds: model.DefaultRiskThresholds(), TotalMargin: 100000, AvailableMargin: 100000},
			{Venue: "v2", Positions: snap.Exchanges[1].Positions, Thresholds: model.DefaultRiskThresholds(), TotalMargin: 100000, AvailableMargin: 100000},
		},
		UpdateTime: time.Now(),
	}

	done := make(chan error, 1)
	go func() { done <- e.forceReduce(context.Background()) }()

	// The real aggregator would refresh the snapshot after every chunk; here
	// we flip it to a safe state once a chunk has landed (polled every 5ms),
	// so the loop exits after one or a few chunks instead of running to its cap.
	go func() {
		for i := 0; i < 200; i++ {
			if len(v1.Orders) > 0 {
				deps.Slot.Write(safeSnap)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("forceReduce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("forceReduce did not terminate")
	}

	if len(v1.Orders) == 0 {
		t.Fatal("expected at least one force-reduce chunk order")
	}
	for _, o := range v1.Orders {
		if o.Amount*100000 > cfg.MaxOrderValueUSD+1e-6 {
			t.Fatalf("chunk notional %v exceeds max_order_value_usd %v", o.Amount*100000, cfg.MaxOrderValueUSD)
		}
		if !o.ReduceOnly {
			t.Fatalf("expected every force-reduce leg to be reduce-only, got %+v", o)
		}
	}
}

// Invariant 8: the adaptive min-profit-rate floor never drops below
// max(user_min_profit_rate, initial_min_profit_rate).
func TestAdjustMinProfitRateRespectsFloor(t *testing.T) {
	v1, v2 := fake.New("v1"), fake.New("v2")
	riskCfg := baseRiskConfig()
	riskCfg.EnableDynamicProfitRate = true
	riskCfg.ProfitRateAdjustStep = 0.0001
	riskCfg.ProfitRateAdjustThreshold = 3
	riskCfg.UserMinProfitRate = 0.0005
	riskCfg.MinProfitRate = 0.0006
	e := New("BTC", baseTradeConfig(), riskCfg, testDeps(t, v1, v2))
	e.initialMinProfitRate = 0.0005

	floor := e.riskCfg.UserMinProfitRate
	for i := 0; i < 50; i++ {
		e.adjustMinProfitRate(0.00064) // between current*1.05 and *1.1 -> drift down
		e.tradeCount++
		if e.riskCfg.MinProfitRate < floor-1e-12 {
			t.Fatalf("min profit rate dropped below floor %v: got %v", floor, e.riskCfg.MinProfitRate)
		}
	}
}

func containsSub(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
