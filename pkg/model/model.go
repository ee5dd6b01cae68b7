// Package model defines shared data structures used across all packages.
//
// This package is the common vocabulary of the hedge engine — order sides,
// order-book snapshots, positions, venue risk snapshots, and the signals
// that flow between the aggregator and the per-symbol engines. It has no
// dependency on any internal package, so it can be imported by any layer.
package model

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order or a position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order types the venue contract supports.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus mirrors the lifecycle states a venue reports for an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// PositionSide is derived from the sign of a position's amount.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionFlat  PositionSide = "FLAT"
	PositionShort PositionSide = "SHORT"
)

// DerivePositionSide classifies a signed position amount.
func DerivePositionSide(amount float64) PositionSide {
	switch {
	case amount > 0:
		return PositionLong
	case amount < 0:
		return PositionShort
	default:
		return PositionFlat
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time L2 depth snapshot for one (venue, symbol).
// Bids are sorted descending by price, asks ascending; Timestamp is the
// local wall-clock time of receipt, not the venue's server time.
type OrderBook struct {
	Venue     string
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the best (highest) bid price, or 0 if the book is empty.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the best (lowest) ask price, or 0 if the book is empty.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Mid returns (best_bid+best_ask)/2, or (0, false) if either side is empty.
func (ob OrderBook) Mid() (float64, bool) {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0, false
	}
	return (ob.BestBid() + ob.BestAsk()) / 2, true
}

// SpreadPct returns (best_ask-best_bid)/mid, or (0, false) if the book is empty.
func (ob OrderBook) SpreadPct() (float64, bool) {
	mid, ok := ob.Mid()
	if !ok || mid == 0 {
		return 0, false
	}
	return (ob.BestAsk() - ob.BestBid()) / mid, true
}

// LiquidityUSD sums price*size over the first depth levels of one side.
// Buying consumes asks; selling consumes bids.
func (ob OrderBook) LiquidityUSD(side Side, depth int) float64 {
	levels := ob.Asks
	if side == Sell {
		levels = ob.Bids
	}
	total := 0.0
	for i, lvl := range levels {
		if i >= depth {
			break
		}
		total += lvl.Price * lvl.Size
	}
	return total
}

// IsStale reports whether the book is older than maxAge.
func (ob OrderBook) IsStale(maxAge time.Duration) bool {
	if ob.Timestamp.IsZero() {
		return true
	}
	return time.Since(ob.Timestamp) > maxAge
}

// ————————————————————————————————————————————————————————————————————————
// Positions and venue risk
// ————————————————————————————————————————————————————————————————————————

// Kline is one OHLC bar, the unit the Hedge-Spread Analyzer aligns on.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// Position is one venue's signed futures position in a symbol.
type Position struct {
	Venue            string
	Symbol           string
	Amount           float64 // signed; + long, - short
	EntryPrice       float64
	Notional         float64 // signed; sign(Notional) == sign(Amount)
	UnrealizedPnL    float64
	FundingFeeAccrued float64
	MarkPrice        float64
	ADLRank          int
	LiquidationPrice float64
	FundingRateAPY   *float64 // optional, attached by the aggregator
}

// Side reports the position's directional side: Sell for a negative amount,
// Buy otherwise (including a flat position).
func (p Position) Side() Side {
	if p.Amount >= 0 {
		return Buy
	}
	return Sell
}

// RiskThresholds bundles the configurable safe/target/danger/force-reduce
// thresholds for one venue's leverage / maintenance-margin-ratio /
// margin-usage-ratio axes. Defaults are grounded on the original system's
// per-venue risk model and can be overridden per venue via config.
type RiskThresholds struct {
	SafeLeverage             float64
	SafeMaintenanceMarginRatio float64
	SafeCrossMarginUsage     float64
	TargetLeverage           float64
	TargetMaintenanceMarginRatio float64
	TargetMarginUsageRatio   float64
	DangerLeverage           float64
	DangerMaintenanceMarginRatio float64
	DangerMarginUsageRatio   float64
	ForceReduceLeverage      float64
	ForceReduceMaintenanceMarginRatio float64
}

// DefaultRiskThresholds mirrors the reference system's default per-venue
// risk model (SingleExchangeInfoModel defaults).
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		SafeLeverage:                 0.5,
		SafeMaintenanceMarginRatio:   0.7,
		SafeCrossMarginUsage:         0.7,
		TargetLeverage:               3,
		TargetMaintenanceMarginRatio: 0.8,
		TargetMarginUsageRatio:       0.8,
		DangerLeverage:               5,
		DangerMaintenanceMarginRatio: 0.9,
		DangerMarginUsageRatio:       0.9,
		ForceReduceLeverage:          10,
		ForceReduceMaintenanceMarginRatio: 0.9,
	}
}

// ExchangeInfo is one venue's risk snapshot for a tick of the aggregator.
type ExchangeInfo struct {
	Venue                   string
	TotalMargin             float64
	AvailableMargin         float64
	MaintenanceMarginRatio  float64
	Positions               []Position
	TakerFeeRate            float64
	MakerFeeRate            float64
	Thresholds              RiskThresholds
}

// TotalNotional sums the absolute notional of every held position.
func (e ExchangeInfo) TotalNotional() float64 {
	total := 0.0
	for _, p := range e.Positions {
		total += absf(p.Notional)
	}
	return total
}

// Leverage is total_notional / total_margin (0 if total_margin is 0).
func (e ExchangeInfo) Leverage() float64 {
	if e.TotalMargin == 0 {
		return 0
	}
	return e.TotalNotional() / e.TotalMargin
}

// CrossMarginUsage is 1 - available/total (0 if total_margin is 0).
func (e ExchangeInfo) CrossMarginUsage() float64 {
	if e.TotalMargin == 0 {
		return 0
	}
	return 1 - e.AvailableMargin/e.TotalMargin
}

// MaxOpenNotionalValue is available_margin * safe_leverage.
func (e ExchangeInfo) MaxOpenNotionalValue() float64 {
	return e.AvailableMargin * e.Thresholds.SafeLeverage
}

// CanAddPosition is the pre-trade gate predicate for one venue.
func (e ExchangeInfo) CanAddPosition() bool {
	t := e.Thresholds
	return e.Leverage() < t.SafeLeverage &&
		e.MaintenanceMarginRatio < t.SafeMaintenanceMarginRatio &&
		e.CrossMarginUsage() < t.SafeCrossMarginUsage &&
		e.TotalMargin > 100 &&
		e.AvailableMargin > 200 &&
		e.MaxOpenNotionalValue() > 200
}

// ShouldNotifyRisk reports whether this venue has crossed into the danger band.
func (e ExchangeInfo) ShouldNotifyRisk() bool {
	t := e.Thresholds
	return e.Leverage() >= t.DangerLeverage ||
		e.MaintenanceMarginRatio >= t.DangerMaintenanceMarginRatio ||
		e.CrossMarginUsage() >= t.DangerMarginUsageRatio
}

// ShouldForceReduce reports whether this venue mandates unilateral de-risking.
func (e ExchangeInfo) ShouldForceReduce() bool {
	t := e.Thresholds
	return e.Leverage() >= t.ForceReduceLeverage ||
		e.MaintenanceMarginRatio >= t.ForceReduceMaintenanceMarginRatio
}

// VenuePosition is one leg of a merged cross-venue position.
type VenuePosition struct {
	Venue  string
	Amount float64
	Side   Side
}

// MergedPosition is the same-symbol view across every venue that holds it.
type MergedPosition struct {
	Symbol               string
	Legs                 []VenuePosition
	ImbalanceAmount      float64 // sum of signed amounts
	HedgedNotional       float64 // sum |notional| / 2
	SpreadProfit         float64 // -sum(entry*amount)
	FundingProfitRateAPY float64 // sum (BUY: -rate; SELL: +rate)
	UnrealizedPnL        float64
	FundingFeeAccrued    float64
}

// ImbalancedValue returns |imbalance_amount * refPrice|.
func (m MergedPosition) ImbalancedValue(refPrice float64) float64 {
	return absf(m.ImbalanceAmount * refPrice)
}

// SpreadStatistics summarizes a historical price-spread series between two
// venues for the same symbol, as produced by the Hedge-Spread Analyzer.
type SpreadStatistics struct {
	MeanSpread            float64
	StdSpread             float64
	MinSpread             float64
	MaxSpread             float64
	MedianSpread          float64
	Percentile25          float64
	Percentile75          float64
	SampleCount           int
	ConfidenceInterval95  [2]float64
}

// MinimumProfitThreshold bands the minimum profit rate an opportunity must
// clear given a confidence level, mirroring the reference analyzer's
// get_minimum_profit_threshold banding.
func (s SpreadStatistics) MinimumProfitThreshold(confidenceLevel float64) float64 {
	switch {
	case confidenceLevel <= 0.5:
		return s.MedianSpread
	case confidenceLevel <= 0.8:
		if s.MeanSpread > 0 {
			return s.Percentile25
		}
		return s.Percentile75
	case confidenceLevel <= 0.95:
		if s.MeanSpread > 0 {
			return s.ConfidenceInterval95[0]
		}
		return s.ConfidenceInterval95[1]
	default:
		if s.MeanSpread > 0 {
			return s.MinSpread
		}
		return s.MaxSpread
	}
}

// FundingOpportunity is a candidate cross-venue funding-rate / spread trade,
// ranked by the Chance/Opportunity Searcher.
type FundingOpportunity struct {
	Symbol             string
	Venue1, Venue2     string
	FundingRate1APY    float64
	FundingRate2APY    float64
	FundingDiffAbs     float64
	FundingProfitRate  float64 // diff / 2
	Side1, Side2       Side
	Price1, Price2     float64
	Stats              *SpreadStatistics
}

// IsValid reports whether the opportunity clears the minimum APY threshold.
func (f FundingOpportunity) IsValid(minProfitRateAPY float64) bool {
	return f.FundingProfitRate >= minProfitRateAPY
}

// CombinedSnapshot is the aggregator's periodic cross-venue risk snapshot.
// It is created by the aggregator, swapped atomically into the IPC slot, and
// is read-only to every hedge engine.
type CombinedSnapshot struct {
	Exchanges    []ExchangeInfo
	Merged       map[string]MergedPosition // keyed by base symbol
	Opportunities []FundingOpportunity
	UpdateTime   time.Time
	TimeCost     time.Duration
}

// IsStale reports whether this snapshot is older than maxAge (default 31
// minutes — consumers warn but keep trading on a stale snapshot).
func (c CombinedSnapshot) IsStale(maxAge time.Duration) bool {
	if c.UpdateTime.IsZero() {
		return true
	}
	return time.Since(c.UpdateTime) > maxAge
}

// PositionsFor returns the merged view for one symbol, or (zero, false).
func (c CombinedSnapshot) PositionsFor(symbol string) (MergedPosition, bool) {
	m, ok := c.Merged[symbol]
	return m, ok
}

// ShouldForceReduce reports whether ANY member venue requests force-reduce.
func (c CombinedSnapshot) ShouldForceReduce() bool {
	for _, e := range c.Exchanges {
		if e.ShouldForceReduce() {
			return true
		}
	}
	return false
}

// notifyImbalanceThresholdUSD is the cross-venue imbalance notional above
// which ShouldNotifyRisk fires even when every venue is individually within
// its own danger band.
const notifyImbalanceThresholdUSD = 200.0

// ShouldNotifyRisk reports whether any member venue has crossed into its
// danger band, or any symbol's cross-venue imbalance exceeds
// notifyImbalanceThresholdUSD — the combined-level analogue of
// ExchangeInfo.ShouldNotifyRisk.
func (c CombinedSnapshot) ShouldNotifyRisk() bool {
	for _, e := range c.Exchanges {
		if e.ShouldNotifyRisk() {
			return true
		}
	}
	for symbol, merged := range c.Merged {
		price, ok := c.markPriceFor(symbol)
		if !ok {
			continue
		}
		if merged.ImbalancedValue(price) > notifyImbalanceThresholdUSD {
			return true
		}
	}
	return false
}

// markPriceFor finds a recent mark price for symbol from any venue holding
// it, used only to translate an imbalance amount into a USD value.
func (c CombinedSnapshot) markPriceFor(symbol string) (float64, bool) {
	for _, e := range c.Exchanges {
		for _, p := range e.Positions {
			if p.Symbol == symbol && p.MarkPrice > 0 {
				return p.MarkPrice, true
			}
		}
	}
	return 0, false
}

// ExchangeFor looks up one venue's ExchangeInfo by name.
func (c CombinedSnapshot) ExchangeFor(venue string) (ExchangeInfo, bool) {
	for _, e := range c.Exchanges {
		if e.Venue == venue {
			return e, true
		}
	}
	return ExchangeInfo{}, false
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a venue's view of a placed order (the Venue Adapter contract).
type Order struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      OrderStatus
	AvgPrice    float64
	ExecutedQty float64
	OrigQty     float64
}

// IsTerminal reports whether the order has reached a final state.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trade configuration and signal
// ————————————————————————————————————————————————————————————————————————

// TradeConfig is the per-engine trade sizing/behavior configuration.
type TradeConfig struct {
	Symbol1, Symbol2       string
	Side1, Side2           Side // ignored when DaemonMode is true
	DaemonMode             bool
	AmountMin, AmountMax   float64
	AmountStep             float64
	TotalAmount            float64
	MinOrderValueUSD       float64
	MaxOrderValueUSD       float64
	TradeInterval          time.Duration
	UseDynamicAmount       bool
	MaxFirstLevelRatio     float64
	NoTradeTimeoutSec      int // 0 = disabled
	ZScoreThreshold        float64
}

// RiskConfig is the per-engine risk-gate configuration.
type RiskConfig struct {
	MaxOrderbookAgeSec          float64
	MaxSpreadPct                float64
	MinLiquidityUSD             float64
	LiquidityDepthLevels        int
	MinProfitRate               float64 // opening
	ReducePosMinProfitRate      float64 // closing
	UserMinProfitRate           float64 // floor
	EnableDynamicProfitRate     bool
	ProfitRateAdjustStep        float64
	ProfitRateAdjustThreshold   int // consecutive trades before adjustment
	NoTradeReduceTimeoutSec     int
	NoTradeReduceStepMultiplier float64
	AutoPosBalanceUSDValueLimit float64
}

// TradeSignal is the transient per-tick evaluation the engine produces and
// discards unless it passes every risk gate.
type TradeSignal struct {
	Symbol1, Symbol2   string
	Side1, Side2       Side
	Price1, Price2     float64
	Spread             float64
	SpreadRate         float64
	MeanSpread         float64
	StdSpread          float64
	OptimalSpread      float64
	ZScore             float64
	ZScoreAfterFee     float64
	FundingRateDiffAPY float64
	IsAddPosition      bool
	GeneratedAt        time.Time
}

// DelayMillis returns how old this signal is, in milliseconds.
func (s TradeSignal) DelayMillis() float64 {
	return float64(time.Since(s.GeneratedAt).Microseconds()) / 1000.0
}

// GateResult is the explicit result of one risk-gate evaluation — used
// throughout the engine instead of exceptions-for-control-flow.
type GateResult struct {
	Pass   bool
	Reason string
}

func Pass() GateResult        { return GateResult{Pass: true} }
func Reject(reason string) GateResult { return GateResult{Pass: false, Reason: reason} }
