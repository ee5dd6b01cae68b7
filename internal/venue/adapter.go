// Package venue defines the contracts the rest of the hedge engine consumes
// to talk to a perpetual-futures exchange: the Adapter (REST-shaped
// capability set) and the Stream (push-model order-book depth). Concrete
// venues are out of scope for this repository — only the contracts and one
// illustrative REST implementation (restadapter) plus one illustrative
// stream implementation (wsstream) live here, to prove the interfaces are
// wireable.
//
// Every operation is logically asynchronous: implementations either use
// native async I/O (the common case in Go — everything here takes a
// context.Context and may block the calling goroutine) or, for a genuinely
// synchronous SDK, must wrap the call at an explicit blocking-call boundary
// rather than leaking synchronous behavior into the caller.
package venue

import (
	"context"
	"time"

	"hedged/pkg/model"
)

// TickPrice is one symbol's current mid/last price, as returned in bulk by
// GetAllTickPrices.
type TickPrice struct {
	Symbol string // base symbol without quote currency, e.g. "BTC"
	Price  float64
}

// Adapter is the uniform capability surface every venue must expose.
// F, G, and H consume only this interface — never a venue-specific client.
type Adapter interface {
	// Name is the short venue identifier used in logs, config, and scoring
	// (e.g. "binance", "okx").
	Name() string

	GetAllTickPrices(ctx context.Context) ([]TickPrice, error)
	GetTickPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error)

	// GetAllCurPositions returns only non-zero positions.
	GetAllCurPositions(ctx context.Context) ([]model.Position, error)

	// GetFundingRate returns the venue's current funding rate. If apy is
	// true the adapter MUST scale the single-period rate using ITS OWN
	// funding schedule (1h/4h/8h) — the ×3×365 shortcut belongs here, not
	// in the shared funding-rate cache.
	GetFundingRate(ctx context.Context, symbol string, apy bool) (float64, error)

	GetTotalMargin(ctx context.Context) (float64, error)
	GetAvailableMargin(ctx context.Context) (float64, error)
	GetCrossMarginRatio(ctx context.Context) (float64, error)

	MakeNewOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetRecentOrder(ctx context.Context, symbol, orderID string) (model.Order, error)

	// ConvertSize snaps qty to this venue's quantity precision.
	ConvertSize(symbol string, qty float64) float64

	TakerFeeRate() float64
	MakerFeeRate() float64

	// FundingPeriod is the venue's native funding interval (e.g. 8h), used
	// to resolve the APY scaling hazard per venue.
	FundingPeriod() time.Duration
}

// OrderRequest is the uniform order-placement request.
type OrderRequest struct {
	Symbol     string
	Side       model.Side
	Type       model.OrderType
	Amount     float64
	Price      float64 // only meaningful for OrderTypeLimit
	ReduceOnly bool
}
