// ratelimit.go implements per-category rate limiting for the REST adapter,
// generalized from a single CLOB-specific rate table to four categories a
// perpetual-futures venue typically enforces separately: order placement,
// cancellation, market-data reads, and account reads.
package restadapter

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups token-bucket limiters by request category. Each
// limiter is a rate.Limiter: burst sized to a venue's published 10s window,
// refill rate set to 1/10th of that burst for smooth continuous refill
// instead of bursty 10s resets.
type RateLimiter struct {
	Order   *rate.Limiter // POST /order
	Cancel  *rate.Limiter // DELETE /allOpenOrders
	Market  *rate.Limiter // GET /ticker, /klines, /premiumIndex
	Account *rate.Limiter // GET /account, /positionRisk
}

// NewRateLimiter creates rate limiters tuned to a generic futures venue's
// published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   rate.NewLimiter(30, 300),
		Cancel:  rate.NewLimiter(30, 300),
		Market:  rate.NewLimiter(120, 1200),
		Account: rate.NewLimiter(18, 180),
	}
}
