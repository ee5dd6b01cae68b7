// Package fake provides an in-memory Adapter and Stream used by unit tests,
// so engine/analyzer/searcher logic can be exercised
// without a live venue connection.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedged/internal/venue"
	"hedged/pkg/model"
)

var (
	_ venue.Adapter = (*Adapter)(nil)
	_ venue.Stream  = (*Stream)(nil)
)

// Adapter is a scriptable, in-memory venue.Adapter.
type Adapter struct {
	mu sync.Mutex

	NameVal string

	Prices       map[string]float64
	Klines       map[string][]model.Kline
	Positions    []model.Position
	FundingRates map[string]float64
	TotalMarginVal,
	AvailMarginVal,
	CrossMarginVal float64
	TakerFeeRateVal, MakerFeeRateVal float64
	FundingPeriodVal                time.Duration

	Orders   []venue.OrderRequest
	NextID   int
	OrderErr error

	// AvgPriceVal, if non-zero, is returned as every recent order's fill
	// price; tests use it to control reconcile behavior without a real book.
	AvgPriceVal float64
}

// New builds a fake adapter with sane defaults.
func New(name string) *Adapter {
	return &Adapter{
		NameVal:          name,
		Prices:           make(map[string]float64),
		Klines:           make(map[string][]model.Kline),
		FundingRates:     make(map[string]float64),
		TakerFeeRateVal:  0.0004,
		MakerFeeRateVal:  0.0002,
		FundingPeriodVal: 8 * time.Hour,
	}
}

func (a *Adapter) Name() string { return a.NameVal }

func (a *Adapter) GetAllTickPrices(ctx context.Context) ([]venue.TickPrice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]venue.TickPrice, 0, len(a.Prices))
	for sym, p := range a.Prices {
		out = append(out, venue.TickPrice{Symbol: sym, Price: p})
	}
	return out, nil
}

func (a *Adapter) GetTickPrice(ctx context.Context, symbol string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("fake: no price for %s", symbol)
	}
	return p, nil
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks := a.Klines[symbol]
	if len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return ks, nil
}

func (a *Adapter) GetAllCurPositions(ctx context.Context) ([]model.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Position(nil), a.Positions...), nil
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string, apy bool) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, ok := a.FundingRates[symbol]
	if !ok {
		return 0, fmt.Errorf("fake: no funding rate for %s", symbol)
	}
	if !apy {
		return rate, nil
	}
	periodsPerDay := 24 * time.Hour / a.FundingPeriodVal
	return rate * float64(periodsPerDay) * 365, nil
}

func (a *Adapter) GetTotalMargin(ctx context.Context) (float64, error)     { return a.TotalMarginVal, nil }
func (a *Adapter) GetAvailableMargin(ctx context.Context) (float64, error) { return a.AvailMarginVal, nil }
func (a *Adapter) GetCrossMarginRatio(ctx context.Context) (float64, error) { return a.CrossMarginVal, nil }

func (a *Adapter) MakeNewOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.OrderErr != nil {
		return "", a.OrderErr
	}
	a.Orders = append(a.Orders, req)
	a.NextID++
	return fmt.Sprintf("fake-%d", a.NextID), nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (a *Adapter) GetRecentOrder(ctx context.Context, symbol, orderID string) (model.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	avg := a.AvgPriceVal
	if avg == 0 {
		avg = a.Prices[symbol]
	}
	return model.Order{
		OrderID:     orderID,
		Symbol:      symbol,
		Status:      model.OrderFilled,
		AvgPrice:    avg,
		ExecutedQty: 1,
		OrigQty:     1,
	}, nil
}

func (a *Adapter) ConvertSize(symbol string, qty float64) float64 { return qty }
func (a *Adapter) TakerFeeRate() float64                          { return a.TakerFeeRateVal }
func (a *Adapter) MakerFeeRate() float64                          { return a.MakerFeeRateVal }
func (a *Adapter) FundingPeriod() time.Duration                   { return a.FundingPeriodVal }

// Stream is a scriptable, in-memory venue.Stream: Push delivers a book
// directly to whatever callback is currently subscribed for its symbol.
type Stream struct {
	mu   sync.RWMutex
	subs map[string]venue.BookCallback
}

func NewStream() *Stream {
	return &Stream{subs: make(map[string]venue.BookCallback)}
}

func (s *Stream) Subscribe(symbol string, cb venue.BookCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[symbol] = cb
}

func (s *Stream) Unsubscribe(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, symbol)
}

func (s *Stream) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *Stream) Stop() error { return nil }

// Push delivers book to symbol's current subscriber, if any.
func (s *Stream) Push(book model.OrderBook) {
	s.mu.RLock()
	cb, ok := s.subs[book.Symbol]
	s.mu.RUnlock()
	if ok {
		cb(book)
	}
}
