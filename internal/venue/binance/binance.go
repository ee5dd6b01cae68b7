// Package binance is a second concrete, illustrative venue.Adapter
// implementation, built directly on github.com/adshao/go-binance/v2/futures
// rather than a generic REST client — grounded on a real production bot's
// execution-service wrapper around the same SDK (NewGetAccountService,
// NewGetPositionRiskService, NewCreateOrderService, NewGetOrderService,
// NewCancelAllOpenOrdersService, NewPremiumIndexService,
// NewListPricesService, NewKlinesService).
//
// Where restadapter shows how to wire venue.Adapter against a venue with no
// official Go SDK, this package shows the same contract wired against one
// that has one.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"hedged/internal/config"
	"hedged/internal/venue"
	"hedged/pkg/model"
)

var _ venue.Adapter = (*Adapter)(nil)

// Adapter wraps a futures.Client as a venue.Adapter.
type Adapter struct {
	name          string
	client        *futures.Client
	dryRun        bool
	taker         float64
	maker         float64
	fundingPeriod time.Duration
}

// New builds a binance futures adapter from its config entry.
func New(cfg config.VenueConfig, dryRun bool) *Adapter {
	if cfg.BaseURL != "" {
		futures.BaseURL = cfg.BaseURL
	}

	period := time.Duration(cfg.FundingPeriodHrs * float64(time.Hour))
	if period <= 0 {
		period = 8 * time.Hour
	}

	return &Adapter{
		name:          cfg.Name,
		client:        binance.NewFuturesClient(cfg.APIKey, cfg.APISecret),
		dryRun:        dryRun,
		taker:         cfg.TakerFeeRate,
		maker:         cfg.MakerFeeRate,
		fundingPeriod: period,
	}
}

func (a *Adapter) Name() string                   { return a.name }
func (a *Adapter) TakerFeeRate() float64          { return a.taker }
func (a *Adapter) MakerFeeRate() float64          { return a.maker }
func (a *Adapter) FundingPeriod() time.Duration   { return a.fundingPeriod }

// ConvertSize truncates to 3 decimal places; a production adapter would
// instead read the symbol's LOT_SIZE filter from NewExchangeInfoService and
// cache it, but step precision discovery is out of scope here.
func (a *Adapter) ConvertSize(symbol string, qty float64) float64 {
	return float64(int64(qty*1000)) / 1000
}

func (a *Adapter) GetAllTickPrices(ctx context.Context) ([]venue.TickPrice, error) {
	prices, err := a.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: list prices: %w", err)
	}
	out := make([]venue.TickPrice, 0, len(prices))
	for _, p := range prices {
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			continue
		}
		out = append(out, venue.TickPrice{Symbol: p.Symbol, Price: price})
	}
	return out, nil
}

func (a *Adapter) GetTickPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get tick price: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance: no price for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error) {
	ks, err := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: get klines: %w", err)
	}
	out := make([]model.Kline, 0, len(ks))
	for _, k := range ks {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closeP, _ := strconv.ParseFloat(k.Close, 64)
		out = append(out, model.Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
		})
	}
	return out, nil
}

func (a *Adapter) GetAllCurPositions(ctx context.Context) ([]model.Position, error) {
	if a.dryRun {
		return nil, nil
	}
	positions, err := a.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: get positions: %w", err)
	}
	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		out = append(out, model.Position{
			Venue:            a.name,
			Symbol:           p.Symbol,
			Amount:           amt,
			EntryPrice:       entry,
			Notional:         amt * entry,
			UnrealizedPnL:    upnl,
			MarkPrice:        mark,
			LiquidationPrice: liq,
		})
	}
	return out, nil
}

// GetFundingRate resolves the per-venue APY scaling hazard the same way
// restadapter does: scale by THIS venue's own funding period, never a
// hard-coded ×3×365.
func (a *Adapter) GetFundingRate(ctx context.Context, symbol string, apy bool) (float64, error) {
	rows, err := a.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get funding rate: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("binance: no premium index for %s", symbol)
	}
	rate, err := strconv.ParseFloat(rows[0].LastFundingRate, 64)
	if err != nil {
		return 0, err
	}
	if !apy {
		return rate, nil
	}
	periodsPerDay := 24 * time.Hour / a.fundingPeriod
	return rate * float64(periodsPerDay) * 365, nil
}

func (a *Adapter) GetTotalMargin(ctx context.Context) (float64, error) {
	acc, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get account: %w", err)
	}
	return strconv.ParseFloat(acc.TotalMarginBalance, 64)
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	acc, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get account: %w", err)
	}
	return strconv.ParseFloat(acc.AvailableBalance, 64)
}

func (a *Adapter) GetCrossMarginRatio(ctx context.Context) (float64, error) {
	acc, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get account: %w", err)
	}
	total, _ := strconv.ParseFloat(acc.TotalMarginBalance, 64)
	maint, _ := strconv.ParseFloat(acc.TotalMaintMargin, 64)
	if total == 0 {
		return 0, nil
	}
	ratio := maint / total
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}

func (a *Adapter) MakeNewOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if a.dryRun {
		return fmt.Sprintf("dry-run-%s-%d", a.name, time.Now().UnixNano()), nil
	}

	side := futures.SideTypeBuy
	if req.Side == model.Sell {
		side = futures.SideTypeSell
	}

	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(strconv.FormatFloat(req.Amount, 'f', -1, 64)).
		ReduceOnly(req.ReduceOnly)

	if req.Type == model.OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: place order: %w", err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if a.dryRun {
		return nil
	}
	if err := a.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("binance: cancel all orders: %w", err)
	}
	return nil
}

func (a *Adapter) GetRecentOrder(ctx context.Context, symbol, orderID string) (model.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return model.Order{}, fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}

	o, err := a.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return model.Order{}, fmt.Errorf("binance: get order: %w", err)
	}

	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	exec, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	orig, _ := strconv.ParseFloat(o.OrigQuantity, 64)

	return model.Order{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Symbol:      symbol,
		Side:        model.Side(o.Side),
		Status:      model.OrderStatus(o.Status),
		AvgPrice:    avg,
		ExecutedQty: exec,
		OrigQty:     orig,
	}, nil
}
