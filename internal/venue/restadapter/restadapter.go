// Package restadapter is one concrete, illustrative implementation of the
// venue.Adapter contract. It talks to a generic Binance-Futures-shaped REST
// API (the same order/side/margin-type vocabulary as
// github.com/adshao/go-binance/v2/futures) over a plain resty client rather
// than through that SDK directly, since the adapter contract (venue.Adapter)
// is venue-agnostic and every venue's REST shape differs in the details —
// only the naming of sides, order types and margin calls is grounded on
// that library's surface.
//
// Every request is rate-limited via per-category token buckets, retried on
// 5xx errors, and carries the API key in an X-API-KEY header; requests are
// not HMAC-signed and the API secret is not used — the same shape as a
// market-making bot's exchange client, generalized from order-book reads and
// batch order placement to the futures-venue capability set this engine
// needs.
package restadapter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"hedged/internal/config"
	"hedged/internal/venue"
	"hedged/pkg/model"
)

var _ venue.Adapter = (*Adapter)(nil)

// Adapter is a REST-only venue.Adapter implementation.
type Adapter struct {
	name      string
	http      *resty.Client
	rl        *RateLimiter
	dryRun    bool
	taker     float64
	maker     float64
	sizeDecimals int
	fundingPeriod time.Duration
}

// New builds a REST adapter for one venue from its config entry.
func New(cfg config.VenueConfig, dryRun bool) *Adapter {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-KEY", cfg.APIKey)
	}

	period := time.Duration(cfg.FundingPeriodHrs * float64(time.Hour))
	if period <= 0 {
		period = 8 * time.Hour
	}

	return &Adapter{
		name:          cfg.Name,
		http:          httpClient,
		rl:            NewRateLimiter(),
		dryRun:        dryRun,
		taker:         cfg.TakerFeeRate,
		maker:         cfg.MakerFeeRate,
		sizeDecimals:  3,
		fundingPeriod: period,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) TakerFeeRate() float64      { return a.taker }
func (a *Adapter) MakerFeeRate() float64      { return a.maker }
func (a *Adapter) FundingPeriod() time.Duration { return a.fundingPeriod }

// ConvertSize snaps qty to the venue's quantity precision, using decimal
// arithmetic rather than float64 scaling so repeated truncation across many
// trades never drifts from the venue's actual lot size.
func (a *Adapter) ConvertSize(symbol string, qty float64) float64 {
	d := decimal.NewFromFloat(qty).Truncate(int32(a.sizeDecimals))
	f, _ := d.Float64()
	return f
}

type tickerResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetAllTickPrices fetches every symbol's last price in one call.
func (a *Adapter) GetAllTickPrices(ctx context.Context) ([]venue.TickPrice, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var raw []tickerResp
	resp, err := a.http.R().SetContext(ctx).SetResult(&raw).Get("/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("get all tick prices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get all tick prices: status %d: %s", resp.StatusCode(), resp.String())
	}
	out := make([]venue.TickPrice, 0, len(raw))
	for _, t := range raw {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			continue
		}
		out = append(out, venue.TickPrice{Symbol: t.Symbol, Price: price})
	}
	return out, nil
}

func (a *Adapter) GetTickPrice(ctx context.Context, symbol string) (float64, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}
	var result tickerResp
	resp, err := a.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("get tick price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get tick price: status %d: %s", resp.StatusCode(), resp.String())
	}
	return strconv.ParseFloat(result.Price, 64)
}

type klineResp [][]interface{}

// GetKlines fetches OHLC bars for a symbol/interval pair.
func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var raw klineResp
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]model.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		openMs, _ := row[0].(float64)
		open, _ := strconv.ParseFloat(fmt.Sprint(row[1]), 64)
		high, _ := strconv.ParseFloat(fmt.Sprint(row[2]), 64)
		low, _ := strconv.ParseFloat(fmt.Sprint(row[3]), 64)
		closeP, _ := strconv.ParseFloat(fmt.Sprint(row[4]), 64)
		out = append(out, model.Kline{
			OpenTime: time.UnixMilli(int64(openMs)),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
		})
	}
	return out, nil
}

type positionResp struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
}

func (a *Adapter) GetAllCurPositions(ctx context.Context) ([]model.Position, error) {
	if a.dryRun {
		return nil, nil
	}
	if err := a.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []positionResp
	resp, err := a.http.R().SetContext(ctx).SetResult(&raw).Get("/positionRisk")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]model.Position, 0, len(raw))
	for _, p := range raw {
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

type fundingResp struct {
	FundingRate string `json:"lastFundingRate"`
}

// GetFundingRate resolves the per-venue APY scaling hazard: it scales using
// THIS venue's own funding period, never a hard-coded ×3×365.
func (a *Adapter) GetFundingRate(ctx context.Context, symbol string, apy bool) (float64, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}
	var result fundingResp
	resp, err := a.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/premiumIndex")
	if err != nil {
		return 0, fmt.Errorf("get funding rate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get funding rate: status %d: %s", resp.StatusCode(), resp.String())
	}
	rate, err := strconv.ParseFloat(result.FundingRate, 64)
	if err != nil {
		return 0, err
	}
	if !apy {
		return rate, nil
	}
	periodsPerDay := 24 * time.Hour / a.fundingPeriod
	return rate * float64(periodsPerDay) * 365, nil
}

type accountResp struct {
	TotalMarginBalance     string `json:"totalMarginBalance"`
	AvailableBalance       string `json:"availableBalance"`
	TotalMaintMargin       string `json:"totalMaintMargin"`
}

func (a *Adapter) GetTotalMargin(ctx context.Context) (float64, error) {
	acc, err := a.account(ctx)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(acc.TotalMarginBalance, 64)
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	acc, err := a.account(ctx)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(acc.AvailableBalance, 64)
}

func (a *Adapter) GetCrossMarginRatio(ctx context.Context) (float64, error) {
	acc, err := a.account(ctx)
	if err != nil {
		return 0, err
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

func (a *Adapter) account(ctx context.Context) (*accountResp, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var result accountResp
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/account")
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get account: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

type orderReq struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Quantity   string `json:"quantity"`
	Price      string `json:"price,omitempty"`
	ReduceOnly bool   `json:"reduceOnly"`
}

type orderResp struct {
	OrderID int64 `json:"orderId"`
}

// MakeNewOrder places an order, translating model.Side/model.OrderType into
// the venue's BUY/SELL and MARKET/LIMIT vocabulary (grounded on go-binance/v2
// futures.SideTypeBuy/SideTypeSell, futures.OrderTypeMarket/OrderTypeLimit).
func (a *Adapter) MakeNewOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if a.dryRun {
		return fmt.Sprintf("dry-run-%s-%d", a.name, time.Now().UnixNano()), nil
	}
	if err := a.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	body := orderReq{
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Type:       string(req.Type),
		Quantity:   decimal.NewFromFloat(req.Amount).String(),
		ReduceOnly: req.ReduceOnly,
	}
	if req.Type == model.OrderTypeLimit {
		body.Price = decimal.NewFromFloat(req.Price).String()
	}

	var result orderResp
	resp, err := a.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/order")
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return strconv.FormatInt(result.OrderID, 10), nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if a.dryRun {
		return nil
	}
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).Delete("/allOpenOrders")
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type recentOrderResp struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	OrigQty     string `json:"origQty"`
	Side        string `json:"side"`
}

func (a *Adapter) GetRecentOrder(ctx context.Context, symbol, orderID string) (model.Order, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return model.Order{}, err
	}
	var result recentOrderResp
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "orderId": orderID}).
		SetResult(&result).
		Get("/order")
	if err != nil {
		return model.Order{}, fmt.Errorf("get recent order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return model.Order{}, fmt.Errorf("get recent order: status %d: %s", resp.StatusCode(), resp.String())
	}

	avg, _ := strconv.ParseFloat(result.AvgPrice, 64)
	exec, _ := strconv.ParseFloat(result.ExecutedQty, 64)
	orig, _ := strconv.ParseFloat(result.OrigQty, 64)

	return model.Order{
		OrderID:     strconv.FormatInt(result.OrderID, 10),
		Symbol:      symbol,
		Side:        model.Side(result.Side),
		Status:      model.OrderStatus(result.Status),
		AvgPrice:    avg,
		ExecutedQty: exec,
		OrigQty:     orig,
	}, nil
}

