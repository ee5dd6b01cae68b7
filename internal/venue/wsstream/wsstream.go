// Package wsstream is one concrete, illustrative implementation of the
// venue.Stream contract (component B). It auto-reconnects with exponential
// backoff (1s → 30s max), re-subscribes every tracked symbol on reconnect,
// and dispatches depth frames to per-symbol callbacks — generalized from a
// single venue's book/price_change/trade/order envelope down to the one
// event shape a hedge engine needs: a full depth snapshot per symbol.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hedged/internal/venue"
	"hedged/pkg/model"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

var _ venue.Stream = (*Stream)(nil)

// depthEnvelope is the generic wire shape this implementation expects:
// one JSON object per symbol update, carrying both book sides.
type depthEnvelope struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// Stream is a single WebSocket connection to one venue, multiplexing many
// symbol subscriptions.
type Stream struct {
	venueName string
	url       string
	conn      *websocket.Conn
	connMu    sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]venue.BookCallback

	logger *slog.Logger
}

// New builds a wsstream for one venue's market-data WebSocket endpoint.
func New(venueName, wsURL string, logger *slog.Logger) *Stream {
	return &Stream{
		venueName: venueName,
		url:       wsURL,
		subs:      make(map[string]venue.BookCallback),
		logger:    logger.With("component", "wsstream", "venue", venueName),
	}
}

func (s *Stream) Subscribe(symbol string, cb venue.BookCallback) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[symbol] = cb
	if s.conn != nil {
		_ = s.sendSubscribe([]string{symbol})
	}
}

func (s *Stream) Unsubscribe(symbol string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, symbol)
	if s.conn != nil {
		_ = s.sendUnsubscribe([]string{symbol})
	}
}

// Start connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (s *Stream) Start(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) Stop() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.subsMu.RLock()
	symbols := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		symbols = append(symbols, sym)
	}
	s.subsMu.RUnlock()
	if len(symbols) > 0 {
		if err := s.sendSubscribe(symbols); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	s.logger.Info("stream connected", "symbols", len(symbols))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

func (s *Stream) dispatch(data []byte) {
	var env depthEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-depth ws message", "data", string(data))
		return
	}
	if env.Symbol == "" {
		return
	}

	s.subsMu.RLock()
	cb, ok := s.subs[env.Symbol]
	s.subsMu.RUnlock()
	if !ok {
		return
	}

	book := model.OrderBook{
		Venue:     s.venueName,
		Symbol:    env.Symbol,
		Bids:      parseLevels(env.Bids),
		Asks:      parseLevels(env.Asks),
		Timestamp: time.Now(),
	}
	cb(book)
}

func parseLevels(raw [][2]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, r := range raw {
		var price, size float64
		fmt.Sscanf(r[0], "%f", &price)
		fmt.Sscanf(r[1], "%f", &size)
		out = append(out, model.PriceLevel{Price: price, Size: size})
	}
	return out
}

func (s *Stream) sendSubscribe(symbols []string) error {
	return s.writeJSON(map[string]interface{}{"op": "subscribe", "symbols": symbols})
}

func (s *Stream) sendUnsubscribe(symbols []string) error {
	return s.writeJSON(map[string]interface{}{"op": "unsubscribe", "symbols": symbols})
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
