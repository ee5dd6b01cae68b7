package venue

import (
	"context"

	"hedged/pkg/model"
)

// BookCallback is invoked with a fresh, non-stale OrderBook every time the
// stream has a new depth frame for a symbol. Implementations are free to
// debounce bursts of updates but MUST NOT coalesce past a single stale
// frame — callers always see monotonically-fresher books.
type BookCallback func(model.OrderBook)

// Stream is the push-model order-book depth contract (component B).
// One Stream instance serves one venue and may multiplex many symbol
// subscriptions.
type Stream interface {
	// Subscribe registers cb to receive book updates for symbol. Safe to
	// call before or after Start.
	Subscribe(symbol string, cb BookCallback)

	// Unsubscribe removes a previously registered symbol subscription.
	Unsubscribe(symbol string)

	// Start connects and begins delivering updates. Blocks until ctx is
	// cancelled or an unrecoverable error occurs.
	Start(ctx context.Context) error

	// Stop tears down the connection. Safe to call multiple times.
	Stop() error
}
