// Package exchange captures order book depth and trades from an exchange and turns them into a
// replayable tick log.
package exchange

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/orderbook-replay/internal/market"
)

var (
	ErrNoDepth       = errors.New("no depth snapshot received yet")
	ErrCaptureFailed = errors.New("every capture poll failed")
)

// Depth is a depth snapshot. Bids are ordered best (highest) first, asks best (lowest) first.
type Depth struct {
	Bids []market.Level
	Asks []market.Level
	Time time.Time
}

// Trade is an executed trade reported by the exchange.
type Trade struct {
	Price float64
	Size  float64
	Time  time.Time
}

// DepthClient is the interface for exchanges that can report depth and recent trades.
type DepthClient interface {
	Name() string
	FetchDepth(ctx context.Context, symbol string) (Depth, error)
	FetchTrades(ctx context.Context, symbol string) ([]Trade, error)
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// sortDepth orders bids descending and asks ascending by price.
func sortDepth(d *Depth) {
	sort.SliceStable(d.Bids, func(i, j int) bool { return d.Bids[i].Price > d.Bids[j].Price })
	sort.SliceStable(d.Asks, func(i, j int) bool { return d.Asks[i].Price < d.Asks[j].Price })
}
