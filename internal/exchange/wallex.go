package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/amirphl/orderbook-replay/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
)

// WallexDepthClient polls Wallex's public REST endpoints.
type WallexDepthClient struct {
	client   *wallex.Client
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

func NewWallexDepthClient(apiKey string) *WallexDepthClient {
	return &WallexDepthClient{
		client:   wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		attempts: 3,
		delay:    2 * time.Second,
		logger:   utils.Component("wallex"),
	}
}

func (w *WallexDepthClient) Name() string {
	return "wallex"
}

// retry runs fn until it succeeds, backing off exponentially (capped at one minute) between attempts.
func retry(ctx context.Context, logger zerolog.Logger, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		logger.Warn().Err(err).Int("attempt", i).Int("attempts", attempts).Dur("backoff", backoff).Msg("Retry attempt failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

func (w *WallexDepthClient) FetchDepth(ctx context.Context, symbol string) (Depth, error) {
	if err := ctx.Err(); err != nil {
		return Depth{}, err
	}

	var asks, bids []*wallex.MarketOrder
	err := retry(ctx, w.logger, w.attempts, w.delay, func() error {
		var err error
		asks, bids, err = w.client.MarketOrders(NormalizeSymbol(symbol))
		if err != nil {
			return fmt.Errorf("fetching orderbook: %w", err)
		}
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("orderbook failed: %w", err)
	}

	d := Depth{Time: time.Now().UTC()}
	if d.Bids, err = convertOrders(bids); err != nil {
		return Depth{}, fmt.Errorf("bids: %w", err)
	}
	if d.Asks, err = convertOrders(asks); err != nil {
		return Depth{}, fmt.Errorf("asks: %w", err)
	}
	sortDepth(&d)
	return d, nil
}

func (w *WallexDepthClient) FetchTrades(ctx context.Context, symbol string) ([]Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var trades []*wallex.MarketTrade
	err := retry(ctx, w.logger, w.attempts, w.delay, func() error {
		var err error
		trades, err = w.client.MarketTrades(NormalizeSymbol(symbol))
		if err != nil {
			return fmt.Errorf("fetching trades: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trades failed: %w", err)
	}

	out := make([]Trade, 0, len(trades))
	for _, t := range trades {
		price, err := parseNumber(t.Price)
		if err != nil {
			return nil, fmt.Errorf("trade price: %w", err)
		}
		size, err := parseNumber(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("trade quantity: %w", err)
		}
		out = append(out, Trade{Price: price, Size: size, Time: t.Timestamp.UTC()})
	}
	return out, nil
}

func convertOrders(orders []*wallex.MarketOrder) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(orders))
	for _, o := range orders {
		price, err := parseNumber(o.Price)
		if err != nil {
			return nil, err
		}
		size, err := parseNumber(o.Quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: price, Size: size})
	}
	return levels, nil
}

func parseNumber(n wallex.Number) (float64, error) {
	if n == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", string(n), err)
	}
	return d.InexactFloat64(), nil
}
