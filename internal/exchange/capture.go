package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/amirphl/orderbook-replay/internal/metrics"
	"github.com/amirphl/orderbook-replay/internal/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CaptureStats counts what a capture produced.
type CaptureStats struct {
	Polls      int
	Failed     int
	LevelTicks int
	TradeTicks int
}

// EmitFunc receives the ticks produced by one poll, in replay order.
type EmitFunc func(ctx context.Context, ticks []market.Tick) error

// Capturer samples a DepthClient a fixed number of times and converts every change into ticks:
// a full rewrite of the five slots of a side whenever that side changed, preceded by the trades
// executed since the previous poll.
type Capturer struct {
	client   DepthClient
	symbol   string
	polls    int
	interval time.Duration
	logger   zerolog.Logger

	seeded    bool
	prevBids  [market.Depth]market.Level
	prevAsks  [market.Depth]market.Level
	lastTrade time.Time
	lastTs    int64
}

func NewCapturer(client DepthClient, symbol string, polls int, interval time.Duration) *Capturer {
	return &Capturer{
		client:   client,
		symbol:   symbol,
		polls:    polls,
		interval: interval,
		logger:   utils.Component("capture").With().Str("symbol", symbol).Str("exchange", client.Name()).Logger(),
	}
}

// Run polls until the configured count is reached or ctx is done. Failed polls are logged and
// skipped; Run fails only if emit fails or no poll succeeded.
func (c *Capturer) Run(ctx context.Context, emit EmitFunc) (CaptureStats, error) {
	var stats CaptureStats
	for i := 0; i < c.polls; i++ {
		if i > 0 && c.interval > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(c.interval):
			}
		}

		stats.Polls++
		ticks, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			metrics.APIErrorsTotal.WithLabelValues(c.client.Name(), "poll").Inc()
			c.logger.Warn().Err(err).Int("poll", i).Msg("Poll failed")
			continue
		}

		for _, t := range ticks {
			if t.Side == market.SideTrade {
				stats.TradeTicks++
			} else {
				stats.LevelTicks++
			}
			metrics.CapturedTicksTotal.WithLabelValues(t.Side.String()).Inc()
		}
		if len(ticks) == 0 {
			continue
		}
		if err := emit(ctx, ticks); err != nil {
			return stats, fmt.Errorf("emit ticks: %w", err)
		}
	}

	if stats.Polls > 0 && stats.Failed == stats.Polls {
		return stats, ErrCaptureFailed
	}
	c.logger.Info().
		Int("polls", stats.Polls).
		Int("failed", stats.Failed).
		Int("level_ticks", stats.LevelTicks).
		Int("trade_ticks", stats.TradeTicks).
		Msg("Capture finished")
	return stats, nil
}

// Poll fetches depth and trades concurrently and returns the ticks describing the change since
// the previous successful poll.
func (c *Capturer) Poll(ctx context.Context) ([]market.Tick, error) {
	var (
		depth  Depth
		trades []Trade
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		depth, err = c.client.FetchDepth(gctx, c.symbol)
		return err
	})
	g.Go(func() error {
		var err error
		trades, err = c.client.FetchTrades(gctx, c.symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c.ticksFor(depth, trades), nil
}

func (c *Capturer) ticksFor(depth Depth, trades []Trade) []market.Tick {
	ts := depth.Time.UnixNano()
	if depth.Time.IsZero() {
		ts = time.Now().UnixNano()
	}
	ts = max(ts, c.lastTs)

	var out []market.Tick

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Time.Before(trades[j].Time) })
	for _, tr := range trades {
		if !tr.Time.After(c.lastTrade) {
			continue
		}
		// trades already on the exchange when capture starts are history, not changes
		if c.seeded {
			tts := min(max(tr.Time.UnixNano(), c.lastTs), ts)
			out = append(out, market.Tick{Side: market.SideTrade, Price: tr.Price, Size: tr.Size, Timestamp: tts})
		}
		c.lastTrade = tr.Time
	}

	bids := topLevels(depth.Bids)
	asks := topLevels(depth.Asks)
	out = append(out, sideTicks(market.SideBid, c.prevBids, bids, ts, !c.seeded)...)
	out = append(out, sideTicks(market.SideOffer, c.prevAsks, asks, ts, !c.seeded)...)

	c.prevBids, c.prevAsks = bids, asks
	c.seeded = true
	c.lastTs = ts
	return out
}

// topLevels keeps the first Depth populated levels.
func topLevels(levels []market.Level) [market.Depth]market.Level {
	var out [market.Depth]market.Level
	n := 0
	for _, lv := range levels {
		if n == market.Depth {
			break
		}
		if !lv.IsEmpty() {
			out[n] = lv
			n++
		}
	}
	return out
}

func sideTicks(side market.Side, prev, cur [market.Depth]market.Level, ts int64, force bool) []market.Tick {
	if prev == cur && !force {
		return nil
	}
	out := make([]market.Tick, 0, market.Depth)
	for i, lv := range cur {
		out = append(out, market.Tick{Side: side, Level: i + 1, Price: lv.Price, Size: lv.Size, Timestamp: ts})
	}
	return out
}
