package book

import (
	"errors"
	"fmt"

	"github.com/amirphl/orderbook-replay/internal/feature"
	"github.com/amirphl/orderbook-replay/internal/market"
)

// Stats counts what the engine has processed so far.
type Stats struct {
	Batches      int
	Ticks        int
	BidTicks     int
	OfferTicks   int
	Trades       int
	TradeMisses  int
	InvalidTicks int
}

// Engine replays an ordered tick sequence through a Book, one timestamp batch at a time.
// The cursor is owned by the engine; callers only observe it through Index.
type Engine struct {
	book   *Book
	ticks  []market.Tick
	cursor int
	stats  Stats
}

// NewEngine creates an engine over ticks. The slice must be ordered by timestamp and must not be
// modified while the engine is in use.
func NewEngine(ticks []market.Tick, opts ...Option) *Engine {
	return &Engine{
		book:  New(opts...),
		ticks: ticks,
	}
}

// HasNext reports whether any tick is left to replay.
func (e *Engine) HasNext() bool {
	return e.cursor < len(e.ticks)
}

// Index returns the position of the next tick to be applied.
func (e *Engine) Index() int {
	return e.cursor
}

// Size returns the total number of ticks in the input.
func (e *Engine) Size() int {
	return len(e.ticks)
}

// Stats returns the processing counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Features returns the feature vector for the state after the last batch.
func (e *Engine) Features() feature.Vector {
	return e.book.Features()
}

// Timestamp returns the timestamp of the last applied batch.
func (e *Engine) Timestamp() int64 {
	return e.book.currentTime
}

// Book returns the underlying book for read-only debug rendering.
func (e *Engine) Book() fmt.Stringer {
	return e.book
}

// Advance applies every tick sharing the timestamp at the cursor, then normalizes the book.
// Derived quantities are only recomputed once the whole batch is in. With LevelReject, invalid
// ticks are skipped and returned as a joined error after the batch has been settled.
// The returned bool is false when no tick of the batch reached the book; such a batch is
// consumed but neither settled nor counted, so the state stays at the previous timestamp.
func (e *Engine) Advance() (bool, error) {
	if !e.HasNext() {
		return false, nil
	}

	var errs []error
	applied := false
	ts := e.ticks[e.cursor].Timestamp
	for e.cursor < len(e.ticks) && e.ticks[e.cursor].Timestamp == ts {
		t := e.ticks[e.cursor]
		res, err := e.book.apply(t)
		if err != nil {
			e.stats.InvalidTicks++
			if e.book.levelPolicy == LevelReject || !errors.Is(err, market.ErrInvalidLevel) {
				errs = append(errs, fmt.Errorf("tick %d: %w", e.cursor, err))
			}
		}
		if !res.skipped {
			applied = true
			e.stats.Ticks++
			switch t.Side {
			case market.SideBid:
				e.stats.BidTicks++
			case market.SideOffer:
				e.stats.OfferTicks++
			case market.SideTrade:
				e.stats.Trades++
				if !res.tradeMatched {
					e.stats.TradeMisses++
				}
			}
		}
		e.cursor++
	}

	if applied {
		e.book.settle()
		e.stats.Batches++
	}

	return applied, errors.Join(errs...)
}
