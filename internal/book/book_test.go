package book

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/amirphl/orderbook-replay/internal/feature"
	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper functions to create test ticks
func bidTick(level int, price, size float64, ts int64) market.Tick {
	return market.Tick{Side: market.SideBid, Level: level, Price: price, Size: size, Timestamp: ts}
}

func offerTick(level int, price, size float64, ts int64) market.Tick {
	return market.Tick{Side: market.SideOffer, Level: level, Price: price, Size: size, Timestamp: ts}
}

func tradeTick(price, size float64, ts int64) market.Tick {
	return market.Tick{Side: market.SideTrade, Price: price, Size: size, Timestamp: ts}
}

// advance applies one batch, failing the test on any error, and reports whether it was applied
func advance(t *testing.T, e *Engine) bool {
	t.Helper()
	applied, err := e.Advance()
	require.NoError(t, err)
	return applied
}

// replayAll advances the engine to the end and fails the test on any error
func replayAll(t *testing.T, e *Engine) {
	t.Helper()
	for e.HasNext() {
		advance(t, e)
	}
}

func assertLadderInvariant(t *testing.T, l *Ladder, descending bool) {
	t.Helper()
	levels := l.Levels()
	seenEmpty := false
	for i, lv := range levels {
		if lv.Price == 0 {
			assert.Equal(t, 0.0, lv.Size, "empty slot %d must have zero size", i)
			seenEmpty = true
			continue
		}
		assert.False(t, seenEmpty, "populated slot %d follows an empty slot", i)
		if i > 0 && levels[i-1].Price != 0 {
			if descending {
				assert.Greater(t, levels[i-1].Price, lv.Price)
			} else {
				assert.Less(t, levels[i-1].Price, lv.Price)
			}
		}
	}
}

func TestEngine_DirectLevelWrite(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 10, 1),
		bidTick(2, 99, 5, 1),
	})

	advance(t, e)

	assert.Equal(t, market.Level{Price: 100, Size: 10}, e.book.bid.At(0))
	assert.Equal(t, market.Level{Price: 99, Size: 5}, e.book.bid.At(1))
	assert.Equal(t, 15.0, e.book.bidVolume)
	assert.Equal(t, 15.0, e.Features()[feature.BidVolume])
	assert.False(t, e.HasNext())
}

func TestEngine_ExactMatchTrade(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 10, 1),
		tradeTick(100, 4, 2),
	})
	replayAll(t, e)

	assert.Equal(t, market.Level{Price: 100, Size: 6}, e.book.bid.At(0))
	assert.Equal(t, market.Level{Price: 100, Size: 4}, e.book.lastTrade)
	assert.Equal(t, int64(2), e.book.lastTradeTime)
	assert.Equal(t, 6.0, e.book.bidVolume)
	assert.Equal(t, 1, e.Stats().Trades)
	assert.Equal(t, 0, e.Stats().TradeMisses)
}

func TestEngine_NoMatchTrade(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 10, 1),
		offerTick(1, 101, 7, 1),
		tradeTick(50, 1, 2),
	})

	advance(t, e)
	bidBefore := e.book.bid.Levels()
	offerBefore := e.book.offer.Levels()

	advance(t, e)

	assert.Equal(t, bidBefore, e.book.bid.Levels())
	assert.Equal(t, offerBefore, e.book.offer.Levels())
	assert.Equal(t, market.Level{Price: 50, Size: 1}, e.book.lastTrade)
	assert.Equal(t, 1, e.Stats().TradeMisses)
}

func TestEngine_TradeScansBidBeforeOffer(t *testing.T) {
	// price 100 sits at bid slot 2 and offer slot 1; the bid side is scanned first
	b := New()
	require.NoError(t, b.bid.Set(1, market.Level{Price: 101, Size: 1}))
	require.NoError(t, b.bid.Set(2, market.Level{Price: 100, Size: 5}))
	require.NoError(t, b.offer.Set(1, market.Level{Price: 100, Size: 8}))

	res, err := b.apply(tradeTick(100, 2, 1))
	require.NoError(t, err)

	assert.True(t, res.tradeMatched)
	assert.Equal(t, 3.0, b.bid.At(1).Size)
	assert.Equal(t, 8.0, b.offer.At(0).Size)
}

func TestEngine_ZeroPriceTradeMissesEmptySlots(t *testing.T) {
	b := New()
	res, err := b.apply(tradeTick(0, 1, 1))
	require.NoError(t, err)
	assert.False(t, res.tradeMatched)

	e := NewEngine([]market.Tick{bidTick(1, 100, 1, 1), tradeTick(0, 1, 2)})
	replayAll(t, e)
	assert.Equal(t, 1, e.Stats().TradeMisses)
	assert.Equal(t, market.Level{Price: 100, Size: 1}, e.book.bid.Top())
}

func TestEngine_TradeMatchesOfferWhenBidMisses(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 10, 1),
		offerTick(1, 101, 7, 1),
		offerTick(2, 102, 3, 1),
		tradeTick(102, 3, 2),
	})
	replayAll(t, e)

	// the fully traded slot is dropped on normalization
	assert.Equal(t, market.Level{Price: 101, Size: 7}, e.book.offer.At(0))
	assert.Equal(t, market.Level{}, e.book.offer.At(1))
	assert.Equal(t, 7.0, e.book.offerVolume)
}

func TestEngine_TradeToleranceExtension(t *testing.T) {
	ticks := []market.Tick{
		bidTick(1, 100.0000001, 10, 1),
		tradeTick(100, 4, 2),
	}

	exact := NewEngine(ticks)
	replayAll(t, exact)
	assert.Equal(t, 10.0, exact.book.bid.At(0).Size)
	assert.Equal(t, 1, exact.Stats().TradeMisses)

	tolerant := NewEngine(ticks, WithTradeTolerance(1e-6))
	replayAll(t, tolerant)
	assert.InDelta(t, 6.0, tolerant.book.bid.At(0).Size, 1e-12)
	assert.Equal(t, 0, tolerant.Stats().TradeMisses)
}

func TestEngine_BatchAtomicity(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 99, 5, 10),
		bidTick(2, 100, 10, 10),
		offerTick(1, 101, 4, 10),
		bidTick(1, 98, 1, 20),
	})

	advance(t, e)
	assert.Equal(t, 3, e.Index(), "the whole first timestamp must be consumed in one batch")

	v := e.Features()
	assert.Equal(t, 15.0, v[feature.BidVolume])
	assert.Equal(t, 4.0, v[feature.OfferVolume])
	assert.Equal(t, 100.5, v[feature.MidPrice])
	assert.Equal(t, 1.0, v[feature.Spread])

	// the unsorted writes were reordered before anything became observable
	assert.Equal(t, market.Level{Price: 100, Size: 10}, e.book.bid.At(0))
	assert.Equal(t, market.Level{Price: 99, Size: 5}, e.book.bid.At(1))

	advance(t, e)
	assert.Equal(t, 4, e.Index())
	assert.False(t, e.HasNext())
	assert.Equal(t, 2, e.Stats().Batches)
}

func TestEngine_StopsAtEndOfInput(t *testing.T) {
	t.Run("Empty input", func(t *testing.T) {
		e := NewEngine(nil)
		assert.False(t, e.HasNext())
		assert.Equal(t, 0, e.Size())
		applied, err := e.Advance()
		assert.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 0, e.Index())
		assert.Equal(t, 0, e.Stats().Batches)
	})

	t.Run("Single tick", func(t *testing.T) {
		e := NewEngine([]market.Tick{bidTick(1, 10, 1, 5)})
		assert.True(t, e.HasNext())
		advance(t, e)
		assert.False(t, e.HasNext())
		assert.Equal(t, 1, e.Index())
		assert.Equal(t, 1, e.Size())
	})

	t.Run("Last tick is its own batch", func(t *testing.T) {
		e := NewEngine([]market.Tick{
			bidTick(1, 10, 1, 5),
			bidTick(1, 11, 1, 6),
		})
		replayAll(t, e)
		assert.Equal(t, 2, e.Stats().Batches)
		assert.Equal(t, 11.0, e.book.bestBid)
	})
}

func TestEngine_TimestampBookkeeping(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 1, 100),
		tradeTick(100, 0.5, 250),
		offerTick(1, 101, 1, 400),
	})

	advance(t, e)
	assert.Equal(t, int64(100), e.book.currentTime)
	assert.Equal(t, int64(0), e.book.lastTime)

	advance(t, e)
	assert.Equal(t, int64(250), e.book.currentTime)
	assert.Equal(t, int64(100), e.book.lastTime)
	assert.Equal(t, int64(250), e.book.lastTradeTime)
	assert.Equal(t, 0.0, e.Features()[feature.TimeSinceLastTrade])
	assert.Equal(t, 150.0, e.Features()[feature.TimeSinceLastUpdate])

	advance(t, e)
	assert.Equal(t, int64(400), e.Timestamp())
	assert.Equal(t, 150.0, e.Features()[feature.TimeSinceLastTrade])
	assert.Equal(t, 150.0, e.Features()[feature.TimeSinceLastUpdate])
}

func TestEngine_BestPriceHistory(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 1, 1),
		offerTick(1, 102, 1, 1),
		bidTick(1, 101, 1, 2),
		// empty both tops: best prices must hold
		bidTick(1, 0, 0, 3),
		offerTick(1, 0, 0, 3),
		offerTick(1, 103, 2, 4),
	})

	advance(t, e)
	assert.Equal(t, 100.0, e.book.bestBid)
	assert.Equal(t, 0.0, e.book.lastBestBid)
	assert.Equal(t, 102.0, e.book.bestOffer)
	assert.Equal(t, 1.0, e.Features()[feature.DirectionBid])
	assert.Equal(t, 1.0, e.Features()[feature.DirectionOffer])

	advance(t, e)
	assert.Equal(t, 101.0, e.book.bestBid)
	assert.Equal(t, 100.0, e.book.lastBestBid)

	advance(t, e)
	assert.Equal(t, market.Level{}, e.book.bid.Top())
	assert.Equal(t, market.Level{}, e.book.offer.Top())
	assert.Equal(t, 101.0, e.book.bestBid, "an empty top must not erase the best bid")
	assert.Equal(t, 100.0, e.book.lastBestBid)
	assert.Equal(t, 102.0, e.book.bestOffer, "an empty top must not erase the best offer")
	assert.Equal(t, 0.0, e.book.bidVolume)

	advance(t, e)
	assert.Equal(t, 103.0, e.book.bestOffer)
	assert.Equal(t, 102.0, e.book.lastBestOffer)
	assert.Equal(t, 1.0, e.Features()[feature.DirectionOffer])
}

func TestEngine_InvalidLevelPolicy(t *testing.T) {
	ticks := []market.Tick{
		bidTick(1, 100, 1, 1),
		bidTick(6, 200, 1, 1),
		offerTick(0, 300, 1, 1),
		offerTick(1, 101, 2, 1),
	}

	t.Run("Reject reports and skips", func(t *testing.T) {
		e := NewEngine(ticks)
		applied, err := e.Advance()
		assert.True(t, applied)
		require.Error(t, err)
		assert.ErrorIs(t, err, market.ErrInvalidLevel)

		assert.Equal(t, 4, e.Index(), "the batch is still consumed")
		assert.Equal(t, 100.0, e.book.bestBid)
		assert.Equal(t, 101.0, e.book.bestOffer)
		assert.Equal(t, 2, e.Stats().InvalidTicks)
		assert.Equal(t, 2, e.Stats().Ticks)
		assert.Equal(t, 1, e.Stats().BidTicks)
		assert.Equal(t, 1, e.Stats().OfferTicks)
	})

	t.Run("Ignore only counts", func(t *testing.T) {
		e := NewEngine(ticks, WithLevelPolicy(LevelIgnore))
		advance(t, e)
		assert.Equal(t, 2, e.Stats().InvalidTicks)
		assert.Equal(t, 1.0, e.book.bidVolume)
		assert.Equal(t, 2.0, e.book.offerVolume)
	})

	t.Run("Batch of rejected ticks is consumed but not applied", func(t *testing.T) {
		e := NewEngine([]market.Tick{bidTick(1, 100, 1, 1), bidTick(9, 1, 1, 5), bidTick(1, 101, 1, 7)})
		assert.True(t, advance(t, e))
		before := e.Features()

		applied, err := e.Advance()
		assert.Error(t, err)
		assert.False(t, applied)
		assert.Equal(t, 2, e.Index())
		assert.Equal(t, int64(1), e.Timestamp())
		assert.Equal(t, 1, e.Stats().Batches)
		assert.Equal(t, before, e.Features())

		assert.True(t, advance(t, e))
		assert.Equal(t, int64(7), e.Timestamp())
		assert.Equal(t, int64(1), e.book.lastTime)
		assert.Equal(t, 2, e.Stats().Batches)
	})

	t.Run("Ignored batch is not applied", func(t *testing.T) {
		e := NewEngine([]market.Tick{bidTick(0, 100, 1, 3)}, WithLevelPolicy(LevelIgnore))
		assert.False(t, advance(t, e))
		assert.False(t, e.HasNext())
		assert.Equal(t, 0, e.Stats().Batches)
		assert.Equal(t, 1, e.Stats().InvalidTicks)
	})
}

func TestEngine_FreshEngineZeroGuards(t *testing.T) {
	e := NewEngine(nil)
	v := e.Features()

	for _, idx := range []int{
		feature.MidPrice, feature.Spread, feature.Imbalance, feature.VWAPBid, feature.VWAPOffer,
		feature.RelativeSpread, feature.LogSpread, feature.PriceImbalance, feature.DepthRatio,
	} {
		assert.Equal(t, 0.0, v[idx], "feature %s", feature.Names[idx])
	}
}

func TestEngine_IdempotentQueries(t *testing.T) {
	e := NewEngine([]market.Tick{
		bidTick(1, 100, 3, 1),
		offerTick(1, 101, 2, 1),
		tradeTick(100, 1, 2),
	})
	replayAll(t, e)

	first := e.Features()
	second := e.Features()
	assert.Equal(t, first, second)
}

func TestEngine_RandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var ticks []market.Tick
	ts := int64(0)
	for i := 0; i < 2000; i++ {
		if rng.Intn(3) == 0 {
			ts++
		}
		price := float64(90 + rng.Intn(20))
		size := float64(rng.Intn(6)) // includes zero sizes
		switch rng.Intn(5) {
		case 0:
			ticks = append(ticks, tradeTick(price, float64(1+rng.Intn(3)), ts))
		case 1, 2:
			ticks = append(ticks, bidTick(1+rng.Intn(market.Depth), price, size, ts))
		default:
			ticks = append(ticks, offerTick(1+rng.Intn(market.Depth), price, size, ts))
		}
	}

	e := NewEngine(ticks)
	prevBestBid, prevBestOffer := 0.0, 0.0
	for e.HasNext() {
		advance(t, e)

		assertLadderInvariant(t, &e.book.bid, true)
		assertLadderInvariant(t, &e.book.offer, false)
		assert.Equal(t, e.book.bid.Volume(), e.book.bidVolume)
		assert.Equal(t, e.book.offer.Volume(), e.book.offerVolume)

		if prevBestBid != 0 {
			assert.NotEqual(t, 0.0, e.book.bestBid, "best bid never returns to zero")
		}
		if prevBestOffer != 0 {
			assert.NotEqual(t, 0.0, e.book.bestOffer, "best offer never returns to zero")
		}
		prevBestBid, prevBestOffer = e.book.bestBid, e.book.bestOffer

		assert.Equal(t, e.Features(), e.Features())
	}
	assert.Equal(t, len(ticks), e.Index())
}

func TestLadder_Normalize(t *testing.T) {
	tests := []struct {
		name       string
		descending bool
		input      [market.Depth]market.Level
		expected   [market.Depth]market.Level
	}{
		{
			name:       "Bids sorted descending",
			descending: true,
			input:      [market.Depth]market.Level{{Price: 98, Size: 1}, {Price: 100, Size: 2}, {Price: 99, Size: 3}},
			expected:   [market.Depth]market.Level{{Price: 100, Size: 2}, {Price: 99, Size: 3}, {Price: 98, Size: 1}},
		},
		{
			name:       "Offers sorted ascending",
			descending: false,
			input:      [market.Depth]market.Level{{Price: 103, Size: 1}, {Price: 101, Size: 2}, {}, {Price: 102, Size: 1}},
			expected:   [market.Depth]market.Level{{Price: 101, Size: 2}, {Price: 102, Size: 1}, {Price: 103, Size: 1}},
		},
		{
			name:       "Non-positive slots dropped",
			descending: true,
			input:      [market.Depth]market.Level{{Price: 100, Size: -1}, {Price: -5, Size: 3}, {Price: 0, Size: 4}, {Price: 97, Size: 0}, {Price: 96, Size: 2}},
			expected:   [market.Depth]market.Level{{Price: 96, Size: 2}},
		},
		{
			name:       "Duplicate price keeps first slot",
			descending: true,
			input:      [market.Depth]market.Level{{Price: 99, Size: 1}, {Price: 100, Size: 2}, {Price: 99, Size: 7}},
			expected:   [market.Depth]market.Level{{Price: 100, Size: 2}, {Price: 99, Size: 1}},
		},
		{
			name:       "All empty",
			descending: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLadder(tt.descending)
			l.levels = tt.input
			l.normalize()
			assert.Equal(t, tt.expected, l.Levels())
		})
	}
}

func TestLadder_SetBounds(t *testing.T) {
	l := newLadder(true)
	for _, level := range []int{-1, 0, market.Depth + 1, 100} {
		t.Run(fmt.Sprintf("level %d", level), func(t *testing.T) {
			err := l.Set(level, market.Level{Price: 1, Size: 1})
			assert.ErrorIs(t, err, market.ErrInvalidLevel)
		})
	}
	assert.Equal(t, [market.Depth]market.Level{}, l.Levels())
	assert.Equal(t, market.Level{}, l.At(-1))
	assert.Equal(t, market.Level{}, l.At(market.Depth))
}

func TestParseLevelPolicy(t *testing.T) {
	p, err := ParseLevelPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LevelReject, p)

	p, err = ParseLevelPolicy("IGNORE")
	require.NoError(t, err)
	assert.Equal(t, LevelIgnore, p)
	assert.Equal(t, "ignore", p.String())

	_, err = ParseLevelPolicy("clamp")
	assert.Error(t, err)
}

func TestBook_String(t *testing.T) {
	e := NewEngine([]market.Tick{bidTick(1, 100, 2, 7), tradeTick(100, 1, 7)})
	replayAll(t, e)

	out := e.Book().String()
	assert.Contains(t, out, "level 1: price 100, size 1")
	assert.Contains(t, out, "last trade: price 100, size 1, time 7")
	assert.Contains(t, out, "best_bid: 100, last_best_bid 0")
}
