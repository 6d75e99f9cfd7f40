package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/orderbook-replay/internal/book"
	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poll struct {
	depth  Depth
	trades []Trade
	err    error
}

type fakeClient struct {
	polls []poll
	n     int
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) FetchDepth(ctx context.Context, symbol string) (Depth, error) {
	p := f.polls[f.n]
	if p.err != nil {
		return Depth{}, p.err
	}
	return p.depth, nil
}

func (f *fakeClient) FetchTrades(ctx context.Context, symbol string) ([]Trade, error) {
	p := f.polls[f.n]
	if p.err != nil {
		return nil, p.err
	}
	return p.trades, nil
}

func (f *fakeClient) next() { f.n++ }

var t0 = time.Unix(1700000000, 0).UTC()

func levels(pairs ...float64) []market.Level {
	var out []market.Level
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, market.Level{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

// runPolls drives the capturer one poll at a time so the fake client can serve each poll's data.
func runPolls(t *testing.T, c *Capturer, f *fakeClient) [][]market.Tick {
	t.Helper()
	var out [][]market.Tick
	for range f.polls {
		ticks, err := c.Poll(context.Background())
		require.NoError(t, err)
		out = append(out, ticks)
		f.next()
	}
	return out
}

func TestCapturer_FirstPollWritesFullSnapshot(t *testing.T) {
	f := &fakeClient{polls: []poll{{
		depth:  Depth{Bids: levels(100, 1, 99, 2), Asks: levels(101, 3), Time: t0},
		trades: []Trade{{Price: 100, Size: 1, Time: t0.Add(-time.Second)}},
	}}}
	c := NewCapturer(f, "BTCIRT", 1, 0)

	ticks := runPolls(t, c, f)[0]
	require.Len(t, ticks, 2*market.Depth, "historical trades are skipped")
	assert.Equal(t, market.Tick{Side: market.SideBid, Level: 1, Price: 100, Size: 1, Timestamp: t0.UnixNano()}, ticks[0])
	assert.Equal(t, market.Tick{Side: market.SideBid, Level: 3, Timestamp: t0.UnixNano()}, ticks[2], "vacant slots are cleared")
	assert.Equal(t, market.SideOffer, ticks[market.Depth].Side)
	assert.Equal(t, 101.0, ticks[market.Depth].Price)
}

func TestCapturer_OnlyChangedSidesAndNewTrades(t *testing.T) {
	f := &fakeClient{polls: []poll{
		{depth: Depth{Bids: levels(100, 1), Asks: levels(101, 3), Time: t0}},
		{
			depth:  Depth{Bids: levels(100, 1), Asks: levels(101, 1), Time: t0.Add(time.Second)},
			trades: []Trade{{Price: 101, Size: 2, Time: t0.Add(500 * time.Millisecond)}},
		},
		{
			depth:  Depth{Bids: levels(100, 1), Asks: levels(101, 1), Time: t0.Add(2 * time.Second)},
			trades: []Trade{{Price: 101, Size: 2, Time: t0.Add(500 * time.Millisecond)}},
		},
	}}
	c := NewCapturer(f, "BTCIRT", 3, 0)

	out := runPolls(t, c, f)
	second := out[1]
	require.Len(t, second, 1+market.Depth)
	assert.Equal(t, market.Tick{Side: market.SideTrade, Price: 101, Size: 2, Timestamp: t0.Add(500 * time.Millisecond).UnixNano()}, second[0])
	for _, tk := range second[1:] {
		assert.Equal(t, market.SideOffer, tk.Side, "unchanged bids are not rewritten")
	}

	assert.Empty(t, out[2], "no change and no new trade")
}

func TestCapturer_TimestampsNeverDecrease(t *testing.T) {
	f := &fakeClient{polls: []poll{
		{depth: Depth{Bids: levels(100, 1), Time: t0}},
		{
			depth:  Depth{Bids: levels(100, 2), Time: t0.Add(-time.Second)},
			trades: []Trade{{Price: 100, Size: 1, Time: t0.Add(-time.Minute)}, {Price: 100, Size: 1, Time: t0.Add(time.Minute)}},
		},
	}}
	c := NewCapturer(f, "BTCIRT", 2, 0)
	c.lastTrade = t0.Add(-2 * time.Minute)

	var all []market.Tick
	for _, ticks := range runPolls(t, c, f) {
		all = append(all, ticks...)
	}
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].Timestamp, all[i-1].Timestamp)
	}
}

func TestCapturer_ReplayReproducesSnapshot(t *testing.T) {
	f := &fakeClient{polls: []poll{
		{depth: Depth{Bids: levels(100, 1, 99, 2, 98, 3), Asks: levels(101, 1, 102, 2), Time: t0}},
		{depth: Depth{Bids: levels(99, 2, 98, 3), Asks: levels(101, 4, 102, 2, 103, 1), Time: t0.Add(time.Second)}},
	}}
	c := NewCapturer(f, "BTCIRT", 2, 0)

	var all []market.Tick
	for _, ticks := range runPolls(t, c, f) {
		all = append(all, ticks...)
	}

	e := book.NewEngine(all)
	for e.HasNext() {
		applied, err := e.Advance()
		require.NoError(t, err)
		assert.True(t, applied)
	}
	assert.Contains(t, e.Book().String(), "level 1: price 99, size 2")
	assert.Contains(t, e.Book().String(), "level 3: price 103, size 1")
}

type scriptedClient struct {
	depths []Depth
	errs   []error
	calls  int
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) FetchDepth(ctx context.Context, symbol string) (Depth, error) {
	i := s.calls
	s.calls++
	if s.errs[i] != nil {
		return Depth{}, s.errs[i]
	}
	return s.depths[i], nil
}

func (s *scriptedClient) FetchTrades(ctx context.Context, symbol string) ([]Trade, error) {
	return nil, nil
}

func TestCapturer_Run(t *testing.T) {
	boom := errors.New("boom")

	t.Run("Failed polls are skipped", func(t *testing.T) {
		client := &scriptedClient{
			depths: []Depth{{}, {Bids: levels(100, 1), Time: t0}, {Bids: levels(100, 1), Time: t0.Add(time.Second)}},
			errs:   []error{boom, nil, nil},
		}
		var batches [][]market.Tick
		stats, err := NewCapturer(client, "BTCIRT", 3, 0).Run(context.Background(), func(ctx context.Context, ticks []market.Tick) error {
			batches = append(batches, ticks)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, CaptureStats{Polls: 3, Failed: 1, LevelTicks: 2 * market.Depth}, stats)
		assert.Len(t, batches, 1, "unchanged polls emit nothing")
	})

	t.Run("All polls failing", func(t *testing.T) {
		client := &scriptedClient{depths: make([]Depth, 2), errs: []error{boom, boom}}
		_, err := NewCapturer(client, "BTCIRT", 2, 0).Run(context.Background(), func(context.Context, []market.Tick) error { return nil })
		assert.ErrorIs(t, err, ErrCaptureFailed)
	})

	t.Run("Emit failure stops", func(t *testing.T) {
		client := &scriptedClient{depths: []Depth{{Bids: levels(1, 1), Time: t0}, {}}, errs: []error{nil, nil}}
		_, err := NewCapturer(client, "BTCIRT", 2, 0).Run(context.Background(), func(context.Context, []market.Tick) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, client.calls)
	})

	t.Run("Cancelled between polls", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		client := &scriptedClient{depths: []Depth{{Bids: levels(1, 1), Time: t0}, {}}, errs: []error{nil, nil}}
		_, err := NewCapturer(client, "BTCIRT", 2, time.Hour).Run(ctx, func(context.Context, []market.Tick) error {
			cancel()
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCIRT", NormalizeSymbol("btc-irt"))
}
