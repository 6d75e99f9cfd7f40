package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/amirphl/orderbook-replay/internal/db"
	"github.com/amirphl/orderbook-replay/internal/market"
)

// Source produces the finite, ordered tick sequence handed to the replay engine.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]market.Tick, error)
}

// CSVSource loads ticks from a tick log file.
type CSVSource struct {
	Path string
}

func (s CSVSource) Name() string {
	return "csv:" + s.Path
}

func (s CSVSource) Load(ctx context.Context) ([]market.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticks, err := LoadCSV(s.Path)
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, s.Path)
	}
	return ticks, nil
}

// StoreSource loads ticks for one symbol from storage, in [From, To) nanoseconds.
type StoreSource struct {
	Storage db.TickStorage
	Symbol  string
	From    int64
	To      int64
}

func (s StoreSource) Name() string {
	return "store:" + s.Symbol
}

func (s StoreSource) Load(ctx context.Context) ([]market.Tick, error) {
	ticks, err := s.Storage.GetTicks(ctx, s.Symbol, s.From, s.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("%w: no ticks for %s", ErrEmptySource, s.Symbol)
	}
	return ticks, nil
}

// SliceSource serves an in-memory tick slice.
type SliceSource []market.Tick

func (s SliceSource) Name() string {
	return "slice"
}

func (s SliceSource) Load(ctx context.Context) ([]market.Tick, error) {
	if len(s) == 0 {
		return nil, ErrEmptySource
	}
	out := make([]market.Tick, len(s))
	copy(out, s)
	return out, nil
}

// IsOrdered reports whether ticks are in non-decreasing timestamp order.
func IsOrdered(ticks []market.Tick) bool {
	return sort.SliceIsSorted(ticks, func(i, j int) bool {
		return ticks[i].Timestamp < ticks[j].Timestamp
	})
}
