package book

import (
	"fmt"
	"math"
	"sort"

	"github.com/amirphl/orderbook-replay/internal/market"
)

// Ladder is a fixed-capacity, index-addressed side of the book.
// After normalize, populated slots are sorted by priority and empty slots trail.
type Ladder struct {
	levels     [market.Depth]market.Level
	descending bool
}

func newLadder(descending bool) Ladder {
	return Ladder{descending: descending}
}

// Set overwrites the slot for a 1-based level.
func (l *Ladder) Set(level int, lv market.Level) error {
	if level < 1 || level > market.Depth {
		return fmt.Errorf("%w: %d outside 1..%d", market.ErrInvalidLevel, level, market.Depth)
	}
	l.levels[level-1] = lv
	return nil
}

// At returns the slot at a 0-based index.
func (l *Ladder) At(i int) market.Level {
	if i < 0 || i >= market.Depth {
		return market.Level{}
	}
	return l.levels[i]
}

// Top returns the first slot.
func (l *Ladder) Top() market.Level {
	return l.levels[0]
}

// Levels returns a copy of every slot.
func (l *Ladder) Levels() [market.Depth]market.Level {
	return l.levels
}

// Volume sums the sizes of all slots.
func (l *Ladder) Volume() float64 {
	var total float64
	for _, lv := range l.levels {
		total += lv.Size
	}
	return total
}

// reduce subtracts size from the first quoted slot whose price matches, scanning from the top.
// Empty slots never match. A tolerance of 0 requires exact equality.
func (l *Ladder) reduce(price, size, tolerance float64) bool {
	for i := range l.levels {
		if l.levels[i].Price <= 0 {
			continue
		}
		if priceMatches(l.levels[i].Price, price, tolerance) {
			l.levels[i].Size -= size
			return true
		}
	}
	return false
}

func priceMatches(slot, price, tolerance float64) bool {
	if tolerance <= 0 {
		return slot == price
	}
	return math.Abs(slot-price) <= tolerance
}

// normalize drops slots without a positive price and size, sorts the survivors by priority
// and pads the tail with empty slots. When two slots quote the same price the first one wins,
// so populated prices stay strictly ordered.
func (l *Ladder) normalize() {
	kept := make([]market.Level, 0, market.Depth)
	for _, lv := range l.levels {
		if lv.IsEmpty() || containsPrice(kept, lv.Price) {
			continue
		}
		kept = append(kept, lv)
	}

	if l.descending {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Price > kept[j].Price })
	} else {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Price < kept[j].Price })
	}

	var out [market.Depth]market.Level
	copy(out[:], kept)
	l.levels = out
}

func containsPrice(levels []market.Level, price float64) bool {
	for _, lv := range levels {
		if lv.Price == price {
			return true
		}
	}
	return false
}
