package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/orderbook-replay/internal/journal"
	"github.com/amirphl/orderbook-replay/internal/market"
)

type storedTick struct {
	seq  int64
	tick market.Tick
}

type MemoryStorage struct {
	mu sync.RWMutex

	// Ticks by upper-cased symbol, in insertion order
	ticks map[string][]storedTick

	// Feature rows by run id, keyed by step
	features map[string]map[int]FeatureRow

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		ticks:    make(map[string][]storedTick),
		features: make(map[string]map[int]FeatureRow),
		events:   make([]journal.Event, 0, 64),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- TickStorage --------

func (m *MemoryStorage) SaveTicks(ctx context.Context, symbol string, ticks []market.Tick) error {
	for i, t := range ticks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid tick at index %d for %s: %w", i, symbol, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToUpper(symbol)
	next := int64(len(m.ticks[key]))
	for i, t := range ticks {
		m.ticks[key] = append(m.ticks[key], storedTick{seq: next + int64(i), tick: t})
	}
	return nil
}

func (m *MemoryStorage) GetTicks(ctx context.Context, symbol string, from, to int64) ([]market.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var selected []storedTick
	for _, st := range m.ticks[strings.ToUpper(symbol)] {
		if st.tick.Timestamp < from || (to > 0 && st.tick.Timestamp >= to) {
			continue
		}
		selected = append(selected, st)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].tick.Timestamp == selected[j].tick.Timestamp {
			return selected[i].seq < selected[j].seq
		}
		return selected[i].tick.Timestamp < selected[j].tick.Timestamp
	})

	out := make([]market.Tick, len(selected))
	for i, st := range selected {
		out[i] = st.tick
	}
	return out, nil
}

func (m *MemoryStorage) DeleteTicks(ctx context.Context, symbol string, before int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToUpper(symbol)
	kept := m.ticks[key][:0]
	for _, st := range m.ticks[key] {
		if st.tick.Timestamp >= before {
			kept = append(kept, st)
		}
	}
	m.ticks[key] = kept
	return nil
}

// -------- FeatureStorage --------

func (m *MemoryStorage) SaveFeatureRows(ctx context.Context, rows []FeatureRow) error {
	for i, r := range rows {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid feature row at index %d: %w", i, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		if _, ok := m.features[r.RunID]; !ok {
			m.features[r.RunID] = make(map[int]FeatureRow)
		}
		m.features[r.RunID][r.Step] = r
	}
	return nil
}

func (m *MemoryStorage) GetFeatureRows(ctx context.Context, runID string) ([]FeatureRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FeatureRow, 0, len(m.features[runID]))
	for _, r := range m.features[runID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
