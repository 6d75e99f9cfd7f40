// Package db
package db

import (
	"context"
	"database/sql"

	"github.com/amirphl/orderbook-replay/internal/journal"
	"github.com/amirphl/orderbook-replay/internal/market"
)

// TickStorage persists raw tick logs per symbol.
type TickStorage interface {
	SaveTicks(ctx context.Context, symbol string, ticks []market.Tick) error
	// GetTicks returns ticks with from <= timestamp < to, in insertion order within a timestamp.
	// A zero to means no upper bound.
	GetTicks(ctx context.Context, symbol string, from, to int64) ([]market.Tick, error)
	DeleteTicks(ctx context.Context, symbol string, before int64) error
}

// FeatureStorage persists the feature rows emitted by a replay run.
type FeatureStorage interface {
	SaveFeatureRows(ctx context.Context, rows []FeatureRow) error
	GetFeatureRows(ctx context.Context, runID string) ([]FeatureRow, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	TickStorage
	FeatureStorage
	journal.Journaler
}
