package db

import (
	"errors"
	"time"

	"github.com/amirphl/orderbook-replay/internal/feature"
)

// FeatureRow is one feature vector emitted after a replay batch.
type FeatureRow struct {
	RunID     string
	Symbol    string
	Step      int
	Index     int
	Timestamp int64
	Values    feature.Vector
	CreatedAt time.Time
}

// Validate checks if a feature row can be stored
func (r FeatureRow) Validate() error {
	if r.RunID == "" {
		return errors.New("feature row run id cannot be empty")
	}
	if r.Step < 0 {
		return errors.New("feature row step cannot be negative")
	}
	if r.Index < 0 {
		return errors.New("feature row index cannot be negative")
	}
	return nil
}
