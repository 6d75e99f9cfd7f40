// Package journal
package journal

import (
	"context"
	"time"
)

// Event types written by the replay tooling.
const (
	TypeReplay  = "replay"
	TypeImport  = "import"
	TypeCapture = "capture"
	TypeError   = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "replay", "import", "error"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
