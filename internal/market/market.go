// Package market
package market

import (
	"errors"
	"fmt"
	"strings"
)

// Depth is the number of price levels tracked on each side of the book.
const Depth = 5

var (
	ErrInvalidLevel = errors.New("invalid level")
	ErrInvalidSide  = errors.New("invalid side")
)

// Side identifies which part of the book a tick updates.
type Side int

const (
	SideBid Side = iota
	SideOffer
	SideTrade
)

// Wire tokens used by the tick log.
const (
	BidToken   = "BI"
	OfferToken = "OF"
	TradeToken = "TRADE"
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return BidToken
	case SideOffer:
		return OfferToken
	case SideTrade:
		return TradeToken
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// ParseSide converts a tick log token (BI, OF, TRADE) into a Side.
func ParseSide(token string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case BidToken:
		return SideBid, nil
	case OfferToken:
		return SideOffer, nil
	case TradeToken:
		return SideTrade, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, token)
	}
}

// Level is a (price, size) pair. The zero value is an empty slot.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// IsEmpty reports whether the slot holds no usable quote, i.e. its price or size is not positive.
func (l Level) IsEmpty() bool {
	return l.Price <= 0 || l.Size <= 0
}

// Tick represents one order book event: a level write on either side or a trade print.
// Level is ignored for trades.
type Tick struct {
	Side      Side    `json:"side"`
	Level     int     `json:"level"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Timestamp int64   `json:"timestamp"`
}

// Validate checks the tick against the input contract.
func (t Tick) Validate() error {
	switch t.Side {
	case SideBid, SideOffer:
		if t.Level < 1 || t.Level > Depth {
			return fmt.Errorf("%w: %s level %d outside 1..%d", ErrInvalidLevel, t.Side, t.Level, Depth)
		}
	case SideTrade:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidSide, int(t.Side))
	}
	return nil
}
