// Package book reconstructs a top-5 order book from a replayed tick log and derives
// the microstructure feature vector at every distinct timestamp.
package book

import (
	"fmt"
	"strings"

	"github.com/amirphl/orderbook-replay/internal/feature"
	"github.com/amirphl/orderbook-replay/internal/market"
)

// LevelPolicy decides what happens to a bid or offer tick whose level is outside 1..Depth.
type LevelPolicy int

const (
	// LevelReject skips the tick and reports market.ErrInvalidLevel to the caller.
	LevelReject LevelPolicy = iota
	// LevelIgnore skips the tick and only counts it.
	LevelIgnore
)

// ParseLevelPolicy converts a config value (reject, ignore) into a LevelPolicy.
func ParseLevelPolicy(s string) (LevelPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return LevelReject, nil
	case "ignore":
		return LevelIgnore, nil
	default:
		return LevelReject, fmt.Errorf("unknown level policy: %s", s)
	}
}

func (p LevelPolicy) String() string {
	if p == LevelIgnore {
		return "ignore"
	}
	return "reject"
}

// Option configures a Book.
type Option func(*Book)

// WithTradeTolerance lets trades match ladder prices within tol instead of requiring exact
// equality. Zero keeps exact matching.
func WithTradeTolerance(tol float64) Option {
	return func(b *Book) {
		if tol > 0 {
			b.tradeTolerance = tol
		}
	}
}

// WithLevelPolicy sets how out-of-range levels are handled.
func WithLevelPolicy(p LevelPolicy) Option {
	return func(b *Book) {
		b.levelPolicy = p
	}
}

// Book holds the mutable state of a single-instrument top-5 book.
// It is not safe for concurrent use.
type Book struct {
	bid       Ladder
	offer     Ladder
	lastTrade market.Level

	bestBid       float64
	lastBestBid   float64
	bestOffer     float64
	lastBestOffer float64

	currentTime   int64
	lastTime      int64
	lastTradeTime int64

	bidVolume   float64
	offerVolume float64

	tradeTolerance float64
	levelPolicy    LevelPolicy
}

// New returns a zero-initialized book.
func New(opts ...Option) *Book {
	b := &Book{
		bid:   newLadder(true),
		offer: newLadder(false),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// applyResult describes what a single tick did to the book.
type applyResult struct {
	tradeMatched bool
	skipped      bool
}

// apply mutates the book with one tick. Out-of-range levels leave the book untouched.
func (b *Book) apply(t market.Tick) (applyResult, error) {
	var res applyResult

	if err := t.Validate(); err != nil {
		res.skipped = true
		return res, err
	}

	if t.Timestamp != b.currentTime {
		b.lastTime = b.currentTime
		b.currentTime = t.Timestamp
	}

	lv := market.Level{Price: t.Price, Size: t.Size}
	switch t.Side {
	case market.SideBid:
		return res, b.bid.Set(t.Level, lv)
	case market.SideOffer:
		return res, b.offer.Set(t.Level, lv)
	case market.SideTrade:
		b.lastTradeTime = t.Timestamp
		b.lastTrade = lv
		res.tradeMatched = b.bid.reduce(t.Price, t.Size, b.tradeTolerance) ||
			b.offer.reduce(t.Price, t.Size, b.tradeTolerance)
	}
	return res, nil
}

// settle normalizes both ladders, then updates best-price history and volumes.
// A zero top price never replaces a known best price.
func (b *Book) settle() {
	b.bid.normalize()
	b.offer.normalize()

	if top := b.bid.Top().Price; top != b.bestBid && top != 0 {
		b.lastBestBid = b.bestBid
		b.bestBid = top
	}
	if top := b.offer.Top().Price; top != b.bestOffer && top != 0 {
		b.lastBestOffer = b.bestOffer
		b.bestOffer = top
	}

	b.bidVolume = b.bid.Volume()
	b.offerVolume = b.offer.Volume()
}

// Features computes the feature vector from the current state without mutating it.
func (b *Book) Features() feature.Vector {
	return feature.Compute(feature.Input{
		CurrentTime:   b.currentTime,
		LastTime:      b.lastTime,
		LastTradeTime: b.lastTradeTime,
		BestBid:       b.bestBid,
		LastBestBid:   b.lastBestBid,
		BestOffer:     b.bestOffer,
		LastBestOffer: b.lastBestOffer,
		BidVolume:     b.bidVolume,
		OfferVolume:   b.offerVolume,
		Bid:           b.bid.Levels(),
		Offer:         b.offer.Levels(),
	})
}

// String renders the ladders and bookkeeping fields for debug logging.
func (b *Book) String() string {
	var sb strings.Builder
	sb.WriteString("BID:\n")
	for i := 0; i < market.Depth; i++ {
		lv := b.bid.At(i)
		fmt.Fprintf(&sb, "  level %d: price %g, size %g\n", i+1, lv.Price, lv.Size)
	}
	sb.WriteString("OFFER:\n")
	for i := 0; i < market.Depth; i++ {
		lv := b.offer.At(i)
		fmt.Fprintf(&sb, "  level %d: price %g, size %g\n", i+1, lv.Price, lv.Size)
	}
	fmt.Fprintf(&sb, "last trade: price %g, size %g, time %d\n", b.lastTrade.Price, b.lastTrade.Size, b.lastTradeTime)
	fmt.Fprintf(&sb, "last_time: %d\ntime: %d\n", b.lastTime, b.currentTime)
	fmt.Fprintf(&sb, "best_bid: %g, last_best_bid %g\n", b.bestBid, b.lastBestBid)
	fmt.Fprintf(&sb, "best_offer: %g, last_best_offer %g\n", b.bestOffer, b.lastBestOffer)
	return sb.String()
}
