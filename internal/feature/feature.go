// Package feature derives the microstructure feature vector from a settled order book.
package feature

import (
	"math"

	"github.com/amirphl/orderbook-replay/internal/market"
)

// Count is the length of a feature vector.
const Count = 15

// Indexes into a Vector. The order is part of the output contract and must not change.
const (
	TimeSinceLastTrade = iota
	TimeSinceLastUpdate
	MidPrice
	Spread
	BidVolume
	OfferVolume
	Imbalance
	VWAPBid
	VWAPOffer
	RelativeSpread
	LogSpread
	PriceImbalance
	DepthRatio
	DirectionBid
	DirectionOffer
)

// Names lists the column name of every vector position.
var Names = [Count]string{
	"time_since_last_trade",
	"time_since_last_update",
	"mid_price",
	"spread",
	"bid_volume",
	"offer_volume",
	"imbalance",
	"vwap_bid",
	"vwap_offer",
	"relative_spread",
	"log_spread",
	"price_imbalance",
	"depth_ratio",
	"direction_bid",
	"direction_offer",
}

// Vector is the fixed, ordered feature vector handed to downstream consumers.
type Vector [Count]float64

// Slice returns the vector as a float64 slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Count)
	copy(out, v[:])
	return out
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, Count)
	for i, name := range Names {
		out[name] = v[i]
	}
	return out
}

// Input is the read-only view of book state the features are computed from.
type Input struct {
	CurrentTime   int64
	LastTime      int64
	LastTradeTime int64

	BestBid       float64
	LastBestBid   float64
	BestOffer     float64
	LastBestOffer float64

	BidVolume   float64
	OfferVolume float64

	Bid   [market.Depth]market.Level
	Offer [market.Depth]market.Level
}

// Compute calculates the feature vector. Every division is guarded and yields 0 on a zero
// denominator, except log_spread which only guards best bid.
func Compute(in Input) Vector {
	var v Vector

	v[TimeSinceLastTrade] = float64(in.CurrentTime - in.LastTradeTime)
	v[TimeSinceLastUpdate] = float64(in.CurrentTime - in.LastTime)

	mid := (in.BestOffer + in.BestBid) / 2
	spread := in.BestOffer - in.BestBid
	v[MidPrice] = mid
	v[Spread] = spread

	v[BidVolume] = in.BidVolume
	v[OfferVolume] = in.OfferVolume
	if total := in.BidVolume + in.OfferVolume; total != 0 {
		v[Imbalance] = (in.BidVolume - in.OfferVolume) / total
	}

	vwapBid := VWAP(in.Bid)
	vwapOffer := VWAP(in.Offer)
	v[VWAPBid] = vwapBid
	v[VWAPOffer] = vwapOffer

	if mid != 0 {
		v[RelativeSpread] = spread / mid
		v[PriceImbalance] = (vwapOffer - vwapBid) / mid
	}

	// best offer is not guarded: a zero or negative ratio propagates -Inf or NaN
	if in.BestBid != 0 {
		v[LogSpread] = math.Log(in.BestOffer / in.BestBid)
	}

	v[DepthRatio] = in.BidVolume - in.OfferVolume

	if in.BestBid > in.LastBestBid {
		v[DirectionBid] = 1
	}
	if in.BestOffer > in.LastBestOffer {
		v[DirectionOffer] = 1
	}

	return v
}

// VWAP returns the size-weighted average price over the given levels, or 0 when total size is 0.
func VWAP(levels [market.Depth]market.Level) float64 {
	var notional, size float64
	for _, l := range levels {
		notional += l.Price * l.Size
		size += l.Size
	}
	if size == 0 {
		return 0
	}
	return notional / size
}
