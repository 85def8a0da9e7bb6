package pricing

import (
	"AuctionLedger/internal/auction"
	"sort"
	"time"
)

// View is the read-only input every mechanism computes over: the auction,
// its live bids in arrival order, and the evaluation instant.
type View struct {
	Auction *auction.Auction
	Bids    []auction.Bid
	Now     time.Time
}

// NewView drops retracted bids and orders the rest by timestamp, then id.
func NewView(a *auction.Auction, bids []auction.Bid, now time.Time) View {
	live := make([]auction.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status.Live() {
			live = append(live, b)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return auction.Earlier(live[i], live[j]) })
	return View{Auction: a, Bids: live, Now: now}
}

// With returns a copy of the view with b appended in arrival order.
func (v View) With(b auction.Bid) View {
	bids := make([]auction.Bid, 0, len(v.Bids)+1)
	bids = append(bids, v.Bids...)
	bids = append(bids, b)
	return NewView(v.Auction, bids, v.Now)
}

// At returns a copy of the view evaluated at a different instant.
func (v View) At(now time.Time) View {
	v.Now = now
	return v
}

func (v View) byBidder(bidderID string) []auction.Bid {
	var out []auction.Bid
	for _, b := range v.Bids {
		if b.BidderID == bidderID {
			out = append(out, b)
		}
	}
	return out
}

func (v View) side(s auction.Side) []auction.Bid {
	var out []auction.Bid
	for _, b := range v.Bids {
		if sideOf(b) == s {
			out = append(out, b)
		}
	}
	return out
}

func sideOf(b auction.Bid) auction.Side {
	if b.Side == "" {
		return auction.SideBuy
	}
	return b.Side
}

func quantityOf(b auction.Bid) int64 {
	if b.Quantity <= 0 {
		return 1
	}
	return b.Quantity
}
