package pricing

import (
	"AuctionLedger/internal/auction"
)

// reverse is a procurement auction: sellers undercut each other and the
// lowest offer wins. The reserve is the buyer's ceiling.
type reverse struct{}

func (reverse) Quote(v View) Quote {
	q := Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   v.Auction.StartingPrice,
		Direction:    Descending,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
	if low, ok := lowest(v.Bids); ok {
		q.CurrentPrice = low.Amount
		q.MinNextBid = low.Amount - increment(v.Auction)
	}
	return q
}

func (r reverse) Check(v View, b auction.Bid) error {
	q := r.Quote(v)
	if q.MinNextBid < 1 {
		return invalid("amount", "price cannot go lower")
	}
	if b.Amount > q.MinNextBid {
		return invalid("amount", "offer %d must be at most %d", b.Amount, q.MinNextBid)
	}
	return nil
}

func (reverse) Resolve(v View) (Outcome, error) {
	const method = "lowest_bid"
	low, ok := lowest(v.Bids)
	if !ok {
		return noBids(method), nil
	}
	if v.Auction.HasReserve() && low.Amount > v.Auction.Reserve() {
		return reserveNotMet(method, low.Amount), nil
	}
	return singleWinner(method, low, low.Amount), nil
}
