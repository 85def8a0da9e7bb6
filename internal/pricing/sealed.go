package pricing

import (
	"AuctionLedger/internal/auction"
)

// checkSealed enforces a single sealed bid per bidder at or above the
// starting price.
func checkSealed(v View, b auction.Bid) error {
	if b.Amount < v.Auction.StartingPrice {
		return tooLow(b.Amount, v.Auction.StartingPrice)
	}
	if len(v.byBidder(b.BidderID)) > 0 {
		return invalid("bidder_id", "bidder %s already submitted a sealed bid", b.BidderID)
	}
	return nil
}

// sealedBid hides the running price and awards the top bid at its own
// amount.
type sealedBid struct{}

func (sealedBid) Quote(v View) Quote {
	return Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   v.Auction.StartingPrice,
		Direction:    Ascending,
		Visible:      false,
		EffectiveEnd: v.Auction.EndTime,
	}
}

func (sealedBid) Check(v View, b auction.Bid) error { return checkSealed(v, b) }

func (sealedBid) Resolve(v View) (Outcome, error) {
	return resolveHighest(v, "first_price_sealed"), nil
}

// vickrey shows the highest bid and charges the winner the best competing
// bid from any other bidder.
type vickrey struct{}

func (vickrey) Quote(v View) Quote {
	q := Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   v.Auction.StartingPrice,
		Direction:    Ascending,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
	if top, ok := highest(v.Bids); ok {
		q.CurrentPrice = top.Amount
	}
	return q
}

func (vickrey) Check(v View, b auction.Bid) error { return checkSealed(v, b) }

func (vickrey) Resolve(v View) (Outcome, error) {
	const method = "second_price"
	top, ok := highest(v.Bids)
	if !ok {
		return noBids(method), nil
	}
	if belowReserve(v.Auction, top.Amount) {
		return reserveNotMet(method, top.Amount), nil
	}
	price := v.Auction.StartingPrice
	if second, ok := highestExcluding(v.Bids, top.BidderID); ok {
		price = second.Amount
	}
	if v.Auction.HasReserve() && price < v.Auction.Reserve() {
		price = v.Auction.Reserve()
	}
	return singleWinner(method, top, price), nil
}
