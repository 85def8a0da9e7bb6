package pricing

import (
	"AuctionLedger/internal/auction"
	"time"
)

// clockPrice is the descending clock at instant t: the starting price less
// one decrement per elapsed interval, never below the floor.
func clockPrice(a *auction.Auction, t time.Time) int64 {
	floor := clockFloor(a)
	if !t.After(a.StartTime) {
		return max(a.StartingPrice, floor)
	}
	p := a.Params
	if p.DecrementInterval <= 0 || p.DecrementAmount <= 0 {
		return max(a.StartingPrice, floor)
	}
	steps := int64(t.Sub(a.StartTime) / p.DecrementInterval)
	if a.StartingPrice <= floor || steps >= (a.StartingPrice-floor)/p.DecrementAmount+1 {
		return floor
	}
	return max(a.StartingPrice-steps*p.DecrementAmount, floor)
}

// clockFloor is the reserve when one is set, otherwise the configured
// floor price, and never less than one minor unit.
func clockFloor(a *auction.Auction) int64 {
	floor := a.Params.FloorPrice
	if a.HasReserve() {
		floor = a.Reserve()
	}
	return max(floor, 1)
}

// acceptance returns the earliest bid that met the clock at its own
// timestamp.
func acceptance(v View) (auction.Bid, int64, bool) {
	for _, b := range v.Bids {
		if p := clockPrice(v.Auction, b.Timestamp); b.Amount >= p {
			return b, p, true
		}
	}
	return auction.Bid{}, 0, false
}

func descendingQuote(price int64, a *auction.Auction) Quote {
	return Quote{
		CurrentPrice: price,
		MinNextBid:   price,
		Direction:    Descending,
		Visible:      true,
		EffectiveEnd: a.EndTime,
	}
}

func resolveClock(v View, method string) Outcome {
	if len(v.Bids) == 0 {
		return noBids(method)
	}
	b, price, ok := acceptance(v)
	if !ok {
		top, _ := highest(v.Bids)
		return reserveNotMet(method, top.Amount)
	}
	return singleWinner(method, b, price)
}

// dutch freezes at the first acceptance; later bids are refused.
type dutch struct{}

func (dutch) Quote(v View) Quote {
	if _, price, ok := acceptance(v); ok {
		return descendingQuote(price, v.Auction)
	}
	return descendingQuote(clockPrice(v.Auction, v.Now), v.Auction)
}

func (dutch) Check(v View, b auction.Bid) error {
	if _, _, ok := acceptance(v); ok {
		return invalid("auction_id", "price already accepted")
	}
	if p := clockPrice(v.Auction, b.Timestamp); b.Amount < p {
		return tooLow(b.Amount, p)
	}
	return nil
}

func (dutch) Resolve(v View) (Outcome, error) {
	return resolveClock(v, "descending_clock"), nil
}

// chinese keeps the clock running and sells tickets at the clock price.
// The earliest ticket wins; every ticket is charged the ticket fee when one
// is configured.
type chinese struct{}

func (chinese) Quote(v View) Quote {
	return descendingQuote(clockPrice(v.Auction, v.Now), v.Auction)
}

func (chinese) Check(v View, b auction.Bid) error {
	if p := clockPrice(v.Auction, b.Timestamp); b.Amount < p {
		return tooLow(b.Amount, p)
	}
	return nil
}

func (chinese) Resolve(v View) (Outcome, error) {
	out := resolveClock(v, "ticket_clock")
	if fee := v.Auction.Params.BidFee; fee > 0 {
		out.Charges = perBidFees(v.Bids, fee, "ticket_fee")
	}
	return out, nil
}
