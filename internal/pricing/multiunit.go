package pricing

import (
	"AuctionLedger/internal/auction"
	"sort"
)

// multiUnit sells TotalUnits identical units at a uniform price set by the
// marginal accepted bid.
type multiUnit struct{}

// allocateUnits fills supply from the highest bids down. It returns the fills
// and the per-unit amount of the last bid that received units.
func allocateUnits(bids []auction.Bid, supply int64) ([]fill, int64) {
	ranked := append([]auction.Bid(nil), bids...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Amount != ranked[j].Amount {
			return ranked[i].Amount > ranked[j].Amount
		}
		return auction.Earlier(ranked[i], ranked[j])
	})
	var fills []fill
	var marginal int64
	remaining := supply
	for _, b := range ranked {
		if remaining == 0 {
			break
		}
		q := min(quantityOf(b), remaining)
		fills = append(fills, fill{bid: b, qty: q})
		marginal = b.Amount
		remaining -= q
	}
	return fills, marginal
}

func demand(bids []auction.Bid) int64 {
	var total int64
	for _, b := range bids {
		total += quantityOf(b)
	}
	return total
}

func (multiUnit) Quote(v View) Quote {
	q := Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   v.Auction.StartingPrice,
		Direction:    Ascending,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
	supply := v.Auction.Params.TotalUnits
	if demand(v.Bids) >= supply {
		_, q.CurrentPrice = allocateUnits(v.Bids, supply)
	}
	return q
}

func (multiUnit) Check(v View, b auction.Bid) error {
	if b.Amount < v.Auction.StartingPrice {
		return tooLow(b.Amount, v.Auction.StartingPrice)
	}
	if quantityOf(b) > v.Auction.Params.TotalUnits {
		return invalid("quantity", "quantity %d exceeds supply of %d", b.Quantity, v.Auction.Params.TotalUnits)
	}
	return nil
}

func (multiUnit) Resolve(v View) (Outcome, error) {
	const method = "uniform_price"
	if len(v.Bids) == 0 {
		return noBids(method), nil
	}
	eligible := v.Bids
	if v.Auction.HasReserve() {
		eligible = nil
		for _, b := range v.Bids {
			if b.Amount >= v.Auction.Reserve() {
				eligible = append(eligible, b)
			}
		}
	}
	if len(eligible) == 0 {
		top, _ := highest(v.Bids)
		return reserveNotMet(method, top.Amount), nil
	}
	fills, price := allocateUnits(eligible, v.Auction.Params.TotalUnits)
	out := Outcome{ResultType: auction.ResultWinner, ClearingPrice: price, FinalPrice: price, Method: method}
	for _, f := range fills {
		out.Winners = append(out.Winners, auction.Allocation{BidID: f.bid.ID, BidderID: f.bid.BidderID, Side: auction.SideBuy, Quantity: f.qty, Price: price})
	}
	return out, nil
}
