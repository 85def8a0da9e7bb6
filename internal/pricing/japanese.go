package pricing

import (
	"AuctionLedger/internal/auction"
	"time"
)

// japanese runs an ascending clock in fixed rounds. A bid is a
// confirmation that the bidder stays in at the round price. After the first
// confirmed round, only bidders who confirmed the previous round may
// continue.
type japanese struct{}

func roundAt(a *auction.Auction, t time.Time) int64 {
	if !t.After(a.StartTime) || a.Params.RoundDuration <= 0 {
		return 0
	}
	return int64(t.Sub(a.StartTime) / a.Params.RoundDuration)
}

func roundPrice(a *auction.Auction, round int64) int64 {
	return a.StartingPrice + round*increment(a)
}

// rounds groups confirmations by round, keeping one per bidder.
func rounds(v View) map[int64][]auction.Bid {
	out := make(map[int64][]auction.Bid)
	seen := make(map[int64]map[string]bool)
	for _, b := range v.Bids {
		r := roundAt(v.Auction, b.Timestamp)
		if seen[r] == nil {
			seen[r] = make(map[string]bool)
		}
		if seen[r][b.BidderID] {
			continue
		}
		seen[r][b.BidderID] = true
		out[r] = append(out[r], b)
	}
	return out
}

func firstRound(byRound map[int64][]auction.Bid) (int64, bool) {
	first, found := int64(0), false
	for r := range byRound {
		if !found || r < first {
			first, found = r, true
		}
	}
	return first, found
}

func lastRound(byRound map[int64][]auction.Bid) (int64, bool) {
	last, found := int64(0), false
	for r := range byRound {
		if !found || r > last {
			last, found = r, true
		}
	}
	return last, found
}

func (japanese) Quote(v View) Quote {
	price := roundPrice(v.Auction, roundAt(v.Auction, v.Now))
	return Quote{
		CurrentPrice: price,
		MinNextBid:   price,
		Direction:    Ascending,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
}

func (japanese) Check(v View, b auction.Bid) error {
	r := roundAt(v.Auction, b.Timestamp)
	if p := roundPrice(v.Auction, r); b.Amount < p {
		return tooLow(b.Amount, p)
	}
	byRound := rounds(v)
	for _, c := range byRound[r] {
		if c.BidderID == b.BidderID {
			return invalid("bidder_id", "bidder %s already confirmed round %d", b.BidderID, r)
		}
	}
	first, started := firstRound(byRound)
	if !started || r <= first {
		return nil
	}
	for _, c := range byRound[r-1] {
		if c.BidderID == b.BidderID {
			return nil
		}
	}
	return invalid("bidder_id", "bidder %s dropped out before round %d", b.BidderID, r)
}

func (japanese) Resolve(v View) (Outcome, error) {
	const method = "japanese_clock"
	byRound := rounds(v)
	last, ok := lastRound(byRound)
	if !ok {
		return noBids(method), nil
	}
	price := roundPrice(v.Auction, last)
	if belowReserve(v.Auction, price) {
		return reserveNotMet(method, price), nil
	}
	// Confirmations are already in arrival order, so the first one in the
	// final round breaks simultaneous drop-outs.
	return singleWinner(method, byRound[last][0], price), nil
}
