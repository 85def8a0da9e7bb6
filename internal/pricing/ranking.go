package pricing

import (
	"AuctionLedger/internal/auction"
)

// highest returns the bid with the largest amount; ties go to the earliest.
func highest(bids []auction.Bid) (auction.Bid, bool) {
	var best auction.Bid
	found := false
	for _, b := range bids {
		if !found || b.Amount > best.Amount || (b.Amount == best.Amount && auction.Earlier(b, best)) {
			best = b
			found = true
		}
	}
	return best, found
}

// lowest returns the bid with the smallest amount; ties go to the earliest.
func lowest(bids []auction.Bid) (auction.Bid, bool) {
	var best auction.Bid
	found := false
	for _, b := range bids {
		if !found || b.Amount < best.Amount || (b.Amount == best.Amount && auction.Earlier(b, best)) {
			best = b
			found = true
		}
	}
	return best, found
}

// highestExcluding returns the best bid placed by anyone other than bidderID.
func highestExcluding(bids []auction.Bid, bidderID string) (auction.Bid, bool) {
	others := make([]auction.Bid, 0, len(bids))
	for _, b := range bids {
		if b.BidderID != bidderID {
			others = append(others, b)
		}
	}
	return highest(others)
}

// highestPerBidder keeps each bidder's largest bid, preserving first-seen
// bidder order.
func highestPerBidder(bids []auction.Bid) []auction.Bid {
	idx := make(map[string]int)
	var out []auction.Bid
	for _, b := range bids {
		i, ok := idx[b.BidderID]
		if !ok {
			idx[b.BidderID] = len(out)
			out = append(out, b)
			continue
		}
		if b.Amount > out[i].Amount {
			out[i] = b
		}
	}
	return out
}

func increment(a *auction.Auction) int64 {
	if a.MinIncrement < 1 {
		return 1
	}
	return a.MinIncrement
}

func belowReserve(a *auction.Auction, amount int64) bool {
	return a.HasReserve() && amount < a.Reserve()
}

func tooLow(amount, min int64) error {
	return auction.NewValidationError("amount", auction.CodeBidTooLow, "bid %d is below the minimum of %d", amount, min)
}

func invalid(field, format string, args ...any) error {
	return auction.NewValidationError(field, auction.CodeBidInvalid, format, args...)
}

// perBidFees charges each bidder fee times the number of bids they placed.
func perBidFees(bids []auction.Bid, fee int64, reason string) []auction.Charge {
	counts := make(map[string]int64)
	var order []string
	for _, b := range bids {
		if counts[b.BidderID] == 0 {
			order = append(order, b.BidderID)
		}
		counts[b.BidderID]++
	}
	charges := make([]auction.Charge, 0, len(order))
	for _, bidder := range order {
		charges = append(charges, auction.Charge{BidderID: bidder, Amount: fee * counts[bidder], Reason: reason})
	}
	return charges
}
