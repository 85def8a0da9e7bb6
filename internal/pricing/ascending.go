package pricing

import (
	"AuctionLedger/internal/auction"
	"time"
)

// openAscending quotes the highest visible bid and requires each new bid to
// beat it by the minimum increment.
func openAscending(v View) Quote {
	q := Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   v.Auction.StartingPrice,
		Direction:    Ascending,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
	if top, ok := highest(v.Bids); ok {
		q.CurrentPrice = top.Amount
		q.MinNextBid = top.Amount + increment(v.Auction)
	}
	return q
}

func checkAscending(q Quote, b auction.Bid) error {
	if b.Amount < q.MinNextBid {
		return tooLow(b.Amount, q.MinNextBid)
	}
	return nil
}

// resolveHighest awards the top bid at its own amount, subject to reserve.
func resolveHighest(v View, method string) Outcome {
	top, ok := highest(v.Bids)
	if !ok {
		return noBids(method)
	}
	if belowReserve(v.Auction, top.Amount) {
		return reserveNotMet(method, top.Amount)
	}
	return singleWinner(method, top, top.Amount)
}

type english struct{}

func (english) Quote(v View) Quote { return openAscending(v) }

func (english) Check(v View, b auction.Bid) error {
	return checkAscending(openAscending(v), b)
}

func (english) Resolve(v View) (Outcome, error) {
	return resolveHighest(v, "highest_bid"), nil
}

// allPay ranks like English but every bidder forfeits their best bid.
type allPay struct{}

func (allPay) Quote(v View) Quote { return openAscending(v) }

func (allPay) Check(v View, b auction.Bid) error {
	return checkAscending(openAscending(v), b)
}

func (allPay) Resolve(v View) (Outcome, error) {
	out := resolveHighest(v, "all_pay")
	for _, b := range highestPerBidder(v.Bids) {
		out.Charges = append(out.Charges, auction.Charge{BidderID: b.BidderID, Amount: b.Amount, Reason: "all_pay_bid"})
	}
	return out, nil
}

// buyItNow is an English auction that closes as soon as a bid reaches the
// list price.
type buyItNow struct{}

func (buyItNow) Quote(v View) Quote { return openAscending(v) }

func (buyItNow) Check(v View, b auction.Bid) error {
	if _, ok := firstAtListPrice(v); ok {
		return invalid("auction_id", "auction already closed by a buy-now bid")
	}
	return checkAscending(openAscending(v), b)
}

func (buyItNow) Closes(v View, b auction.Bid) bool {
	return b.Amount >= v.Auction.Params.BuyNowPrice
}

func (buyItNow) Resolve(v View) (Outcome, error) {
	if b, ok := firstAtListPrice(v); ok {
		return singleWinner("buy_now", b, v.Auction.Params.BuyNowPrice), nil
	}
	return resolveHighest(v, "highest_bid"), nil
}

func firstAtListPrice(v View) (auction.Bid, bool) {
	for _, b := range v.Bids {
		if b.Amount >= v.Auction.Params.BuyNowPrice {
			return b, true
		}
	}
	return auction.Bid{}, false
}

// penny charges a fee per bid and pushes the close out after every bid.
type penny struct{}

func (penny) Quote(v View) Quote {
	q := openAscending(v)
	q.EffectiveEnd = pennyEnd(v)
	return q
}

func (penny) Check(v View, b auction.Bid) error {
	return checkAscending(openAscending(v), b)
}

func (penny) EffectiveEnd(v View) time.Time { return pennyEnd(v) }

func (penny) Resolve(v View) (Outcome, error) {
	out := resolveHighest(v, "penny")
	out.Charges = perBidFees(v.Bids, v.Auction.Params.BidFee, "bid_fee")
	return out, nil
}

func pennyEnd(v View) time.Time {
	end := v.Auction.EndTime
	if n := len(v.Bids); n > 0 {
		ext := v.Bids[n-1].Timestamp.Add(v.Auction.Params.TimerExtension)
		if ext.After(end) {
			end = ext
		}
	}
	return end
}
