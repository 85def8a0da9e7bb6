package pricing

import (
	"AuctionLedger/internal/auction"
	"sort"
)

// double matches buy and sell orders. All matched units trade at one
// clearing price: the midpoint of the marginal (last matched) pair, which
// lies between every matched buyer's bid and every matched seller's ask.
type double struct{}

func (double) Quote(v View) Quote {
	q := Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   1,
		Direction:    Unordered,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
	buy, hasBuy := highest(v.side(auction.SideBuy))
	sell, hasSell := lowest(v.side(auction.SideSell))
	switch {
	case hasBuy && hasSell && buy.Amount >= sell.Amount:
		q.CurrentPrice = (buy.Amount + sell.Amount) / 2
	case hasBuy:
		q.CurrentPrice = buy.Amount
	case hasSell:
		q.CurrentPrice = sell.Amount
	}
	return q
}

func (double) Check(v View, b auction.Bid) error {
	if !sideOf(b).Valid() {
		return invalid("side", "unknown side %q", b.Side)
	}
	return nil
}

type fill struct {
	bid auction.Bid
	qty int64
}

func (double) Resolve(v View) (Outcome, error) {
	const method = "double_auction_uniform"
	if len(v.Bids) == 0 {
		return noBids(method), nil
	}
	buys := append([]auction.Bid(nil), v.side(auction.SideBuy)...)
	sells := append([]auction.Bid(nil), v.side(auction.SideSell)...)
	sort.SliceStable(buys, func(i, j int) bool {
		if buys[i].Amount != buys[j].Amount {
			return buys[i].Amount > buys[j].Amount
		}
		return auction.Earlier(buys[i], buys[j])
	})
	sort.SliceStable(sells, func(i, j int) bool {
		if sells[i].Amount != sells[j].Amount {
			return sells[i].Amount < sells[j].Amount
		}
		return auction.Earlier(sells[i], sells[j])
	})

	var buyFills, sellFills []fill
	var marginalBuy, marginalSell int64
	i, j := 0, 0
	remBuy, remSell := int64(0), int64(0)
	if len(buys) > 0 {
		remBuy = quantityOf(buys[0])
	}
	if len(sells) > 0 {
		remSell = quantityOf(sells[0])
	}
	for i < len(buys) && j < len(sells) && buys[i].Amount >= sells[j].Amount {
		q := min(remBuy, remSell)
		buyFills = addFill(buyFills, buys[i], q)
		sellFills = addFill(sellFills, sells[j], q)
		marginalBuy, marginalSell = buys[i].Amount, sells[j].Amount
		remBuy -= q
		remSell -= q
		if remBuy == 0 {
			i++
			if i < len(buys) {
				remBuy = quantityOf(buys[i])
			}
		}
		if remSell == 0 {
			j++
			if j < len(sells) {
				remSell = quantityOf(sells[j])
			}
		}
	}
	if len(buyFills) == 0 {
		return Outcome{ResultType: auction.ResultNoMatch, Method: method}, nil
	}

	price := (marginalBuy + marginalSell) / 2
	out := Outcome{ResultType: auction.ResultWinner, ClearingPrice: price, FinalPrice: price, Method: method}
	for _, f := range buyFills {
		out.Winners = append(out.Winners, auction.Allocation{BidID: f.bid.ID, BidderID: f.bid.BidderID, Side: auction.SideBuy, Quantity: f.qty, Price: price})
	}
	for _, f := range sellFills {
		out.Winners = append(out.Winners, auction.Allocation{BidID: f.bid.ID, BidderID: f.bid.BidderID, Side: auction.SideSell, Quantity: f.qty, Price: price})
	}
	return out, nil
}

func addFill(fills []fill, b auction.Bid, q int64) []fill {
	if n := len(fills); n > 0 && fills[n-1].bid.ID == b.ID {
		fills[n-1].qty += q
		return fills
	}
	return append(fills, fill{bid: b, qty: q})
}
