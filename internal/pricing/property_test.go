package pricing_test

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/pricing"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// admitSequence feeds randomly generated bids through CheckBid, appending
// the accepted ones, and returns the current price observed after each
// admission.
func admitSequence(t *rapid.T, a *auction.Auction, candidate func(step int, now time.Time, cur pricing.Quote) auction.Bid) []int64 {
	o := pricing.NewOracle()
	var bids []auction.Bid
	var prices []int64
	now := a.StartTime
	steps := rapid.IntRange(1, 40).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		now = now.Add(time.Duration(rapid.IntRange(1, 90).Draw(t, fmt.Sprintf("gap%d", i))) * time.Second)
		v := pricing.NewView(a, bids, now)
		q, err := o.Quote(v)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		b := candidate(i, now, q)
		if err := o.CheckBid(v, b); err == nil {
			bids = append(bids, b)
		}
		p, err := o.CurrentPrice(pricing.NewView(a, bids, now))
		if err != nil {
			t.Fatalf("current price: %v", err)
		}
		prices = append(prices, p)
	}
	return prices
}

func randomBid(t *rapid.T, step int, now time.Time, base int64) auction.Bid {
	b := bid(fmt.Sprintf("bidder-%d", rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("who%d", step))), base, 0)
	b.Timestamp = now
	return b
}

func TestProperty_AscendingPricesNeverDecrease(t *testing.T) {
	for _, m := range []auction.Mechanism{auction.English, auction.Japanese} {
		t.Run(string(m), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				a := newAuction(m, 100)
				a.MinIncrement = rapid.Int64Range(1, 20).Draw(rt, "inc")
				a.Params.RoundDuration = time.Minute
				prices := admitSequence(rt, a, func(step int, now time.Time, q pricing.Quote) auction.Bid {
					delta := rapid.Int64Range(-30, 60).Draw(rt, fmt.Sprintf("delta%d", step))
					return randomBid(rt, step, now, max(q.MinNextBid+delta, 1))
				})
				for i := 1; i < len(prices); i++ {
					if prices[i] < prices[i-1] {
						rt.Fatalf("price decreased at step %d: %d -> %d", i, prices[i-1], prices[i])
					}
				}
			})
		})
	}
}

func TestProperty_DescendingPricesNeverIncrease(t *testing.T) {
	for _, m := range []auction.Mechanism{auction.Dutch, auction.Chinese} {
		t.Run(string(m), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				a := newAuction(m, 10_000)
				a.Params.DecrementAmount = rapid.Int64Range(1, 500).Draw(rt, "dec")
				a.Params.DecrementInterval = time.Duration(rapid.IntRange(1, 120).Draw(rt, "interval")) * time.Second
				a.Params.FloorPrice = rapid.Int64Range(0, 5_000).Draw(rt, "floor")
				prices := admitSequence(rt, a, func(step int, now time.Time, q pricing.Quote) auction.Bid {
					delta := rapid.Int64Range(-200, 200).Draw(rt, fmt.Sprintf("delta%d", step))
					return randomBid(rt, step, now, max(q.CurrentPrice+delta, 1))
				})
				for i := 1; i < len(prices); i++ {
					if prices[i] > prices[i-1] {
						rt.Fatalf("price increased at step %d: %d -> %d", i, prices[i-1], prices[i])
					}
				}
			})
		})
	}
}

func TestProperty_MultiUnitNeverOversells(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := newAuction(auction.MultiUnit, 1)
		a.Params.TotalUnits = rapid.Int64Range(1, 10).Draw(rt, "supply")
		n := rapid.IntRange(0, 15).Draw(rt, "n")
		var bids []auction.Bid
		for i := 0; i < n; i++ {
			b := bid(fmt.Sprintf("b%d", i), rapid.Int64Range(1, 100).Draw(rt, fmt.Sprintf("amt%d", i)), i)
			b.Quantity = rapid.Int64Range(1, a.Params.TotalUnits).Draw(rt, fmt.Sprintf("qty%d", i))
			bids = append(bids, b)
		}
		out, err := pricing.NewOracle().Resolve(pricing.NewView(a, bids, a.EndTime))
		if err != nil {
			rt.Fatalf("resolve: %v", err)
		}
		var sold int64
		for _, w := range out.Winners {
			sold += w.Quantity
			if w.Price != out.ClearingPrice {
				rt.Fatalf("non-uniform price %d vs clearing %d", w.Price, out.ClearingPrice)
			}
		}
		if sold > a.Params.TotalUnits {
			rt.Fatalf("sold %d units of %d", sold, a.Params.TotalUnits)
		}
	})
}
