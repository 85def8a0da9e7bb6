package rules

import (
	"AuctionLedger/internal/auction"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Vars is the flat variable namespace a condition reads.
type Vars map[string]any

// BidContext is everything a bid-time rule may look at.
type BidContext struct {
	Auction *auction.Auction
	Bid     *auction.Bid
	// Bids are the auction's bids before this one, retracted included.
	Bids      []auction.Bid
	UserGroup string
	Now       time.Time
}

// Target identifies which configurations can apply to an evaluation.
type Target struct {
	Mechanism auction.Mechanism
	AuctionID uuid.UUID
	UserGroup string
}

func (bc BidContext) target() Target {
	return Target{Mechanism: bc.Auction.Mechanism, AuctionID: bc.Auction.ID, UserGroup: bc.UserGroup}
}

// baseVars exposes bid, auction and bidder facts. config.* is layered on
// per rule.
func (bc BidContext) baseVars() Vars {
	a, b := bc.Auction, bc.Bid
	v := Vars{
		"bid.amount":      b.Amount,
		"bid.quantity":    b.Quantity,
		"bid.side":        string(b.Side),
		"bid.items_count": int64(len(b.Items)),
		"bid.total":       b.Amount * max(b.Quantity, 1),

		"auction.id":             a.ID.String(),
		"auction.mechanism":      string(a.Mechanism),
		"auction.status":         string(a.Status),
		"auction.seller_id":      a.SellerID,
		"auction.starting_price": a.StartingPrice,
		"auction.current_price":  a.CurrentPrice,
		"auction.min_increment":  a.MinIncrement,
		"auction.seconds_left":   int64(a.EndTime.Sub(bc.Now) / time.Second),
		"auction.elapsed":        int64(bc.Now.Sub(a.StartTime) / time.Second),

		"bidder.id":        b.BidderID,
		"bidder.group":     bc.UserGroup,
		"bidder.is_seller": b.BidderID == a.SellerID,
	}
	if a.ReservePrice != nil {
		v["auction.reserve_price"] = *a.ReservePrice
	}

	var live, mine int64
	var myLast *auction.Bid
	for i := range bc.Bids {
		x := &bc.Bids[i]
		if x.Status == auction.BidRetracted {
			continue
		}
		live++
		if x.BidderID == b.BidderID {
			mine++
			myLast = x
		}
	}
	v["auction.bid_count"] = live
	v["bidder.bid_count"] = mine
	if myLast != nil {
		v["bidder.seconds_since_last_bid"] = int64(bc.Now.Sub(myLast.Timestamp) / time.Second)
		v["bidder.last_amount"] = myLast.Amount
	}
	return v
}

// withConfig returns a copy of base with config.* set from the rule's
// defaults overlaid by the configuration's overrides.
func withConfig(base Vars, defaults, overrides json.RawMessage) (Vars, error) {
	out := make(Vars, len(base)+8)
	for k, v := range base {
		out[k] = v
	}
	for _, raw := range []json.RawMessage{defaults, overrides} {
		if len(raw) == 0 {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("decode rule params: %w", err)
		}
		for k, v := range params {
			out["config."+k] = v
		}
	}
	return out, nil
}
