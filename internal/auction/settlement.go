package auction

import (
	"time"

	"github.com/google/uuid"
)

// ResultType classifies how an auction ended.
type ResultType string

const (
	ResultWinner        ResultType = "winner"
	ResultNoBids        ResultType = "no_bids"
	ResultReserveNotMet ResultType = "reserve_not_met"
	ResultNoMatch       ResultType = "no_match"
)

// Allocation is what one winning bid receives (or, for double-auction
// sellers, delivers). Price is per unit.
type Allocation struct {
	BidID    uuid.UUID `json:"bid_id"`
	BidderID string    `json:"bidder_id"`
	Side     Side      `json:"side"`
	Quantity int64     `json:"quantity"`
	Price    int64     `json:"price"`
	Items    []string  `json:"items,omitempty"`
}

// Total is the amount owed for the allocation.
func (a Allocation) Total() int64 {
	return a.Price * a.Quantity
}

// Charge is an amount owed independently of winning, such as all-pay bids
// or per-bid fees.
type Charge struct {
	BidderID string `json:"bidder_id"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

// Settlement is the immutable record written when an auction completes.
type Settlement struct {
	ID            uuid.UUID    `json:"id"`
	AuctionID     uuid.UUID    `json:"auction_id"`
	Mechanism     Mechanism    `json:"mechanism"`
	ResultType    ResultType   `json:"result_type"`
	WinnerBidID   *uuid.UUID   `json:"winner_bid_id,omitempty"`
	WinnerID      string       `json:"winner_id,omitempty"`
	FinalPrice    int64        `json:"final_price"`
	ClearingPrice int64        `json:"clearing_price"`
	Allocations   []Allocation `json:"allocations"`
	Charges       []Charge     `json:"charges"`
	Method        string       `json:"method"`
	Forced        bool         `json:"forced"`
	SettledAt     time.Time    `json:"settled_at"`
	Digest        string       `json:"digest"`
}
