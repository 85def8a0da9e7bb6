package event

import (
	"time"

	"github.com/google/uuid"
)

type AuctionCreated struct {
	AuctionID     uuid.UUID `json:"auction_id"`
	Mechanism     string    `json:"mechanism"`
	SellerID      string    `json:"seller_id"`
	StartingPrice int64     `json:"starting_price"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
}

type BidPlaced struct {
	AuctionID      uuid.UUID `json:"auction_id"`
	BidID          uuid.UUID `json:"bid_id"`
	BidderID       string    `json:"bidder_id"`
	Amount         int64     `json:"amount"`
	Quantity       int64     `json:"quantity"`
	Mechanism      string    `json:"mechanism"`
	CurrentPrice   int64     `json:"current_price"`
	AuctionVersion int64     `json:"auction_version"`
	PlacedAt       time.Time `json:"placed_at"`
}

type BidRetracted struct {
	AuctionID      uuid.UUID `json:"auction_id"`
	BidID          uuid.UUID `json:"bid_id"`
	BidderID       string    `json:"bidder_id"`
	CurrentPrice   int64     `json:"current_price"`
	AuctionVersion int64     `json:"auction_version"`
}

type StatusChanged struct {
	AuctionID      uuid.UUID `json:"auction_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Reason         string    `json:"reason,omitempty"`
	AuctionVersion int64     `json:"auction_version"`
}

// AuctionEnded carries the settlement summary. Allocation details stay in
// the settlement record; consumers that need them query it by id.
type AuctionEnded struct {
	AuctionID     uuid.UUID  `json:"auction_id"`
	SettlementID  uuid.UUID  `json:"settlement_id"`
	Mechanism     string     `json:"mechanism"`
	ResultType    string     `json:"result_type"`
	WinnerBidID   *uuid.UUID `json:"winner_bid_id,omitempty"`
	WinnerID      string     `json:"winner_id,omitempty"`
	FinalPrice    int64      `json:"final_price"`
	ClearingPrice int64      `json:"clearing_price"`
	Winners       int        `json:"winners"`
	Digest        string     `json:"digest"`
}
