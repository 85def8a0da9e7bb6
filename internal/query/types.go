package query

import (
	"AuctionLedger/internal/auction"
	"time"

	"github.com/google/uuid"
)

// Consistency selects where a read is served from.
type Consistency string

const (
	// Cached may return a snapshot up to the cache TTL old.
	Cached Consistency = "cached"
	// Authoritative always reads the store.
	Authoritative Consistency = "authoritative"
)

func ParseConsistency(s string) Consistency {
	if s == string(Authoritative) {
		return Authoritative
	}
	return Cached
}

// PriceResponse is the current price view of an auction. For hidden-price
// mechanisms CurrentPrice is the starting price until settlement.
type PriceResponse struct {
	AuctionID    uuid.UUID         `json:"auction_id"`
	Mechanism    auction.Mechanism `json:"mechanism"`
	Status       auction.Status    `json:"status"`
	CurrentPrice int64             `json:"current_price"`
	MinNextBid   int64             `json:"min_next_bid"`
	Visible      bool              `json:"visible"`
	EffectiveEnd time.Time         `json:"effective_end"`
	AsOfVersion  int64             `json:"as_of_version"`
	// Source is "cache" or "store".
	Source string    `json:"source"`
	AsOf   time.Time `json:"as_of"`
}

// WinnerResponse summarises a settlement.
type WinnerResponse struct {
	AuctionID     uuid.UUID            `json:"auction_id"`
	ResultType    auction.ResultType   `json:"result_type"`
	WinnerBidID   *uuid.UUID           `json:"winner_bid_id,omitempty"`
	WinnerID      string               `json:"winner_id,omitempty"`
	FinalPrice    int64                `json:"final_price"`
	ClearingPrice int64                `json:"clearing_price,omitempty"`
	Allocations   []auction.Allocation `json:"allocations"`
	Charges       []auction.Charge     `json:"charges,omitempty"`
	Method        string               `json:"method"`
	SettledAt     time.Time            `json:"settled_at"`
	Digest        string               `json:"digest"`
}
