package pricing

import (
	"AuctionLedger/internal/auction"
	"time"

	"github.com/google/uuid"
)

// Direction is the comparison a new bid is checked against.
type Direction int

const (
	// Ascending bids must be at least Quote.MinNextBid.
	Ascending Direction = iota
	// Descending bids must be at most Quote.MinNextBid (reverse auctions)
	// or accept the clock price (Dutch, Chinese).
	Descending
	// Unordered formats only require a positive amount.
	Unordered
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return "unordered"
	}
}

// Quote is the public price state of a running auction.
type Quote struct {
	CurrentPrice int64
	MinNextBid   int64
	Direction    Direction
	Visible      bool
	EffectiveEnd time.Time
}

// Outcome is the result of resolving an auction.
type Outcome struct {
	ResultType    auction.ResultType
	Winners       []auction.Allocation
	ClearingPrice int64
	FinalPrice    int64
	Charges       []auction.Charge
	Method        string
}

// WinningBidIDs lists the bids holding an allocation.
func (o Outcome) WinningBidIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.Winners))
	for _, w := range o.Winners {
		ids = append(ids, w.BidID)
	}
	return ids
}

// PrimaryWinner returns the first allocation, if any.
func (o Outcome) PrimaryWinner() (auction.Allocation, bool) {
	if len(o.Winners) == 0 {
		return auction.Allocation{}, false
	}
	return o.Winners[0], true
}

func noBids(method string) Outcome {
	return Outcome{ResultType: auction.ResultNoBids, Method: method}
}

func reserveNotMet(method string, best int64) Outcome {
	return Outcome{ResultType: auction.ResultReserveNotMet, ClearingPrice: best, Method: method}
}

func singleWinner(method string, b auction.Bid, price int64) Outcome {
	return Outcome{
		ResultType:    auction.ResultWinner,
		Winners:       []auction.Allocation{{BidID: b.ID, BidderID: b.BidderID, Side: sideOf(b), Quantity: 1, Price: price}},
		ClearingPrice: price,
		FinalPrice:    price,
		Method:        method,
	}
}
