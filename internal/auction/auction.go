package auction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Auction is the mutable aggregate every bid and settlement coordinates on.
// Version increments on every committed mutation; writers that read an older
// version must abort and re-read.
type Auction struct {
	ID             uuid.UUID `json:"id"`
	Mechanism      Mechanism `json:"mechanism"`
	SellerID       string    `json:"seller_id"`
	Title          string    `json:"title"`
	StartingPrice  int64     `json:"starting_price"`
	ReservePrice   *int64    `json:"reserve_price,omitempty"`
	MinIncrement   int64     `json:"min_increment"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Status         Status    `json:"status"`
	Version        int64     `json:"version"`
	CurrentPrice   int64     `json:"current_price"`
	Params         Params    `json:"params"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Params is the mechanism-specific parameter bag. Fields a mechanism does
// not use are ignored.
type Params struct {
	// Multi-unit supply.
	TotalUnits int64 `json:"total_units,omitempty"`

	// Dutch and Chinese descending clock.
	DecrementAmount   int64         `json:"decrement_amount,omitempty"`
	DecrementInterval time.Duration `json:"decrement_interval,omitempty"`
	FloorPrice        int64         `json:"floor_price,omitempty"`

	// Penny auction.
	BidFee         int64         `json:"bid_fee,omitempty"`
	TimerExtension time.Duration `json:"timer_extension,omitempty"`

	// Buy-it-now list price.
	BuyNowPrice int64 `json:"buy_now_price,omitempty"`

	// Japanese ascending clock.
	RoundDuration time.Duration `json:"round_duration,omitempty"`

	// Combinatorial.
	Items                    []string  `json:"items,omitempty"`
	Valuation                Valuation `json:"valuation,omitempty"`
	SynergyFactor            string    `json:"synergy_factor,omitempty"`
	CustomValuation          string    `json:"custom_valuation,omitempty"`
	ExactWinnerDetermination bool      `json:"exact_winner_determination,omitempty"`
}

// HasReserve reports whether a reserve price was set.
func (a *Auction) HasReserve() bool {
	return a.ReservePrice != nil
}

// Reserve returns the reserve price or zero when none is set.
func (a *Auction) Reserve() int64 {
	if a.ReservePrice == nil {
		return 0
	}
	return *a.ReservePrice
}

// Clone returns a deep copy safe to mutate independently.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.ReservePrice != nil {
		r := *a.ReservePrice
		c.ReservePrice = &r
	}
	if a.IdempotencyKey != nil {
		k := *a.IdempotencyKey
		c.IdempotencyKey = &k
	}
	if a.Params.Items != nil {
		c.Params.Items = append([]string(nil), a.Params.Items...)
	}
	return &c
}

// Validate checks the creation-time invariants.
func (a *Auction) Validate() error {
	if !a.Mechanism.Valid() {
		return NewValidationError("mechanism", CodeInvalidAuction, "unsupported mechanism %q", a.Mechanism)
	}
	if a.SellerID == "" {
		return NewValidationError("seller_id", CodeInvalidAuction, "seller is required")
	}
	if a.StartingPrice <= 0 {
		return NewValidationError("starting_price", CodeInvalidAmount, "starting price must be positive")
	}
	if a.ReservePrice != nil && *a.ReservePrice <= 0 {
		return NewValidationError("reserve_price", CodeInvalidAmount, "reserve price must be positive")
	}
	if a.MinIncrement < 0 {
		return NewValidationError("min_increment", CodeInvalidAmount, "minimum increment cannot be negative")
	}
	if !a.EndTime.After(a.StartTime) {
		return NewValidationError("end_time", CodeInvalidAuction, "end time must be after start time")
	}
	return a.validateParams()
}

func (a *Auction) validateParams() error {
	p := a.Params
	switch a.Mechanism {
	case Dutch, Chinese:
		if p.DecrementAmount <= 0 || p.DecrementInterval <= 0 {
			return NewValidationError("params.decrement_amount", CodeInvalidAuction,
				"descending clock needs a positive decrement amount and interval")
		}
		if p.FloorPrice < 0 {
			return NewValidationError("params.floor_price", CodeInvalidAmount, "floor price cannot be negative")
		}
	case Japanese:
		if p.RoundDuration <= 0 {
			return NewValidationError("params.round_duration", CodeInvalidAuction, "round duration must be positive")
		}
		if a.MinIncrement <= 0 {
			return NewValidationError("min_increment", CodeInvalidAmount, "japanese rounds need a positive increment")
		}
	case Penny:
		if p.BidFee <= 0 {
			return NewValidationError("params.bid_fee", CodeInvalidAmount, "penny auctions need a positive bid fee")
		}
		if p.TimerExtension < 0 {
			return NewValidationError("params.timer_extension", CodeInvalidAuction, "timer extension cannot be negative")
		}
	case BuyItNow:
		if p.BuyNowPrice < a.StartingPrice {
			return NewValidationError("params.buy_now_price", CodeInvalidAmount,
				"buy-now price must be at least the starting price")
		}
	case MultiUnit:
		if p.TotalUnits <= 0 {
			return NewValidationError("params.total_units", CodeInvalidAuction, "multi-unit supply must be positive")
		}
	case Combinatorial:
		if len(p.Items) == 0 {
			return NewValidationError("params.items", CodeInvalidAuction, "combinatorial auctions need at least one item")
		}
		seen := make(map[string]bool, len(p.Items))
		for _, it := range p.Items {
			if it == "" || seen[it] {
				return NewValidationError("params.items", CodeInvalidAuction, "items must be unique and non-empty")
			}
			seen[it] = true
		}
		switch p.Valuation {
		case "", ValuationAdditive:
		case ValuationMultiplicative:
			f, err := decimal.NewFromString(p.SynergyFactor)
			if err != nil || f.IsNegative() {
				return NewValidationError("params.synergy_factor", CodeInvalidAuction,
					"multiplicative valuation needs a non-negative decimal synergy factor")
			}
		case ValuationCustom:
			if p.CustomValuation == "" {
				return NewValidationError("params.custom_valuation", CodeInvalidAuction,
					"custom valuation needs a registered valuation name")
			}
		default:
			return NewValidationError("params.valuation", CodeInvalidAuction, "unknown valuation %q", p.Valuation)
		}
	}
	return nil
}

// Bid is one append-only entry in an auction's bid stream.
type Bid struct {
	ID             uuid.UUID `json:"id"`
	AuctionID      uuid.UUID `json:"auction_id"`
	BidderID       string    `json:"bidder_id"`
	Amount         int64     `json:"amount"`
	Quantity       int64     `json:"quantity"`
	Side           Side      `json:"side"`
	Items          []string  `json:"items,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Status         BidStatus `json:"status"`
	Version        int64     `json:"version"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
}

// Clone returns a deep copy.
func (b Bid) Clone() Bid {
	c := b
	if b.Items != nil {
		c.Items = append([]string(nil), b.Items...)
	}
	if b.IdempotencyKey != nil {
		k := *b.IdempotencyKey
		c.IdempotencyKey = &k
	}
	return c
}

// Earlier orders bids by timestamp, then by id so that ties are stable
// across replays.
func Earlier(a, b Bid) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID.String() < b.ID.String()
}
