package auction

// Mechanism identifies the auction format. The string form is what gets
// persisted and what rule configurations scope on.
type Mechanism string

const (
	English       Mechanism = "english"
	Dutch         Mechanism = "dutch"
	SealedBid     Mechanism = "sealed_bid"
	Reverse       Mechanism = "reverse"
	Vickrey       Mechanism = "vickrey"
	BuyItNow      Mechanism = "buy_it_now"
	Double        Mechanism = "double"
	AllPay        Mechanism = "all_pay"
	Japanese      Mechanism = "japanese"
	Chinese       Mechanism = "chinese"
	Penny         Mechanism = "penny"
	MultiUnit     Mechanism = "multi_unit"
	Combinatorial Mechanism = "combinatorial"
)

var allMechanisms = []Mechanism{
	English, Dutch, SealedBid, Reverse, Vickrey, BuyItNow, Double,
	AllPay, Japanese, Chinese, Penny, MultiUnit, Combinatorial,
}

// Mechanisms returns every supported mechanism in a stable order.
func Mechanisms() []Mechanism {
	out := make([]Mechanism, len(allMechanisms))
	copy(out, allMechanisms)
	return out
}

func (m Mechanism) Valid() bool {
	for _, known := range allMechanisms {
		if m == known {
			return true
		}
	}
	return false
}

func (m Mechanism) String() string {
	return string(m)
}

// Retractable reports whether bids may be withdrawn while the auction runs.
// Only open ascending formats allow it; clock, sealed and fee-bearing
// formats treat a bid as a commitment.
func (m Mechanism) Retractable() bool {
	switch m {
	case English, Reverse, MultiUnit, Combinatorial, Double:
		return true
	default:
		return false
	}
}

// Side distinguishes buy and sell orders in a double auction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Valuation selects how combinatorial package bids are scored.
type Valuation string

const (
	ValuationAdditive       Valuation = "additive"
	ValuationMultiplicative Valuation = "multiplicative"
	ValuationCustom         Valuation = "custom"
)
