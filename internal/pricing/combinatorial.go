package pricing

import (
	"AuctionLedger/internal/auction"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// PackageBid is a combinatorial bid with its computed value.
type PackageBid struct {
	Bid   auction.Bid
	Value int64
}

// WinnerDetermination picks a set of item-disjoint package bids.
type WinnerDetermination interface {
	Name() string
	Select(bids []PackageBid) []PackageBid
}

// ValuationFunc scores a package bid for custom valuations.
type ValuationFunc func(a *auction.Auction, b auction.Bid) (int64, error)

// rankPackages orders by value, then fewer items, then arrival.
func rankPackages(bids []PackageBid) []PackageBid {
	ranked := append([]PackageBid(nil), bids...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Value != ranked[j].Value {
			return ranked[i].Value > ranked[j].Value
		}
		if len(ranked[i].Bid.Items) != len(ranked[j].Bid.Items) {
			return len(ranked[i].Bid.Items) < len(ranked[j].Bid.Items)
		}
		return auction.Earlier(ranked[i].Bid, ranked[j].Bid)
	})
	return ranked
}

// GreedyByValue accepts bids in descending value order when they do not
// overlap anything already accepted.
type GreedyByValue struct{}

func (GreedyByValue) Name() string { return "greedy_by_value" }

func (GreedyByValue) Select(bids []PackageBid) []PackageBid {
	taken := make(map[string]bool)
	var out []PackageBid
	for _, pb := range rankPackages(bids) {
		if overlaps(taken, pb.Bid.Items) {
			continue
		}
		for _, it := range pb.Bid.Items {
			taken[it] = true
		}
		out = append(out, pb)
	}
	return out
}

// ExactSearch maximises total value with branch and bound. Above MaxBids it
// falls back to greedy.
type ExactSearch struct {
	MaxBids int
}

func (ExactSearch) Name() string { return "exact_search" }

func (e ExactSearch) Select(bids []PackageBid) []PackageBid {
	limit := e.MaxBids
	if limit <= 0 {
		limit = 24
	}
	if len(bids) > limit {
		return GreedyByValue{}.Select(bids)
	}
	ranked := rankPackages(bids)

	// suffix[i] bounds the value still obtainable from ranked[i:].
	suffix := make([]int64, len(ranked)+1)
	for i := len(ranked) - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + ranked[i].Value
	}

	var best []int
	var bestValue int64 = -1
	var current []int
	taken := make(map[string]bool)

	var search func(i int, value int64)
	search = func(i int, value int64) {
		if value > bestValue {
			bestValue = value
			best = append(best[:0], current...)
		}
		if i == len(ranked) || value+suffix[i] <= bestValue {
			return
		}
		pb := ranked[i]
		if !overlaps(taken, pb.Bid.Items) {
			for _, it := range pb.Bid.Items {
				taken[it] = true
			}
			current = append(current, i)
			search(i+1, value+pb.Value)
			current = current[:len(current)-1]
			for _, it := range pb.Bid.Items {
				delete(taken, it)
			}
		}
		search(i+1, value)
	}
	search(0, 0)

	out := make([]PackageBid, 0, len(best))
	for _, i := range best {
		out = append(out, ranked[i])
	}
	return out
}

func overlaps(taken map[string]bool, items []string) bool {
	for _, it := range items {
		if taken[it] {
			return true
		}
	}
	return false
}

type combinatorial struct {
	greedy     WinnerDetermination
	exact      WinnerDetermination
	valuations map[string]ValuationFunc
}

func (c combinatorial) policy(a *auction.Auction) WinnerDetermination {
	if a.Params.ExactWinnerDetermination {
		return c.exact
	}
	return c.greedy
}

// value scores a package. Multiplicative valuation compounds the synergy
// factor once per item beyond the first.
func (c combinatorial) value(a *auction.Auction, b auction.Bid) (int64, error) {
	switch a.Params.Valuation {
	case "", auction.ValuationAdditive:
		return b.Amount, nil
	case auction.ValuationMultiplicative:
		factor, err := decimal.NewFromString(a.Params.SynergyFactor)
		if err != nil {
			return 0, fmt.Errorf("parse synergy factor: %w", err)
		}
		extra := int64(len(b.Items) - 1)
		if extra < 0 {
			extra = 0
		}
		mult := decimal.NewFromInt(1).Add(factor).Pow(decimal.NewFromInt(extra))
		return decimal.NewFromInt(b.Amount).Mul(mult).Round(0).IntPart(), nil
	case auction.ValuationCustom:
		fn, ok := c.valuations[a.Params.CustomValuation]
		if !ok {
			return 0, fmt.Errorf("custom valuation %q is not registered", a.Params.CustomValuation)
		}
		return fn(a, b)
	default:
		return 0, fmt.Errorf("unknown valuation %q", a.Params.Valuation)
	}
}

func (c combinatorial) packages(v View) ([]PackageBid, error) {
	out := make([]PackageBid, 0, len(v.Bids))
	for _, b := range v.Bids {
		val, err := c.value(v.Auction, b)
		if err != nil {
			return nil, err
		}
		out = append(out, PackageBid{Bid: b, Value: val})
	}
	return out, nil
}

func (c combinatorial) Quote(v View) Quote {
	q := Quote{
		CurrentPrice: v.Auction.StartingPrice,
		MinNextBid:   v.Auction.StartingPrice,
		Direction:    Unordered,
		Visible:      true,
		EffectiveEnd: v.Auction.EndTime,
	}
	pkgs, err := c.packages(v)
	if err != nil || len(pkgs) == 0 {
		return q
	}
	var revenue int64
	for _, pb := range (GreedyByValue{}).Select(pkgs) {
		revenue += pb.Bid.Amount
	}
	q.CurrentPrice = revenue
	return q
}

func (combinatorial) Check(v View, b auction.Bid) error {
	if len(b.Items) == 0 {
		return invalid("items", "package bid must name at least one item")
	}
	offered := make(map[string]bool, len(v.Auction.Params.Items))
	for _, it := range v.Auction.Params.Items {
		offered[it] = true
	}
	seen := make(map[string]bool, len(b.Items))
	for _, it := range b.Items {
		if !offered[it] {
			return invalid("items", "item %q is not offered in this auction", it)
		}
		if seen[it] {
			return invalid("items", "item %q listed twice", it)
		}
		seen[it] = true
	}
	if b.Amount < v.Auction.StartingPrice {
		return tooLow(b.Amount, v.Auction.StartingPrice)
	}
	return nil
}

func (c combinatorial) Resolve(v View) (Outcome, error) {
	policy := c.policy(v.Auction)
	if len(v.Bids) == 0 {
		return noBids(policy.Name()), nil
	}
	pkgs, err := c.packages(v)
	if err != nil {
		return Outcome{}, err
	}
	chosen := policy.Select(pkgs)
	var revenue int64
	for _, pb := range chosen {
		revenue += pb.Bid.Amount
	}
	if belowReserve(v.Auction, revenue) {
		return reserveNotMet(policy.Name(), revenue), nil
	}
	out := Outcome{ResultType: auction.ResultWinner, ClearingPrice: revenue, FinalPrice: revenue, Method: policy.Name()}
	for _, pb := range chosen {
		out.Winners = append(out.Winners, auction.Allocation{
			BidID:    pb.Bid.ID,
			BidderID: pb.Bid.BidderID,
			Side:     auction.SideBuy,
			Quantity: 1,
			Price:    pb.Bid.Amount,
			Items:    append([]string(nil), pb.Bid.Items...),
		})
	}
	return out, nil
}
