package pricing

import (
	"AuctionLedger/internal/auction"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnsupportedMechanism is returned for a mechanism with no registered
// pricer.
var ErrUnsupportedMechanism = errors.New("unsupported mechanism")

// pricer is the per-mechanism strategy. Implementations are pure
// functions of the view.
type pricer interface {
	Quote(v View) Quote
	Check(v View, b auction.Bid) error
	Resolve(v View) (Outcome, error)
}

// closer is implemented by mechanisms where a single bid can end the
// auction.
type closer interface {
	Closes(v View, b auction.Bid) bool
}

// ender is implemented by mechanisms whose close moves with bidding.
type ender interface {
	EffectiveEnd(v View) time.Time
}

// Oracle dispatches price, legality and winner computation on the auction
// mechanism.
type Oracle struct {
	pricers map[auction.Mechanism]pricer
}

type options struct {
	greedy     WinnerDetermination
	exact      WinnerDetermination
	valuations map[string]ValuationFunc
}

type Option func(*options)

// WithWinnerDetermination replaces the default combinatorial policy.
func WithWinnerDetermination(p WinnerDetermination) Option {
	return func(o *options) { o.greedy = p }
}

// WithExactWinnerDetermination replaces the policy used when an auction
// asks for exact winner determination.
func WithExactWinnerDetermination(p WinnerDetermination) Option {
	return func(o *options) { o.exact = p }
}

// WithValuation registers a named custom valuation for combinatorial
// auctions.
func WithValuation(name string, fn ValuationFunc) Option {
	return func(o *options) { o.valuations[name] = fn }
}

func NewOracle(opts ...Option) *Oracle {
	o := options{
		greedy:     GreedyByValue{},
		exact:      ExactSearch{MaxBids: 24},
		valuations: make(map[string]ValuationFunc),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Oracle{
		pricers: map[auction.Mechanism]pricer{
			auction.English:       english{},
			auction.Dutch:         dutch{},
			auction.SealedBid:     sealedBid{},
			auction.Reverse:       reverse{},
			auction.Vickrey:       vickrey{},
			auction.BuyItNow:      buyItNow{},
			auction.Double:        double{},
			auction.AllPay:        allPay{},
			auction.Japanese:      japanese{},
			auction.Chinese:       chinese{},
			auction.Penny:         penny{},
			auction.MultiUnit:     multiUnit{},
			auction.Combinatorial: combinatorial{greedy: o.greedy, exact: o.exact, valuations: o.valuations},
		},
	}
}

func (o *Oracle) pricer(m auction.Mechanism) (pricer, error) {
	p, ok := o.pricers[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMechanism, m)
	}
	return p, nil
}

// Supports reports whether m has a registered pricer.
func (o *Oracle) Supports(m auction.Mechanism) bool {
	_, ok := o.pricers[m]
	return ok
}

func (o *Oracle) Quote(v View) (Quote, error) {
	p, err := o.pricer(v.Auction.Mechanism)
	if err != nil {
		return Quote{}, err
	}
	return p.Quote(v), nil
}

// CurrentPrice is the running price of the auction at v.Now.
func (o *Oracle) CurrentPrice(v View) (int64, error) {
	q, err := o.Quote(v)
	if err != nil {
		return 0, err
	}
	return q.CurrentPrice, nil
}

// EffectiveEnd is the instant bidding closes, accounting for extensions.
func (o *Oracle) EffectiveEnd(v View) (time.Time, error) {
	p, err := o.pricer(v.Auction.Mechanism)
	if err != nil {
		return time.Time{}, err
	}
	if e, ok := p.(ender); ok {
		return e.EffectiveEnd(v), nil
	}
	return v.Auction.EndTime, nil
}

// CheckBid validates the shape of b for the mechanism and then its
// legality against the current bids.
func (o *Oracle) CheckBid(v View, b auction.Bid) error {
	p, err := o.pricer(v.Auction.Mechanism)
	if err != nil {
		return err
	}
	if err := checkShape(v.Auction, b); err != nil {
		return err
	}
	return p.Check(v, b)
}

func checkShape(a *auction.Auction, b auction.Bid) error {
	if b.BidderID == "" {
		return invalid("bidder_id", "bidder is required")
	}
	if b.Amount <= 0 {
		return invalid("amount", "amount must be positive")
	}
	if b.Quantity < 0 {
		return invalid("quantity", "quantity cannot be negative")
	}
	if quantityOf(b) > 1 && a.Mechanism != auction.MultiUnit && a.Mechanism != auction.Double {
		return invalid("quantity", "%s auctions sell a single unit", a.Mechanism)
	}
	if sideOf(b) != auction.SideBuy && a.Mechanism != auction.Double {
		return invalid("side", "only double auctions accept sell orders")
	}
	if len(b.Items) > 0 && a.Mechanism != auction.Combinatorial {
		return invalid("items", "only combinatorial auctions accept package bids")
	}
	return nil
}

// Closes reports whether admitting b ends the auction immediately.
func (o *Oracle) Closes(v View, b auction.Bid) bool {
	p, err := o.pricer(v.Auction.Mechanism)
	if err != nil {
		return false
	}
	if c, ok := p.(closer); ok {
		return c.Closes(v, b)
	}
	return false
}

// Resolve determines winners, payments and charges.
func (o *Oracle) Resolve(v View) (Outcome, error) {
	p, err := o.pricer(v.Auction.Mechanism)
	if err != nil {
		return Outcome{}, err
	}
	return p.Resolve(v)
}

// Leaders returns the bids that would win if the auction closed now,
// ignoring the reserve. Used to mark bids winning or outbid.
func (o *Oracle) Leaders(v View) ([]uuid.UUID, error) {
	open := v
	open.Auction = v.Auction.Clone()
	open.Auction.ReservePrice = nil
	out, err := o.Resolve(open)
	if err != nil {
		return nil, err
	}
	return out.WinningBidIDs(), nil
}
