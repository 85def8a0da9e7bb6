// Package settlement closes auctions: it resolves the outcome once,
// records it immutably and announces it through the outbox.
package settlement

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Invalidator drops cached read views of an auction.
type Invalidator interface {
	Invalidate(ctx context.Context, auctionID uuid.UUID) error
}

type Options struct {
	// Force settles before the effective end, as buy-it-now does.
	Force bool
}

type Config struct {
	BatchSize       int
	Concurrency     int
	ConflictRetries uint
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, Concurrency: 4, ConflictRetries: 5}
}

type Deps struct {
	Store       persistence.Store
	Oracle      *pricing.Oracle
	Invalidator Invalidator
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
	Clock       func() time.Time
}

type Resolver struct {
	store       persistence.Store
	oracle      *pricing.Oracle
	invalidator Invalidator
	cfg         Config
	logger      zerolog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func New(deps Deps, cfg Config) (*Resolver, error) {
	if deps.Store == nil {
		return nil, errors.New("settlement: store is required")
	}
	if deps.Oracle == nil {
		return nil, errors.New("settlement: oracle is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Resolver{
		store:       deps.Store,
		oracle:      deps.Oracle,
		invalidator: deps.Invalidator,
		cfg:         cfg,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         deps.Clock,
	}, nil
}

// Close force-settles an auction.
func (r *Resolver) Close(ctx context.Context, auctionID uuid.UUID) (*auction.Settlement, error) {
	return r.Settle(ctx, auctionID, Options{Force: true})
}

// Settle resolves an auction whose effective end has passed, or any active
// auction when forced. Settling a completed auction returns the stored
// settlement unchanged.
func (r *Resolver) Settle(ctx context.Context, auctionID uuid.UUID, opts Options) (*auction.Settlement, error) {
	start := time.Now()
	var (
		out   *auction.Settlement
		fresh bool
	)

	retrier := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.cfg.ConflictRetries+1),
		retry.Delay(5*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(auction.IsConflict),
	)
	err := retrier.Do(func() error {
		return r.store.InTx(ctx, func(tx persistence.Tx) error {
			var err error
			out, fresh, err = r.settle(ctx, tx, auctionID, opts)
			return err
		})
	})

	if errors.Is(err, persistence.ErrDuplicateKey) {
		// Another resolver committed first.
		out, fresh, err = r.stored(ctx, auctionID)
	}
	if err != nil {
		return nil, auction.Infra("settle auction", err)
	}
	if !fresh {
		return out, nil
	}

	r.metrics.Settlements.WithLabelValues(string(out.Mechanism), string(out.ResultType)).Inc()
	r.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	r.logger.Info().
		Str("auction_id", auctionID.String()).
		Str("result", string(out.ResultType)).
		Str("winner_id", out.WinnerID).
		Int64("final_price", out.FinalPrice).
		Bool("forced", out.Forced).
		Msg("auction settled")

	if r.invalidator != nil {
		if err := r.invalidator.Invalidate(ctx, auctionID); err != nil {
			r.logger.Warn().Err(err).Str("auction_id", auctionID.String()).Msg("cache invalidation failed")
		}
	}
	return out, nil
}

func (r *Resolver) stored(ctx context.Context, auctionID uuid.UUID) (*auction.Settlement, bool, error) {
	var s *auction.Settlement
	err := r.store.InTx(ctx, func(tx persistence.Tx) error {
		var err error
		s, err = tx.GetSettlement(ctx, auctionID)
		return err
	})
	return s, false, err
}

func (r *Resolver) settle(ctx context.Context, tx persistence.Tx, auctionID uuid.UUID, opts Options) (*auction.Settlement, bool, error) {
	a, err := tx.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, false, err
	}
	if a.Status == auction.StatusCompleted {
		s, err := tx.GetSettlement(ctx, auctionID)
		return s, false, err
	}
	if a.Status != auction.StatusActive {
		return nil, false, auction.NewValidationError("auction_id", auction.CodeAuctionNotActive,
			"cannot settle a %s auction", a.Status)
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	bids, err := tx.ListBids(ctx, a.ID)
	if err != nil {
		return nil, false, err
	}
	view := pricing.NewView(a, bids, now)
	end, err := r.oracle.EffectiveEnd(view)
	if err != nil {
		return nil, false, err
	}
	if !opts.Force && now.Before(end) {
		return nil, false, auction.NewValidationError("auction_id", auction.CodeAuctionNotEnded,
			"bidding runs until %s", end.Format(time.RFC3339))
	}

	outcome, err := r.oracle.Resolve(view)
	if err != nil {
		return nil, false, err
	}

	winners := make(map[uuid.UUID]bool, len(outcome.Winners))
	for _, id := range outcome.WinningBidIDs() {
		winners[id] = true
	}
	for i := range bids {
		b := &bids[i]
		if !b.Status.Live() {
			continue
		}
		want := auction.BidLosing
		if winners[b.ID] {
			want = auction.BidWinning
		}
		if b.Status == want {
			continue
		}
		b.Status = want
		if err := tx.UpdateBidStatus(ctx, b, b.Version); err != nil {
			return nil, false, err
		}
	}

	s := &auction.Settlement{
		ID:            uuid.New(),
		AuctionID:     a.ID,
		Mechanism:     a.Mechanism,
		ResultType:    outcome.ResultType,
		FinalPrice:    outcome.FinalPrice,
		ClearingPrice: outcome.ClearingPrice,
		Allocations:   outcome.Winners,
		Charges:       outcome.Charges,
		Method:        outcome.Method,
		Forced:        opts.Force,
		SettledAt:     now,
	}
	if s.Allocations == nil {
		s.Allocations = []auction.Allocation{}
	}
	if s.Charges == nil {
		s.Charges = []auction.Charge{}
	}
	if w, ok := outcome.PrimaryWinner(); ok && outcome.ResultType == auction.ResultWinner {
		id := w.BidID
		s.WinnerBidID = &id
		s.WinnerID = w.BidderID
	}
	s.Digest = Digest(s)

	a.Status = auction.StatusCompleted
	if outcome.ResultType == auction.ResultWinner {
		a.CurrentPrice = outcome.FinalPrice
	}
	a.UpdatedAt = now
	if err := tx.UpdateAuction(ctx, a, a.Version); err != nil {
		return nil, false, err
	}
	if err := tx.InsertSettlement(ctx, s); err != nil {
		return nil, false, err
	}

	if err := appendEnded(ctx, tx, s, now); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func appendEnded(ctx context.Context, tx persistence.Tx, s *auction.Settlement, now time.Time) error {
	e, err := event.New(event.EventTypeAuctionEnded, s.AuctionID, event.AuctionEnded{
		AuctionID:     s.AuctionID,
		SettlementID:  s.ID,
		Mechanism:     string(s.Mechanism),
		ResultType:    string(s.ResultType),
		WinnerBidID:   s.WinnerBidID,
		WinnerID:      s.WinnerID,
		FinalPrice:    s.FinalPrice,
		ClearingPrice: s.ClearingPrice,
		Winners:       len(s.Allocations),
		Digest:        s.Digest,
	}, now)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, e)
}

// SettleDue settles active auctions past their scheduled end, at most
// Concurrency at a time. Auctions whose bidding was extended are skipped
// until their effective end. Per-auction failures are logged and do not
// stop the batch.
func (r *Resolver) SettleDue(ctx context.Context) (int, error) {
	var due []auction.Auction
	err := r.store.InTx(ctx, func(tx persistence.Tx) error {
		var err error
		due, err = tx.ListDueAuctions(ctx, r.now().UTC(), r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, auction.Infra("list due auctions", err)
	}

	results := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range due {
		id := due[i].ID
		g.Go(func() error {
			_, err := r.Settle(gctx, id, Options{})
			var ve *auction.ValidationError
			switch {
			case err == nil:
				results[i] = true
			case errors.As(err, &ve) && ve.Code == auction.CodeAuctionNotEnded:
			default:
				r.logger.Error().Err(err).Str("auction_id", id.String()).Msg("scheduled settlement failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	settled := 0
	for _, ok := range results {
		if ok {
			settled++
		}
	}
	return settled, nil
}
