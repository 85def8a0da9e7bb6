package ledger

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"AuctionLedger/internal/rules"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BidRequest is a bidder's offer. Quantity defaults to one and Side to buy.
type BidRequest struct {
	AuctionID uuid.UUID
	BidderID  string
	Amount    int64
	Quantity  int64
	Side      auction.Side
	Items     []string
	// UserGroup selects user_group scoped rule configurations.
	UserGroup string
}

// Receipt describes an admitted bid. Replays of an idempotency key return
// the receipt of the original bid with Duplicate set.
type Receipt struct {
	BidID          uuid.UUID
	AuctionID      uuid.UUID
	Status         auction.BidStatus
	CurrentPrice   int64
	AuctionVersion int64
	Duplicate      bool
	// Warnings are the non-blocking violations recorded with the bid.
	Warnings []uuid.UUID
	// Closed is set when the bid ended the auction (buy-it-now).
	Closed bool
}

// PlaceBid admits a bid atomically: legality, rules, the bid row, status
// recomputation, the auction version bump and the bid_placed event commit
// together or not at all.
func (l *Ledger) PlaceBid(ctx context.Context, req BidRequest, idempotencyKey string) (*Receipt, error) {
	start := time.Now()

	var (
		receipt *Receipt
		blocked []*auction.RuleViolation
		closes  bool
		mech    auction.Mechanism
	)
	err := l.withConflictRetry(ctx, "place_bid", func() error {
		blocked, closes = nil, false
		return l.store.InTx(ctx, func(tx persistence.Tx) error {
			var err error
			receipt, blocked, closes, mech, err = l.placeBid(ctx, tx, req, idempotencyKey)
			return err
		})
	})

	if errors.Is(err, persistence.ErrDuplicateKey) && idempotencyKey != "" {
		receipt, err = l.replayBid(ctx, idempotencyKey)
	}

	if err != nil {
		if len(blocked) > 0 {
			if rerr := l.rules.RecordViolations(context.WithoutCancel(ctx), blocked); rerr != nil {
				l.logger.Error().Err(rerr).Str("auction_id", req.AuctionID.String()).Msg("failed to record blocking violations")
			}
		}
		l.metrics.BidsRejected.WithLabelValues(string(mech), rejectionCode(err)).Inc()
		return nil, auction.Infra("place bid", err)
	}

	if receipt.Duplicate {
		return receipt, nil
	}

	l.keys.rememberBid(idempotencyKey, receipt.BidID)
	l.metrics.BidsPlaced.WithLabelValues(string(mech)).Inc()
	l.metrics.BidDuration.WithLabelValues(string(mech)).Observe(time.Since(start).Seconds())
	l.logger.Info().
		Str("auction_id", receipt.AuctionID.String()).
		Str("bid_id", receipt.BidID.String()).
		Str("bidder_id", req.BidderID).
		Int64("amount", req.Amount).
		Int64("auction_version", receipt.AuctionVersion).
		Msg("bid placed")

	l.invalidate(ctx, req.AuctionID)

	if closes {
		if _, err := l.closer.Close(ctx, req.AuctionID); err != nil {
			l.logger.Error().Err(err).Str("auction_id", req.AuctionID.String()).Msg("buy-now close failed")
		} else {
			receipt.Closed = true
		}
	}
	return receipt, nil
}

func (l *Ledger) placeBid(ctx context.Context, tx persistence.Tx, req BidRequest, key string) (
	*Receipt, []*auction.RuleViolation, bool, auction.Mechanism, error,
) {
	if key != "" {
		prior, err := l.keys.bid(ctx, tx, key)
		if err != nil {
			return nil, nil, false, "", err
		}
		if prior != nil {
			r, err := duplicateReceipt(ctx, tx, prior)
			return r, nil, false, "", err
		}
	}

	a, err := tx.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, nil, false, "", err
	}
	mech := a.Mechanism
	now := l.now().UTC()

	if a.Status != auction.StatusActive {
		return nil, nil, false, mech, auction.NewValidationError("auction_id", auction.CodeAuctionNotActive,
			"auction is %s", a.Status)
	}

	prior, err := tx.ListBids(ctx, a.ID)
	if err != nil {
		return nil, nil, false, mech, err
	}
	view := pricing.NewView(a, prior, now)
	end, err := l.oracle.EffectiveEnd(view)
	if err != nil {
		return nil, nil, false, mech, err
	}
	if now.Before(a.StartTime) || !now.Before(end) {
		return nil, nil, false, mech, auction.NewValidationError("auction_id", auction.CodeAuctionNotOpen,
			"bidding is open from %s until %s", a.StartTime.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	bid := &auction.Bid{
		ID:             uuid.New(),
		AuctionID:      a.ID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		Quantity:       req.Quantity,
		Side:           req.Side,
		Items:          req.Items,
		Timestamp:      now,
		Status:         auction.BidActive,
		Version:        1,
		IdempotencyKey: optionalKey(key),
	}
	if bid.Quantity == 0 {
		bid.Quantity = 1
	}
	if bid.Side == "" {
		bid.Side = auction.SideBuy
	}

	if err := l.oracle.CheckBid(view, *bid); err != nil {
		return nil, nil, false, mech, err
	}

	ev, err := l.rules.EvaluateBid(ctx, tx, rules.BidContext{
		Auction:   a,
		Bid:       bid,
		Bids:      prior,
		UserGroup: req.UserGroup,
		Now:       now,
	})
	if err != nil {
		return nil, nil, false, mech, err
	}
	if v := ev.Blocking(); v != nil {
		return nil, ev.Violations, false, mech, &auction.BusinessRuleError{
			RuleID:      v.RuleID,
			RuleCode:    v.RuleCode,
			Severity:    string(v.Severity),
			Expected:    v.Expected,
			Actual:      v.Actual,
			ViolationID: v.ID,
		}
	}

	next := view.With(*bid)
	if bid.Status, err = l.standing(next, bid.ID); err != nil {
		return nil, nil, false, mech, err
	}
	if err := tx.InsertBid(ctx, bid); err != nil {
		return nil, nil, false, mech, err
	}
	if err := l.restatus(ctx, tx, next, prior); err != nil {
		return nil, nil, false, mech, err
	}

	warnings := make([]uuid.UUID, 0, len(ev.Violations))
	for _, v := range ev.Violations {
		v.BidID = &bid.ID
		if err := l.rules.RecordViolation(ctx, tx, v); err != nil {
			return nil, nil, false, mech, err
		}
		warnings = append(warnings, v.ID)
	}

	price, err := l.oracle.CurrentPrice(next)
	if err != nil {
		return nil, nil, false, mech, err
	}
	a.CurrentPrice = price
	a.UpdatedAt = now
	if err := tx.UpdateAuction(ctx, a, a.Version); err != nil {
		return nil, nil, false, mech, err
	}

	if err := appendEvent(ctx, tx, event.EventTypeBidPlaced, a.ID, event.BidPlaced{
		AuctionID:      a.ID,
		BidID:          bid.ID,
		BidderID:       bid.BidderID,
		Amount:         bid.Amount,
		Quantity:       bid.Quantity,
		Mechanism:      string(a.Mechanism),
		CurrentPrice:   a.CurrentPrice,
		AuctionVersion: a.Version,
		PlacedAt:       now,
	}, now); err != nil {
		return nil, nil, false, mech, err
	}

	return &Receipt{
		BidID:          bid.ID,
		AuctionID:      a.ID,
		Status:         bid.Status,
		CurrentPrice:   a.CurrentPrice,
		AuctionVersion: a.Version,
		Warnings:       warnings,
	}, nil, l.oracle.Closes(next, *bid), mech, nil
}

// replayBid answers a bid whose idempotency key lost an insert race.
func (l *Ledger) replayBid(ctx context.Context, key string) (*Receipt, error) {
	var r *Receipt
	err := l.store.InTx(ctx, func(tx persistence.Tx) error {
		b, err := tx.BidByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		r, err = duplicateReceipt(ctx, tx, b)
		return err
	})
	return r, err
}

func duplicateReceipt(ctx context.Context, tx persistence.Tx, b *auction.Bid) (*Receipt, error) {
	a, err := tx.GetAuction(ctx, b.AuctionID)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		BidID:          b.ID,
		AuctionID:      b.AuctionID,
		Status:         b.Status,
		CurrentPrice:   a.CurrentPrice,
		AuctionVersion: a.Version,
		Duplicate:      true,
	}, nil
}

// RetractBid withdraws a bid in mechanisms that allow it. Retracting an
// already retracted bid is a no-op.
func (l *Ledger) RetractBid(ctx context.Context, bidID uuid.UUID, bidderID string) (*Receipt, error) {
	var (
		receipt *Receipt
		mech    auction.Mechanism
	)
	err := l.withConflictRetry(ctx, "retract_bid", func() error {
		return l.store.InTx(ctx, func(tx persistence.Tx) error {
			var err error
			receipt, mech, err = l.retractBid(ctx, tx, bidID, bidderID)
			return err
		})
	})
	if err != nil {
		return nil, auction.Infra("retract bid", err)
	}
	if receipt.Duplicate {
		return receipt, nil
	}

	l.metrics.BidsRetracted.WithLabelValues(string(mech)).Inc()
	l.logger.Info().
		Str("auction_id", receipt.AuctionID.String()).
		Str("bid_id", bidID.String()).
		Msg("bid retracted")
	l.invalidate(ctx, receipt.AuctionID)
	return receipt, nil
}

func (l *Ledger) retractBid(ctx context.Context, tx persistence.Tx, bidID uuid.UUID, bidderID string) (*Receipt, auction.Mechanism, error) {
	b, err := tx.GetBid(ctx, bidID)
	if err != nil {
		return nil, "", err
	}
	if b.BidderID != bidderID {
		return nil, "", auction.NewValidationError("bidder_id", auction.CodeBidInvalid, "bid belongs to another bidder")
	}
	a, err := tx.GetAuction(ctx, b.AuctionID)
	if err != nil {
		return nil, "", err
	}
	if b.Status == auction.BidRetracted {
		return &Receipt{
			BidID: b.ID, AuctionID: a.ID, Status: b.Status,
			CurrentPrice: a.CurrentPrice, AuctionVersion: a.Version, Duplicate: true,
		}, a.Mechanism, nil
	}
	if !a.Mechanism.Retractable() {
		return nil, a.Mechanism, auction.NewValidationError("bid_id", auction.CodeNotRetractable,
			"%s bids cannot be retracted", a.Mechanism)
	}
	if a.Status != auction.StatusActive {
		return nil, a.Mechanism, auction.NewValidationError("auction_id", auction.CodeAuctionNotActive, "auction is %s", a.Status)
	}

	now := l.now().UTC()
	bids, err := tx.ListBids(ctx, a.ID)
	if err != nil {
		return nil, a.Mechanism, err
	}
	end, err := l.oracle.EffectiveEnd(pricing.NewView(a, bids, now))
	if err != nil {
		return nil, a.Mechanism, err
	}
	if !now.Before(end) {
		return nil, a.Mechanism, auction.NewValidationError("auction_id", auction.CodeAuctionNotOpen, "bidding has closed")
	}

	b.Status = auction.BidRetracted
	if err := tx.UpdateBidStatus(ctx, b, b.Version); err != nil {
		return nil, a.Mechanism, err
	}
	for i := range bids {
		if bids[i].ID == b.ID {
			bids[i] = *b
		}
	}

	view := pricing.NewView(a, bids, now)
	if err := l.restatus(ctx, tx, view, bids); err != nil {
		return nil, a.Mechanism, err
	}
	price, err := l.oracle.CurrentPrice(view)
	if err != nil {
		return nil, a.Mechanism, err
	}
	a.CurrentPrice = price
	a.UpdatedAt = now
	if err := tx.UpdateAuction(ctx, a, a.Version); err != nil {
		return nil, a.Mechanism, err
	}

	if err := appendEvent(ctx, tx, event.EventTypeBidRetracted, a.ID, event.BidRetracted{
		AuctionID:      a.ID,
		BidID:          b.ID,
		BidderID:       b.BidderID,
		CurrentPrice:   a.CurrentPrice,
		AuctionVersion: a.Version,
	}, now); err != nil {
		return nil, a.Mechanism, err
	}

	return &Receipt{
		BidID:          b.ID,
		AuctionID:      a.ID,
		Status:         b.Status,
		CurrentPrice:   a.CurrentPrice,
		AuctionVersion: a.Version,
	}, a.Mechanism, nil
}

func rejectionCode(err error) string {
	var (
		ve *auction.ValidationError
		be *auction.BusinessRuleError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Code
	case errors.As(err, &be):
		return "RULE_" + be.RuleCode
	case auction.IsConflict(err):
		return "CONFLICT"
	case errors.Is(err, auction.ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
