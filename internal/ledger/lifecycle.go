package ledger

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"context"
	"errors"

	"github.com/google/uuid"
)

// CreateAuction validates and stores a new auction. The initial status is
// draft unless scheduled or active is requested. A repeated idempotency
// key returns the auction created by the first call with created false.
func (l *Ledger) CreateAuction(ctx context.Context, a *auction.Auction, idempotencyKey string) (out *auction.Auction, created bool, err error) {
	if err := a.Validate(); err != nil {
		return nil, false, err
	}
	if !l.oracle.Supports(a.Mechanism) {
		return nil, false, pricing.ErrUnsupportedMechanism
	}
	switch a.Status {
	case "":
		a.Status = auction.StatusDraft
	case auction.StatusDraft, auction.StatusScheduled, auction.StatusActive:
	default:
		return nil, false, auction.NewValidationError("status", auction.CodeInvalidTransition,
			"auctions cannot be created %s", a.Status)
	}

	err = l.store.InTx(ctx, func(tx persistence.Tx) error {
		if idempotencyKey != "" {
			prior, err := l.keys.auction(ctx, tx, idempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				out = prior
				return nil
			}
		}

		now := l.now().UTC()
		n := a.Clone()
		n.ID = uuid.New()
		n.Version = 1
		n.IdempotencyKey = optionalKey(idempotencyKey)
		n.CreatedAt = now
		n.UpdatedAt = now
		price, err := l.oracle.CurrentPrice(pricing.NewView(n, nil, n.StartTime))
		if err != nil {
			return err
		}
		n.CurrentPrice = price

		if err := tx.InsertAuction(ctx, n); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, event.EventTypeAuctionCreated, n.ID, event.AuctionCreated{
			AuctionID:     n.ID,
			Mechanism:     string(n.Mechanism),
			SellerID:      n.SellerID,
			StartingPrice: n.StartingPrice,
			StartTime:     n.StartTime,
			EndTime:       n.EndTime,
			Status:        string(n.Status),
		}, now); err != nil {
			return err
		}
		out, created = n, true
		return nil
	})

	if errors.Is(err, persistence.ErrDuplicateKey) && idempotencyKey != "" {
		err = l.store.InTx(ctx, func(tx persistence.Tx) error {
			prior, err := tx.AuctionByIdempotencyKey(ctx, idempotencyKey)
			out, created = prior, false
			return err
		})
	}
	if err != nil {
		return nil, false, auction.Infra("create auction", err)
	}

	l.keys.rememberAuction(idempotencyKey, out.ID)
	if created {
		l.logger.Info().
			Str("auction_id", out.ID.String()).
			Str("mechanism", string(out.Mechanism)).
			Str("status", string(out.Status)).
			Msg("auction created")
	}
	return out, created, nil
}

// TransitionStatus moves an auction along the lifecycle graph. Completion
// is reserved to settlement.
func (l *Ledger) TransitionStatus(ctx context.Context, id uuid.UUID, to auction.Status, reason string) (*auction.Auction, error) {
	if to == auction.StatusCompleted {
		return nil, auction.NewValidationError("status", auction.CodeInvalidTransition,
			"auctions complete only through settlement")
	}

	var out *auction.Auction
	err := l.withConflictRetry(ctx, "transition_status", func() error {
		return l.store.InTx(ctx, func(tx persistence.Tx) error {
			a, err := tx.GetAuction(ctx, id)
			if err != nil {
				return err
			}
			from := a.Status
			if !from.CanTransitionTo(to) {
				return auction.NewValidationError("status", auction.CodeInvalidTransition,
					"cannot move from %s to %s", from, to)
			}
			now := l.now().UTC()
			a.Status = to
			a.UpdatedAt = now
			if err := tx.UpdateAuction(ctx, a, a.Version); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, event.EventTypeStatusChanged, a.ID, event.StatusChanged{
				AuctionID:      a.ID,
				From:           string(from),
				To:             string(to),
				Reason:         reason,
				AuctionVersion: a.Version,
			}, now); err != nil {
				return err
			}
			out = a
			return nil
		})
	})
	if err != nil {
		return nil, auction.Infra("transition status", err)
	}

	l.logger.Info().
		Str("auction_id", id.String()).
		Str("status", string(to)).
		Str("reason", reason).
		Msg("auction status changed")
	l.invalidate(ctx, id)
	return out, nil
}
