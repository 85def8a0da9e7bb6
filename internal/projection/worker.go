package projection

import (
	"AuctionLedger/internal/event"
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Invalidator is the part of Cache the worker drives.
type Invalidator interface {
	Invalidate(ctx context.Context, auctionID uuid.UUID) error
}

// InvalidationWorker drops cached snapshots as bus events arrive. It runs
// in every read replica, so caches outside the writing process converge
// too. Redeliveries are harmless: invalidation is idempotent.
type InvalidationWorker struct {
	cache     Invalidator
	logger    zerolog.Logger
	processed atomic.Int64
}

func NewInvalidationWorker(cache Invalidator, logger zerolog.Logger) *InvalidationWorker {
	return &InvalidationWorker{cache: cache, logger: logger}
}

// Handle is a relay.Handler.
func (w *InvalidationWorker) Handle(ctx context.Context, env event.Envelope) error {
	switch env.EventType {
	case event.EventTypeBidPlaced, event.EventTypeBidRetracted,
		event.EventTypeStatusChanged, event.EventTypeAuctionEnded:
		if err := w.cache.Invalidate(ctx, env.AuctionID); err != nil {
			w.logger.Warn().Err(err).
				Str("event_id", env.ID.String()).
				Str("auction_id", env.AuctionID.String()).
				Msg("projection invalidation failed")
			return err
		}
	case event.EventTypeAuctionCreated:
		// Nothing cached yet.
	default:
		w.logger.Debug().Str("event_type", env.EventType.String()).Msg("ignoring event")
	}
	w.processed.Add(1)
	return nil
}

// Processed is the number of envelopes handled successfully.
func (w *InvalidationWorker) Processed() int64 {
	return w.processed.Load()
}
