// Package ledger admits bids and drives the auction lifecycle. Every
// mutation commits together with the outbox event that announces it.
package ledger

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/dedupe"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"AuctionLedger/internal/rules"
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Closer force-settles an auction, used when a bid ends it early.
type Closer interface {
	Close(ctx context.Context, auctionID uuid.UUID) (*auction.Settlement, error)
}

// Invalidator drops cached read views of an auction.
type Invalidator interface {
	Invalidate(ctx context.Context, auctionID uuid.UUID) error
}

type Config struct {
	// ConflictRetries is how many times a conflicting write is retried
	// from a fresh read before the conflict is returned.
	ConflictRetries  uint
	IdempotencyCache int
}

func DefaultConfig() Config {
	return Config{ConflictRetries: 5, IdempotencyCache: 10000}
}

type Deps struct {
	Store       persistence.Store
	Oracle      *pricing.Oracle
	Rules       *rules.Engine
	Closer      Closer
	Invalidator Invalidator
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
	Clock       func() time.Time
}

type Ledger struct {
	store       persistence.Store
	oracle      *pricing.Oracle
	rules       *rules.Engine
	closer      Closer
	invalidator Invalidator
	keys        *keyIndex
	cfg         Config
	logger      zerolog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func New(deps Deps, cfg Config) (*Ledger, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("ledger: store is required")
	case deps.Oracle == nil:
		return nil, errors.New("ledger: oracle is required")
	case deps.Rules == nil:
		return nil, errors.New("ledger: rule engine is required")
	case deps.Closer == nil:
		return nil, errors.New("ledger: closer is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Ledger{
		store:       deps.Store,
		oracle:      deps.Oracle,
		rules:       deps.Rules,
		closer:      deps.Closer,
		invalidator: deps.Invalidator,
		keys:        &keyIndex{recent: dedupe.NewLRU[string, uuid.UUID](cfg.IdempotencyCache), metrics: deps.Metrics},
		cfg:         cfg,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         deps.Clock,
	}, nil
}

// withConflictRetry reruns fn from scratch while it fails with a
// ConcurrencyConflict, up to the configured bound.
func (l *Ledger) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.cfg.ConflictRetries+1),
		retry.Delay(5*time.Millisecond),
		retry.MaxDelay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(auction.IsConflict),
		retry.OnRetry(func(n uint, err error) {
			l.metrics.ConcurrencyConflicts.WithLabelValues(op).Inc()
			l.logger.Debug().Err(err).Str("op", op).Uint("attempt", n+1).Msg("retrying after version conflict")
		}),
	)
	return r.Do(fn)
}

// invalidate is best effort; the cache's TTL bounds staleness when it
// fails.
func (l *Ledger) invalidate(ctx context.Context, auctionID uuid.UUID) {
	if l.invalidator == nil {
		return
	}
	if err := l.invalidator.Invalidate(ctx, auctionID); err != nil {
		l.logger.Warn().Err(err).Str("auction_id", auctionID.String()).Msg("cache invalidation failed")
	}
}

func appendEvent(ctx context.Context, tx persistence.Tx, et event.EventType, auctionID uuid.UUID, payload any, now time.Time) error {
	e, err := event.New(et, auctionID, payload, now)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, e)
}

// restatus marks prior live bids winning or outbid against the leaders of
// v. Hidden-price mechanisms keep their bids active until settlement.
func (l *Ledger) restatus(ctx context.Context, tx persistence.Tx, v pricing.View, prior []auction.Bid) error {
	q, err := l.oracle.Quote(v)
	if err != nil || !q.Visible {
		return err
	}
	leaders, err := l.oracle.Leaders(v)
	if err != nil {
		return err
	}
	lead := make(map[uuid.UUID]bool, len(leaders))
	for _, id := range leaders {
		lead[id] = true
	}
	for i := range prior {
		b := &prior[i]
		if !b.Status.Live() {
			continue
		}
		want := auction.BidOutbid
		if lead[b.ID] {
			want = auction.BidWinning
		}
		if b.Status == want {
			continue
		}
		b.Status = want
		if err := tx.UpdateBidStatus(ctx, b, b.Version); err != nil {
			return err
		}
	}
	return nil
}

// standing is the status a new bid enters with.
func (l *Ledger) standing(v pricing.View, id uuid.UUID) (auction.BidStatus, error) {
	q, err := l.oracle.Quote(v)
	if err != nil {
		return "", err
	}
	if !q.Visible {
		return auction.BidActive, nil
	}
	leaders, err := l.oracle.Leaders(v)
	if err != nil {
		return "", err
	}
	for _, x := range leaders {
		if x == id {
			return auction.BidWinning, nil
		}
	}
	return auction.BidOutbid, nil
}
