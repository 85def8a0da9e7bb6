// Package relay drains the transactional outbox onto the event bus with
// at-least-once delivery. Failed publishes back off exponentially and hold
// back later events of the same auction; events that exhaust their
// attempts are dead-lettered, never dropped.
package relay

import (
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher delivers one event to the bus. Implementations must be safe to
// call again for an event that was already delivered.
type Publisher interface {
	Publish(ctx context.Context, e event.OutboxEvent) error
}

// Alerter is notified when an event is dead-lettered.
type Alerter interface {
	DeadLettered(ctx context.Context, dl event.DeadLetter)
}

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	PublishTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	// LeaseName partitions relays; one relay per name runs at a time.
	LeaseName string
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   100 * time.Millisecond,
		BatchSize:      100,
		MaxAttempts:    10,
		PublishTimeout: 5 * time.Second,
		BaseBackoff:    200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		LeaseName:      "outbox-relay",
	}
}

type Deps struct {
	Store     persistence.OutboxStore
	Publisher Publisher
	Alerter   Alerter
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
	Clock     func() time.Time
}

type Relay struct {
	store     persistence.OutboxStore
	publisher Publisher
	alerter   Alerter
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func New(deps Deps, cfg Config) (*Relay, error) {
	if deps.Store == nil {
		return nil, errors.New("relay: outbox store is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("relay: publisher is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("relay: max attempts must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = "outbox-relay"
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Relay{
		store:     deps.Store,
		publisher: deps.Publisher,
		alerter:   deps.Alerter,
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       deps.Clock,
	}, nil
}

// Run waits for the relay lease, replays the backlog left by a previous
// owner and then polls until ctx is cancelled. The lease is checked before
// every poll; once it is lost the relay stops publishing and waits to win
// it back.
func (r *Relay) Run(ctx context.Context) error {
	for {
		lease, err := r.acquire(ctx)
		if err != nil {
			// Cancelled while waiting; another instance owns the outbox.
			return nil
		}
		r.logger.Info().Str("lease", r.cfg.LeaseName).Msg("relay lease acquired")
		err = r.own(ctx, lease)
		lease.Release()
		if ctx.Err() != nil {
			r.logger.Info().Msg("relay stopped")
			return nil
		}
		r.metrics.OutboxLeaseLost.Inc()
		r.logger.Warn().Err(err).Str("lease", r.cfg.LeaseName).Msg("relay lease lost")
	}
}

// own drains the outbox while lease stays valid. It returns the reason the
// lease ended, or nil when ctx is done.
func (r *Relay) own(ctx context.Context, lease persistence.Lease) error {
	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("backlog replay failed")
			break
		}
		if n < r.cfg.BatchSize {
			break
		}
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lease.Check(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("outbox batch failed")
			}
		}
	}
}

// acquire blocks until the lease is held or ctx ends.
func (r *Relay) acquire(ctx context.Context) (persistence.Lease, error) {
	for {
		lease, ok, err := r.store.AcquireLease(ctx, r.cfg.LeaseName)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("relay lease check failed")
		case ok:
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// ProcessBatch makes one pass over the pending events and returns how many
// were published.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	events, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	r.metrics.OutboxPending.Set(float64(len(events)))

	published := 0
	held := make(map[uuid.UUID]bool)
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if held[e.AuctionID] {
			continue
		}
		if e.NextAttemptAt != nil && r.now().Before(*e.NextAttemptAt) {
			held[e.AuctionID] = true
			continue
		}

		if err := r.publish(ctx, e); err != nil {
			held[e.AuctionID] = true
			if ferr := r.fail(ctx, e, err); ferr != nil {
				return published, ferr
			}
			continue
		}
		// A crash before this write republishes the event; consumers
		// dedupe on its id.
		if err := r.store.MarkProcessed(ctx, e.ID, r.now().UTC()); err != nil {
			return published, err
		}
		r.metrics.OutboxPublished.WithLabelValues(e.EventType.String()).Inc()
		published++
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, e event.OutboxEvent) error {
	start := time.Now()
	pctx := ctx
	if r.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.cfg.PublishTimeout)
		defer cancel()
	}
	err := r.publisher.Publish(pctx, e)
	r.metrics.OutboxPublishDuration.Observe(time.Since(start).Seconds())
	return err
}

func (r *Relay) fail(ctx context.Context, e event.OutboxEvent, cause error) error {
	r.metrics.OutboxFailures.WithLabelValues(e.EventType.String()).Inc()
	now := r.now().UTC()
	attempts, err := r.store.RecordFailure(ctx, e.ID, cause.Error(), now.Add(r.Backoff(e.Attempts+1)))
	if err != nil {
		return err
	}
	r.logger.Warn().
		Err(cause).
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType.String()).
		Str("auction_id", e.AuctionID.String()).
		Int("attempts", attempts).
		Msg("outbox publish failed")

	if attempts < r.cfg.MaxAttempts {
		return nil
	}

	dl := event.DeadLetter{
		EventID:   e.ID,
		EventType: e.EventType,
		AuctionID: e.AuctionID,
		Payload:   e.Payload,
		Reason:    cause.Error(),
		Attempts:  attempts,
		FailedAt:  now,
	}
	if err := r.store.DeadLetter(ctx, dl); err != nil {
		return err
	}
	r.metrics.OutboxDeadLettered.WithLabelValues(e.EventType.String()).Inc()
	r.logger.Error().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType.String()).
		Str("auction_id", e.AuctionID.String()).
		Int("attempts", attempts).
		Str("reason", dl.Reason).
		Msg("outbox event dead-lettered")
	if r.alerter != nil {
		r.alerter.DeadLettered(ctx, dl)
	}
	return nil
}

// Backoff is the wait before the given attempt: BaseBackoff doubled per
// prior attempt, capped at MaxBackoff.
func (r *Relay) Backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.cfg.MaxBackoff > 0 && d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	if r.cfg.MaxBackoff > 0 && d > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return d
}
