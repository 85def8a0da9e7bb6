package relay

import (
	"AuctionLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	// RateLimit is publishes per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// Retries is how many quick in-place attempts a publish gets before
	// the relay records a failure and backs off.
	Retries uint
	// BreakerFailures consecutive failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RateLimit:       500,
		RateBurst:       100,
		Retries:         3,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// ReliablePublisher wraps a Publisher with a rate limiter, a circuit
// breaker and a short retry. While the breaker is open publishes fail fast
// and the relay's own backoff takes over.
type ReliablePublisher struct {
	next    Publisher
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	retries uint
}

func NewReliablePublisher(next Publisher, cfg ReliabilityConfig, logger zerolog.Logger) *ReliablePublisher {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.Retries == 0 {
		cfg.Retries = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-bus",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &ReliablePublisher{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		cb:      cb,
		retries: cfg.Retries,
	}
}

func (p *ReliablePublisher) Publish(ctx context.Context, e event.OutboxEvent) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := p.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(p.retries),
			retry.Delay(20*time.Millisecond),
			retry.MaxDelay(250*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		return nil, r.Do(func() error {
			return p.next.Publish(ctx, e)
		})
	})
	return err
}

// State exposes the breaker state for readiness checks.
func (p *ReliablePublisher) State() gobreaker.State {
	return p.cb.State()
}

var (
	_ Publisher = (*ReliablePublisher)(nil)
	_ Publisher = (*JetStreamPublisher)(nil)
	_ Alerter   = (*NATSAlerter)(nil)
)
