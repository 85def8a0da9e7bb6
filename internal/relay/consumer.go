package relay

import (
	"AuctionLedger/internal/dedupe"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Handler processes one delivered envelope. Returning an error naks the
// message for redelivery.
type Handler func(ctx context.Context, env event.Envelope) error

type ConsumerConfig struct {
	Stream  string
	Durable string
	// Filter defaults to every auction event subject.
	Filter string
	// SeenCapacity bounds the in-memory dedupe window.
	SeenCapacity int
}

// Consumer is a durable JetStream consumer that drops redeliveries of
// envelopes it already handled, keyed on the event id.
type Consumer struct {
	js      jetstream.JetStream
	cfg     ConsumerConfig
	handler Handler
	seen    *dedupe.LRU[uuid.UUID, struct{}]
	logger  zerolog.Logger
	metrics *observability.Metrics
	cc      jetstream.ConsumeContext
}

func NewConsumer(js jetstream.JetStream, cfg ConsumerConfig, handler Handler, logger zerolog.Logger, metrics *observability.Metrics) *Consumer {
	if cfg.Filter == "" {
		cfg.Filter = SubjectPrefix + ".>"
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = 10000
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Consumer{
		js:      js,
		cfg:     cfg,
		handler: handler,
		seen:    dedupe.NewLRU[uuid.UUID, struct{}](cfg.SeenCapacity),
		logger:  logger,
		metrics: metrics,
	}
}

// Start creates the durable consumer and begins delivery.
// Explicit ack, ack_wait=30s, max_deliver=5.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: c.cfg.Filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		dup, err := c.Handle(ctx, msg.Data())
		switch {
		case err == nil:
			if dup {
				c.logger.Debug().Str("subject", msg.Subject()).Msg("duplicate delivery dropped")
			}
			msg.Ack()
		case isMalformed(err):
			c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed envelope terminated")
			msg.Term()
		default:
			c.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("envelope handling failed")
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Durable, err)
	}
	c.cc = cc
	c.logger.Info().Str("stream", c.cfg.Stream).Str("consumer", c.cfg.Durable).Msg("consumer started")
	return nil
}

type malformedError struct{ err error }

func (e *malformedError) Error() string { return "malformed envelope: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func isMalformed(err error) bool {
	var me *malformedError
	return errors.As(err, &me)
}

// Handle decodes data and runs the handler unless the envelope was already
// handled. An envelope is remembered only after the handler succeeds.
func (c *Consumer) Handle(ctx context.Context, data []byte) (duplicate bool, err error) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, &malformedError{err: err}
	}
	if c.seen.Contains(env.ID) {
		c.metrics.ConsumerDuplicates.Inc()
		return true, nil
	}
	if err := c.handler(ctx, env); err != nil {
		return false, err
	}
	c.seen.Add(env.ID, struct{}{})
	return false, nil
}

func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}
