package relay

import (
	"AuctionLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectPrefix is the root of every outbound subject:
// auction.events.{event_type}
const SubjectPrefix = "auction.events"

func Subject(et event.EventType) string {
	return SubjectPrefix + "." + et.String()
}

// JetStreamPublisher publishes envelopes to JetStream. The event id is the
// Nats-Msg-Id, so republishing inside the stream's duplicate window is
// absorbed by the server.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, e event.OutboxEvent) error {
	data, err := json.Marshal(e.Envelope())
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(e.EventType), data, jetstream.WithMsgID(e.ID.String())); err != nil {
		return fmt.Errorf("publish %s: %w", e.EventType, err)
	}
	return nil
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("auctionledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
