package relay

import (
	"AuctionLedger/internal/event"
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// AlertSubject carries dead-letter notices on core NATS, outside the
// event stream.
const AlertSubject = "auction.alerts.dead_letter"

// conn is the slice of *nats.Conn the alerter needs.
type conn interface {
	Publish(subj string, data []byte) error
}

type deadLetterNotice struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	AuctionID string    `json:"auction_id"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// NATSAlerter forwards dead-letter notices to operators. Delivery is best
// effort; the dead-letter row is the record.
type NATSAlerter struct {
	nc     conn
	logger zerolog.Logger
}

func NewNATSAlerter(nc conn, logger zerolog.Logger) *NATSAlerter {
	return &NATSAlerter{nc: nc, logger: logger}
}

func (a *NATSAlerter) DeadLettered(_ context.Context, dl event.DeadLetter) {
	data, err := json.Marshal(deadLetterNotice{
		EventID:   dl.EventID.String(),
		EventType: dl.EventType.String(),
		AuctionID: dl.AuctionID.String(),
		Reason:    dl.Reason,
		Attempts:  dl.Attempts,
		FailedAt:  dl.FailedAt,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("marshal dead-letter notice")
		return
	}
	if err := a.nc.Publish(AlertSubject, data); err != nil {
		a.logger.Error().Err(err).Str("event_id", dl.EventID.String()).Msg("dead-letter alert not sent")
	}
}
