package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for outbox payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAuctionCreated
	EventTypeBidPlaced
	EventTypeAuctionEnded
	EventTypeStatusChanged
	EventTypeBidRetracted
)

func (et EventType) String() string {
	switch et {
	case EventTypeAuctionCreated:
		return "auction_created"
	case EventTypeBidPlaced:
		return "bid_placed"
	case EventTypeAuctionEnded:
		return "auction_ended"
	case EventTypeStatusChanged:
		return "status_changed"
	case EventTypeBidRetracted:
		return "bid_retracted"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to
// EventTypeUnknown.
func ParseEventType(s string) EventType {
	switch s {
	case "auction_created":
		return EventTypeAuctionCreated
	case "bid_placed":
		return EventTypeBidPlaced
	case "auction_ended":
		return EventTypeAuctionEnded
	case "status_changed":
		return EventTypeStatusChanged
	case "bid_retracted":
		return EventTypeBidRetracted
	default:
		return EventTypeUnknown
	}
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	*et = ParseEventType(string(b))
	if *et == EventTypeUnknown {
		return fmt.Errorf("unknown event type %q", string(b))
	}
	return nil
}

// OutboxEvent is written in the same transaction as the state change it
// announces and drained asynchronously by the relay.
type OutboxEvent struct {
	// Sequence is assigned by the store on append and orders the relay.
	Sequence       int64
	ID             uuid.UUID
	EventType      EventType
	AuctionID      uuid.UUID
	Payload        json.RawMessage
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	Attempts       int
	LastError      *string
	NextAttemptAt  *time.Time
	DeadLetteredAt *time.Time
}

// New builds an unprocessed outbox event with a JSON-encoded payload.
func New(et EventType, auctionID uuid.UUID, payload any, now time.Time) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", et, err)
	}
	return &OutboxEvent{
		ID:        uuid.New(),
		EventType: et,
		AuctionID: auctionID,
		Payload:   data,
		CreatedAt: now,
	}, nil
}

// Pending reports whether the relay still owes a publish for this event.
func (e *OutboxEvent) Pending() bool {
	return e.ProcessedAt == nil && e.DeadLetteredAt == nil
}

// Envelope is the wire form published on the bus. Consumers dedupe on ID.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	EventType EventType       `json:"event_type"`
	AuctionID uuid.UUID       `json:"auction_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (e *OutboxEvent) Envelope() Envelope {
	return Envelope{
		ID:        e.ID,
		EventType: e.EventType,
		AuctionID: e.AuctionID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}

// DeadLetter is the audit row kept for an event that exhausted its
// publish attempts.
type DeadLetter struct {
	EventID   uuid.UUID
	EventType EventType
	AuctionID uuid.UUID
	Payload   json.RawMessage
	Reason    string
	Attempts  int
	FailedAt  time.Time
}
