package persistence

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned when an insert collides with a unique key
// (idempotency key, rule code, settlement per auction). The transaction
// is aborted; callers re-read in a fresh transaction.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrLeaseLost is returned by Lease.Check once another session may own the
// lease.
var ErrLeaseLost = errors.New("lease lost")

// Store is the transactional boundary. Every mutation runs inside InTx;
// returning an error from fn rolls back everything fn wrote.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	OutboxStore
	Ping(ctx context.Context) error
}

// Tx is the set of reads and writes available inside one transaction.
type Tx interface {
	InsertAuction(ctx context.Context, a *auction.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	AuctionByIdempotencyKey(ctx context.Context, key string) (*auction.Auction, error)
	// UpdateAuction writes status and current price and bumps the version.
	// It fails with auction.ConcurrencyConflict when the stored version is
	// not expectedVersion.
	UpdateAuction(ctx context.Context, a *auction.Auction, expectedVersion int64) error
	ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error)

	InsertBid(ctx context.Context, b *auction.Bid) error
	GetBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error)
	BidByIdempotencyKey(ctx context.Context, key string) (*auction.Bid, error)
	// ListBids returns every bid of the auction, retracted ones included,
	// in arrival order.
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]auction.Bid, error)
	UpdateBidStatus(ctx context.Context, b *auction.Bid, expectedVersion int64) error

	InsertRule(ctx context.Context, r *auction.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*auction.Rule, error)
	ListRules(ctx context.Context) ([]auction.Rule, error)
	InsertRuleConfiguration(ctx context.Context, c *auction.RuleConfiguration) error
	GetRuleConfiguration(ctx context.Context, id uuid.UUID) (*auction.RuleConfiguration, error)
	UpdateRuleConfiguration(ctx context.Context, c *auction.RuleConfiguration, expectedVersion int64) error
	ListRuleConfigurations(ctx context.Context, ruleID uuid.UUID) ([]auction.RuleConfiguration, error)

	InsertViolation(ctx context.Context, v *auction.RuleViolation) error
	GetViolation(ctx context.Context, id uuid.UUID) (*auction.RuleViolation, error)
	UpdateViolation(ctx context.Context, v *auction.RuleViolation, expectedVersion int64) error
	ListViolations(ctx context.Context, f auction.ViolationFilter) ([]auction.RuleViolation, error)
	ListDueEscalations(ctx context.Context, now time.Time, limit int) ([]auction.RuleViolation, error)

	InsertSettlement(ctx context.Context, s *auction.Settlement) error
	GetSettlement(ctx context.Context, auctionID uuid.UUID) (*auction.Settlement, error)

	AppendOutbox(ctx context.Context, e *event.OutboxEvent) error
}

// OutboxStore is the relay's view of the outbox. These calls run outside
// business transactions.
type OutboxStore interface {
	// FetchPending returns unprocessed, non-dead-lettered events in append
	// order, including those still waiting out a backoff.
	FetchPending(ctx context.Context, limit int) ([]event.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordFailure increments attempts and returns the new count.
	RecordFailure(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) (int, error)
	// DeadLetter copies the event to the dead-letter table and removes it
	// from the pending set.
	DeadLetter(ctx context.Context, dl event.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]event.DeadLetter, error)
	// AcquireLease grants single-flight ownership of name. The lease is nil
	// when acquired is false and must be released otherwise.
	AcquireLease(ctx context.Context, name string) (lease Lease, acquired bool, err error)
}

// Lease is held ownership of a named outbox partition.
type Lease interface {
	// Check returns ErrLeaseLost once ownership has gone, for example
	// because the session holding it dropped.
	Check(ctx context.Context) error
	Release()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
