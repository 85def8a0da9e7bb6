package persistence_test

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// The same contract runs against the in-memory store and, when
// INTEGRATION_TEST is set, against Postgres.

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) persistence.Store { return persistence.NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	testutil.RequireIntegration(t)
	runContract(t, func(t *testing.T) persistence.Store { return testutil.SetupTestStore(t) })
}

func runContract(t *testing.T, open func(t *testing.T) persistence.Store) {
	t.Run("AuctionRoundTrip", func(t *testing.T) { testAuctionRoundTrip(t, open(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, open(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("BidsInArrivalOrder", func(t *testing.T) { testBidsInArrivalOrder(t, open(t)) })
	t.Run("OutboxLifecycle", func(t *testing.T) { testOutboxLifecycle(t, open(t)) })
	t.Run("Lease", func(t *testing.T) { testLease(t, open(t)) })
}

func newAuction(key string) *auction.Auction {
	a := &auction.Auction{
		ID:            uuid.New(),
		Mechanism:     auction.English,
		SellerID:      "seller",
		StartingPrice: 100,
		MinIncrement:  10,
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
		Status:        auction.StatusActive,
		Version:       1,
		CurrentPrice:  100,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	if key != "" {
		a.IdempotencyKey = &key
	}
	return a
}

func insert(t *testing.T, s persistence.Store, a *auction.Auction) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx persistence.Tx) error {
		return tx.InsertAuction(context.Background(), a)
	})
	assert.NoError(t, err)
}

func testAuctionRoundTrip(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	a := newAuction("create-1")
	insert(t, s, a)

	err := s.InTx(ctx, func(tx persistence.Tx) error {
		got, err := tx.GetAuction(ctx, a.ID)
		if err != nil {
			return err
		}
		check.Equal(t, a.SellerID, got.SellerID)
		check.Equal(t, a.StartingPrice, got.StartingPrice)
		check.True(t, a.EndTime.Equal(got.EndTime))

		byKey, err := tx.AuctionByIdempotencyKey(ctx, "create-1")
		if err != nil {
			return err
		}
		check.Equal(t, a.ID, byKey.ID)

		_, err = tx.GetAuction(ctx, uuid.New())
		check.True(t, errors.Is(err, auction.ErrNotFound))
		return nil
	})
	assert.NoError(t, err)
}

func testDuplicateKey(t *testing.T, s persistence.Store) {
	insert(t, s, newAuction("same"))
	err := s.InTx(context.Background(), func(tx persistence.Tx) error {
		return tx.InsertAuction(context.Background(), newAuction("same"))
	})
	check.True(t, errors.Is(err, persistence.ErrDuplicateKey))
}

func testVersionConflict(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	a := newAuction("")
	insert(t, s, a)

	err := s.InTx(ctx, func(tx persistence.Tx) error {
		a.CurrentPrice = 150
		return tx.UpdateAuction(ctx, a, 1)
	})
	assert.NoError(t, err)
	check.Equal(t, int64(2), a.Version)

	err = s.InTx(ctx, func(tx persistence.Tx) error {
		return tx.UpdateAuction(ctx, a, 1)
	})
	var ce *auction.ConcurrencyConflict
	assert.True(t, errors.As(err, &ce))
	check.Equal(t, int64(1), ce.ExpectedVersion)
	check.Equal(t, int64(2), ce.ActualVersion)
}

func testRollback(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	a := newAuction("")
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx persistence.Tx) error {
		if err := tx.InsertAuction(ctx, a); err != nil {
			return err
		}
		e, err := event.New(event.EventTypeAuctionCreated, a.ID, event.AuctionCreated{AuctionID: a.ID}, t0)
		if err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, e); err != nil {
			return err
		}
		return boom
	})
	check.True(t, errors.Is(err, boom))

	err = s.InTx(ctx, func(tx persistence.Tx) error {
		_, err := tx.GetAuction(ctx, a.ID)
		return err
	})
	check.True(t, errors.Is(err, auction.ErrNotFound))

	pending, err := s.FetchPending(ctx, 10)
	assert.NoError(t, err)
	check.Equal(t, 0, len(pending))
}

func testBidsInArrivalOrder(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	a := newAuction("")
	insert(t, s, a)

	var ids []uuid.UUID
	err := s.InTx(ctx, func(tx persistence.Tx) error {
		for i := range 3 {
			b := &auction.Bid{
				ID:        uuid.New(),
				AuctionID: a.ID,
				BidderID:  "alice",
				Amount:    int64(100 + 10*i),
				Quantity:  1,
				Side:      auction.SideBuy,
				Timestamp: t0.Add(time.Duration(i) * time.Second),
				Status:    auction.BidActive,
				Version:   1,
			}
			if err := tx.InsertBid(ctx, b); err != nil {
				return err
			}
			ids = append(ids, b.ID)
		}
		return nil
	})
	assert.NoError(t, err)

	err = s.InTx(ctx, func(tx persistence.Tx) error {
		bids, err := tx.ListBids(ctx, a.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, 3, len(bids))
		for i, b := range bids {
			check.Equal(t, ids[i], b.ID)
		}

		b := bids[0]
		b.Status = auction.BidOutbid
		if err := tx.UpdateBidStatus(ctx, &b, 1); err != nil {
			return err
		}
		check.Equal(t, int64(2), b.Version)
		return nil
	})
	assert.NoError(t, err)
}

func testOutboxLifecycle(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	a := newAuction("")
	insert(t, s, a)

	var ids []uuid.UUID
	err := s.InTx(ctx, func(tx persistence.Tx) error {
		for range 3 {
			e, err := event.New(event.EventTypeBidPlaced, a.ID, event.BidPlaced{AuctionID: a.ID}, t0)
			if err != nil {
				return err
			}
			if err := tx.AppendOutbox(ctx, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	assert.NoError(t, err)

	pending, err := s.FetchPending(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(pending))
	for i, e := range pending {
		check.Equal(t, ids[i], e.ID)
		if i > 0 {
			check.True(t, e.Sequence > pending[i-1].Sequence)
		}
	}

	assert.NoError(t, s.MarkProcessed(ctx, ids[0], t0))

	n, err := s.RecordFailure(ctx, ids[1], "nats down", t0.Add(time.Second))
	assert.NoError(t, err)
	check.Equal(t, 1, n)
	n, err = s.RecordFailure(ctx, ids[1], "nats down", t0.Add(2*time.Second))
	assert.NoError(t, err)
	check.Equal(t, 2, n)

	assert.NoError(t, s.DeadLetter(ctx, event.DeadLetter{
		EventID:   ids[2],
		EventType: event.EventTypeBidPlaced,
		AuctionID: a.ID,
		Payload:   pending[2].Payload,
		Reason:    "poison",
		Attempts:  10,
		FailedAt:  t0,
	}))

	pending, err = s.FetchPending(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(pending))
	check.Equal(t, ids[1], pending[0].ID)
	check.Equal(t, 2, pending[0].Attempts)
	assert.NotNil(t, pending[0].LastError)
	check.Equal(t, "nats down", *pending[0].LastError)

	dead, err := s.ListDeadLetters(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(dead))
	check.Equal(t, ids[2], dead[0].EventID)
	check.Equal(t, "poison", dead[0].Reason)
}

func testLease(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	lease, ok, err := s.AcquireLease(ctx, "outbox-relay")
	assert.NoError(t, err)
	assert.True(t, ok)
	check.NoError(t, lease.Check(ctx))

	_, ok, err = s.AcquireLease(ctx, "outbox-relay")
	assert.NoError(t, err)
	check.False(t, ok)

	lease.Release()
	lease2, ok, err := s.AcquireLease(ctx, "outbox-relay")
	assert.NoError(t, err)
	check.True(t, ok)
	check.NoError(t, lease2.Check(ctx))
	lease2.Release()
}

// ===== Test: revoked lease =====

func TestMemoryStore_RevokedLeaseFailsCheck(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()
	lease, ok, err := s.AcquireLease(ctx, "outbox-relay")
	assert.NoError(t, err)
	assert.True(t, ok)

	s.RevokeLease("outbox-relay")
	check.True(t, errors.Is(lease.Check(ctx), persistence.ErrLeaseLost))

	other, ok, err := s.AcquireLease(ctx, "outbox-relay")
	assert.NoError(t, err)
	assert.True(t, ok)

	// The stale holder must not free the new owner's lease.
	lease.Release()
	check.NoError(t, other.Check(ctx))
	_, ok, err = s.AcquireLease(ctx, "outbox-relay")
	assert.NoError(t, err)
	check.False(t, ok)
	other.Release()
}
