package settlement_test

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"AuctionLedger/internal/settlement"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time           { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newResolver(t *testing.T) (*settlement.Resolver, *persistence.MemoryStore, *clock) {
	t.Helper()
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	r, err := settlement.New(settlement.Deps{
		Store:  store,
		Oracle: pricing.NewOracle(),
		Logger: zerolog.Nop(),
		Clock:  clk.Now,
	}, settlement.DefaultConfig())
	assert.NoError(t, err)
	return r, store, clk
}

// seed stores an active auction of mechanism m ending an hour after t0,
// with one bid per amount from distinct bidders.
func seed(t *testing.T, store persistence.Store, m auction.Mechanism, amounts ...int64) (*auction.Auction, []auction.Bid) {
	t.Helper()
	a := &auction.Auction{
		ID:            uuid.New(),
		Mechanism:     m,
		SellerID:      "seller",
		StartingPrice: 100,
		MinIncrement:  10,
		StartTime:     t0.Add(-time.Hour),
		EndTime:       t0.Add(time.Hour),
		Status:        auction.StatusActive,
		Version:       1,
		CurrentPrice:  100,
	}
	bids := make([]auction.Bid, 0, len(amounts))
	for i, amt := range amounts {
		bids = append(bids, auction.Bid{
			ID:        uuid.New(),
			AuctionID: a.ID,
			BidderID:  "bidder-" + string(rune('a'+i)),
			Amount:    amt,
			Quantity:  1,
			Side:      auction.SideBuy,
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Status:    auction.BidActive,
			Version:   1,
		})
	}
	err := store.InTx(context.Background(), func(tx persistence.Tx) error {
		if err := tx.InsertAuction(context.Background(), a); err != nil {
			return err
		}
		for i := range bids {
			if err := tx.InsertBid(context.Background(), &bids[i]); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NoError(t, err)
	return a, bids
}

func load(t *testing.T, store persistence.Store, id uuid.UUID) (*auction.Auction, []auction.Bid) {
	t.Helper()
	var (
		a    *auction.Auction
		bids []auction.Bid
	)
	err := store.InTx(context.Background(), func(tx persistence.Tx) error {
		var err error
		if a, err = tx.GetAuction(context.Background(), id); err != nil {
			return err
		}
		bids, err = tx.ListBids(context.Background(), id)
		return err
	})
	assert.NoError(t, err)
	return a, bids
}

func endedEvents(store *persistence.MemoryStore, auctionID uuid.UUID) int {
	n := 0
	for _, e := range store.Outbox() {
		if e.AuctionID == auctionID && e.EventType == event.EventTypeAuctionEnded {
			n++
		}
	}
	return n
}

func code(err error) string {
	var ve *auction.ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// ===== Test: Vickrey pays the second price =====

func TestSettle_VickreySecondPrice(t *testing.T) {
	r, store, clk := newResolver(t)
	ctx := context.Background()
	a, bids := seed(t, store, auction.Vickrey, 300, 200)

	clk.Advance(time.Hour)
	s, err := r.Settle(ctx, a.ID, settlement.Options{})
	assert.NoError(t, err)

	check.Equal(t, auction.ResultWinner, s.ResultType)
	check.Equal(t, "bidder-a", s.WinnerID)
	check.Equal(t, int64(200), s.FinalPrice)
	assert.NotNil(t, s.WinnerBidID)
	check.Equal(t, bids[0].ID, *s.WinnerBidID)
	check.False(t, s.Forced)
	check.Equal(t, settlement.Digest(s), s.Digest)

	got, stored := load(t, store, a.ID)
	check.Equal(t, auction.StatusCompleted, got.Status)
	check.Equal(t, int64(200), got.CurrentPrice)
	check.Equal(t, int64(2), got.Version)
	for _, b := range stored {
		want := auction.BidLosing
		if b.ID == bids[0].ID {
			want = auction.BidWinning
		}
		check.Equal(t, want, b.Status)
	}
	check.Equal(t, 1, endedEvents(store, a.ID))
}

// ===== Test: settling twice returns the stored record =====

func TestSettle_Idempotent(t *testing.T) {
	r, store, clk := newResolver(t)
	ctx := context.Background()
	a, _ := seed(t, store, auction.English, 150, 180)

	clk.Advance(2 * time.Hour)
	first, err := r.Settle(ctx, a.ID, settlement.Options{})
	assert.NoError(t, err)

	clk.Advance(time.Hour)
	second, err := r.Settle(ctx, a.ID, settlement.Options{})
	assert.NoError(t, err)

	check.Equal(t, first.ID, second.ID)
	check.Equal(t, first.Digest, second.Digest)
	check.Equal(t, first.SettledAt, second.SettledAt)
	check.Equal(t, 1, endedEvents(store, a.ID))

	got, _ := load(t, store, a.ID)
	check.Equal(t, int64(2), got.Version)
}

// ===== Test: early settlement needs force =====

func TestSettle_NotEnded(t *testing.T) {
	r, store, _ := newResolver(t)
	ctx := context.Background()
	a, _ := seed(t, store, auction.English, 150)

	_, err := r.Settle(ctx, a.ID, settlement.Options{})
	check.Equal(t, auction.CodeAuctionNotEnded, code(err))
	got, _ := load(t, store, a.ID)
	check.Equal(t, auction.StatusActive, got.Status)
	check.Equal(t, 0, endedEvents(store, a.ID))

	s, err := r.Close(ctx, a.ID)
	assert.NoError(t, err)
	check.True(t, s.Forced)
	check.Equal(t, int64(150), s.FinalPrice)
}

func TestSettle_RequiresActiveAuction(t *testing.T) {
	r, store, clk := newResolver(t)
	ctx := context.Background()
	a, _ := seed(t, store, auction.English)
	err := store.InTx(ctx, func(tx persistence.Tx) error {
		a.Status = auction.StatusPaused
		return tx.UpdateAuction(ctx, a, a.Version)
	})
	assert.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = r.Settle(ctx, a.ID, settlement.Options{})
	check.Equal(t, auction.CodeAuctionNotActive, code(err))
}

// ===== Test: no bids and unmet reserve =====

func TestSettle_NoWinner(t *testing.T) {
	r, store, clk := newResolver(t)
	ctx := context.Background()
	empty, _ := seed(t, store, auction.English)

	clk.Advance(2 * time.Hour)
	s, err := r.Settle(ctx, empty.ID, settlement.Options{})
	assert.NoError(t, err)
	check.Equal(t, auction.ResultNoBids, s.ResultType)
	check.Nil(t, s.WinnerBidID)
	check.Equal(t, "", s.WinnerID)
	check.Equal(t, 0, len(s.Allocations))
}

// ===== Test: the sweep settles only what is due =====

func TestSettleDue(t *testing.T) {
	r, store, clk := newResolver(t)
	ctx := context.Background()
	first, _ := seed(t, store, auction.English, 150)
	second, _ := seed(t, store, auction.SealedBid, 200, 300)

	n, err := r.SettleDue(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, n)

	clk.Advance(time.Hour)
	n, err = r.SettleDue(ctx)
	assert.NoError(t, err)
	check.Equal(t, 2, n)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		got, _ := load(t, store, id)
		check.Equal(t, auction.StatusCompleted, got.Status)
	}

	n, err = r.SettleDue(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, n)
}

// ===== Test: digest =====

func TestDigest_Deterministic(t *testing.T) {
	bidID := uuid.New()
	s := &auction.Settlement{
		ID:          uuid.New(),
		AuctionID:   uuid.New(),
		Mechanism:   auction.English,
		ResultType:  auction.ResultWinner,
		WinnerBidID: &bidID,
		WinnerID:    "alice",
		FinalPrice:  500,
		Allocations: []auction.Allocation{{BidID: bidID, BidderID: "alice", Quantity: 1, Price: 500}},
		Method:      "highest_bid",
		SettledAt:   t0,
	}
	d := settlement.Digest(s)
	check.Equal(t, 64, len(d))

	replay := *s
	replay.ID = uuid.New()
	check.Equal(t, d, settlement.Digest(&replay))

	changed := *s
	changed.FinalPrice = 501
	check.NotEqual(t, d, settlement.Digest(&changed))

	later := *s
	later.SettledAt = t0.Add(time.Microsecond)
	check.NotEqual(t, d, settlement.Digest(&later))
}
