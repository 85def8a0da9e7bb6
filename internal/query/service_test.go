package query_test

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"AuctionLedger/internal/projection"
	"AuctionLedger/internal/query"
	"AuctionLedger/internal/settlement"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mapCache struct {
	snaps map[uuid.UUID]projection.Snapshot
	puts  int
}

func (c *mapCache) Get(_ context.Context, id uuid.UUID) (*projection.Snapshot, bool, error) {
	s, ok := c.snaps[id]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *mapCache) Put(_ context.Context, s projection.Snapshot) error {
	c.snaps[s.AuctionID] = s
	c.puts++
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id uuid.UUID) error {
	delete(c.snaps, id)
	return nil
}

func seed(t *testing.T, store persistence.Store, m auction.Mechanism, amounts ...int64) *auction.Auction {
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
	err := store.InTx(context.Background(), func(tx persistence.Tx) error {
		if err := tx.InsertAuction(context.Background(), a); err != nil {
			return err
		}
		for i, amt := range amounts {
			if err := tx.InsertBid(context.Background(), &auction.Bid{
				ID:        uuid.New(),
				AuctionID: a.ID,
				BidderID:  "bidder-" + string(rune('a'+i)),
				Amount:    amt,
				Quantity:  1,
				Side:      auction.SideBuy,
				Timestamp: t0.Add(time.Duration(i) * time.Second),
				Status:    auction.BidActive,
				Version:   1,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NoError(t, err)
	return a
}

func newService(t *testing.T, store persistence.Store, cache query.SnapshotCache) *query.Service {
	t.Helper()
	svc, err := query.NewService(store, pricing.NewOracle(), cache, zerolog.Nop(), func() time.Time { return t0 })
	assert.NoError(t, err)
	return svc
}

func TestCurrentPrice_CachedThenAuthoritative(t *testing.T) {
	store := persistence.NewMemoryStore()
	cache := &mapCache{snaps: make(map[uuid.UUID]projection.Snapshot)}
	svc := newService(t, store, cache)
	ctx := context.Background()
	a := seed(t, store, auction.English, 150, 200)

	first, err := svc.CurrentPrice(ctx, a.ID, query.Cached)
	assert.NoError(t, err)
	check.Equal(t, "store", first.Source)
	check.Equal(t, int64(200), first.CurrentPrice)
	check.Equal(t, int64(210), first.MinNextBid)
	check.Equal(t, 1, cache.puts)

	second, err := svc.CurrentPrice(ctx, a.ID, query.Cached)
	assert.NoError(t, err)
	check.Equal(t, "cache", second.Source)
	check.Equal(t, int64(200), second.CurrentPrice)

	// A stale snapshot is served by cached reads only.
	stale := cache.snaps[a.ID]
	stale.CurrentPrice = 1
	cache.snaps[a.ID] = stale
	got, err := svc.CurrentPrice(ctx, a.ID, query.Cached)
	assert.NoError(t, err)
	check.Equal(t, int64(1), got.CurrentPrice)

	got, err = svc.CurrentPrice(ctx, a.ID, query.Authoritative)
	assert.NoError(t, err)
	check.Equal(t, "store", got.Source)
	check.Equal(t, int64(200), got.CurrentPrice)
}

// writeAfterRead commits a bid-like auction write as soon as the first
// read transaction ends, before the caller can fill the cache.
type writeAfterRead struct {
	*persistence.MemoryStore
	write func()
	done  bool
}

func (s *writeAfterRead) InTx(ctx context.Context, fn func(tx persistence.Tx) error) error {
	err := s.MemoryStore.InTx(ctx, fn)
	if !s.done {
		s.done = true
		s.write()
	}
	return err
}

func TestCurrentPrice_SkipsFillWhenSuperseded(t *testing.T) {
	mem := persistence.NewMemoryStore()
	cache := &mapCache{snaps: make(map[uuid.UUID]projection.Snapshot)}
	ctx := context.Background()
	a := seed(t, mem, auction.English, 150)

	store := &writeAfterRead{MemoryStore: mem, write: func() {
		err := mem.InTx(ctx, func(tx persistence.Tx) error {
			cur, err := tx.GetAuction(ctx, a.ID)
			if err != nil {
				return err
			}
			cur.CurrentPrice = 300
			return tx.UpdateAuction(ctx, cur, cur.Version)
		})
		assert.NoError(t, err)
		// The writer's invalidation runs before the reader's fill.
		assert.NoError(t, cache.Invalidate(ctx, a.ID))
	}}
	svc := newService(t, store, cache)

	got, err := svc.CurrentPrice(ctx, a.ID, query.Cached)
	assert.NoError(t, err)
	check.Equal(t, "store", got.Source)
	check.Equal(t, int64(1), got.AsOfVersion)
	check.Equal(t, 0, cache.puts)
	_, cached := cache.snaps[a.ID]
	check.False(t, cached)

	got, err = svc.CurrentPrice(ctx, a.ID, query.Cached)
	assert.NoError(t, err)
	check.Equal(t, "store", got.Source)
	check.Equal(t, int64(2), got.AsOfVersion)
	check.Equal(t, 1, cache.puts)
	check.Equal(t, int64(2), cache.snaps[a.ID].AsOfVersion)
}

func TestCurrentPrice_WithoutCache(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := newService(t, store, nil)
	a := seed(t, store, auction.SealedBid, 500)

	got, err := svc.CurrentPrice(context.Background(), a.ID, query.Cached)
	assert.NoError(t, err)
	check.False(t, got.Visible)
	check.Equal(t, int64(100), got.CurrentPrice)

	_, err = svc.CurrentPrice(context.Background(), uuid.New(), query.Cached)
	check.True(t, errors.Is(err, auction.ErrNotFound))
}

func TestWinner(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := newService(t, store, nil)
	ctx := context.Background()
	a := seed(t, store, auction.Vickrey, 300, 200)

	_, err := svc.Winner(ctx, a.ID)
	check.True(t, errors.Is(err, auction.ErrNotFound))

	resolver, err := settlement.New(settlement.Deps{
		Store: store, Oracle: pricing.NewOracle(), Logger: zerolog.Nop(),
		Clock: func() time.Time { return t0.Add(2 * time.Hour) },
	}, settlement.DefaultConfig())
	assert.NoError(t, err)
	_, err = resolver.Settle(ctx, a.ID, settlement.Options{})
	assert.NoError(t, err)

	win, err := svc.Winner(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bidder-a", win.WinnerID)
	check.Equal(t, int64(200), win.FinalPrice)
	check.Equal(t, 64, len(win.Digest))

	bids, err := svc.Bids(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 2, len(bids))
}

func TestBids_HiddenUntilSettled(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := newService(t, store, nil)
	a := seed(t, store, auction.SealedBid, 300)

	bids, err := svc.Bids(context.Background(), a.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(bids))
	check.Equal(t, int64(0), bids[0].Amount)
}

func TestHTTP_Routes(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := newService(t, store, nil)
	a := seed(t, store, auction.English, 150)
	router := observability.NewOpsRouter(prometheus.NewRegistry(), observability.NewHealthChecker(), svc.Mount)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auctions/"+a.ID.String()+"/price?consistency=authoritative", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var price query.PriceResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &price))
	check.Equal(t, int64(150), price.CurrentPrice)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auctions/"+a.ID.String()+"/winner", nil))
	check.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auctions/not-a-uuid", nil))
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/violations?auction_id="+a.ID.String(), nil))
	check.Equal(t, http.StatusOK, rec.Code)
}
