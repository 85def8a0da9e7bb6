package ledger

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/dedupe"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"context"
	"errors"

	"github.com/google/uuid"
)

// keyIndex is the two-tier idempotency lookup: recent keys in memory,
// everything else through the unique key columns in the store. Keys enter
// the memory tier only after the transaction that wrote them commits.
type keyIndex struct {
	recent  *dedupe.LRU[string, uuid.UUID]
	metrics *observability.Metrics
}

func bidKey(k string) string     { return "bid:" + k }
func auctionKey(k string) string { return "auction:" + k }

func (ki *keyIndex) bid(ctx context.Context, tx persistence.Tx, key string) (*auction.Bid, error) {
	if id, ok := ki.recent.Get(bidKey(key)); ok {
		ki.metrics.BidDuplicates.WithLabelValues("lru").Inc()
		return tx.GetBid(ctx, id)
	}
	b, err := tx.BidByIdempotencyKey(ctx, key)
	if errors.Is(err, auction.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ki.metrics.BidDuplicates.WithLabelValues("store").Inc()
	ki.recent.Add(bidKey(key), b.ID)
	return b, nil
}

func (ki *keyIndex) auction(ctx context.Context, tx persistence.Tx, key string) (*auction.Auction, error) {
	if id, ok := ki.recent.Get(auctionKey(key)); ok {
		return tx.GetAuction(ctx, id)
	}
	a, err := tx.AuctionByIdempotencyKey(ctx, key)
	if errors.Is(err, auction.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ki.recent.Add(auctionKey(key), a.ID)
	return a, nil
}

func (ki *keyIndex) rememberBid(key string, id uuid.UUID) {
	if key != "" {
		ki.recent.Add(bidKey(key), id)
	}
}

func (ki *keyIndex) rememberAuction(key string, id uuid.UUID) {
	if key != "" {
		ki.recent.Add(auctionKey(key), id)
	}
}

func optionalKey(k string) *string {
	if k == "" {
		return nil
	}
	return &k
}
