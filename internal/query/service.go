// Package query serves read-only views of auctions. Price reads may come
// from the snapshot cache; winners and violations always come from the
// store.
package query

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"AuctionLedger/internal/projection"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SnapshotCache is the projection cache as seen by reads.
type SnapshotCache interface {
	Get(ctx context.Context, id uuid.UUID) (*projection.Snapshot, bool, error)
	Put(ctx context.Context, s projection.Snapshot) error
}

type Service struct {
	store  persistence.Store
	oracle *pricing.Oracle
	cache  SnapshotCache
	logger zerolog.Logger
	now    func() time.Time
}

// NewService builds the read service. cache may be nil, in which case
// every read is authoritative.
func NewService(store persistence.Store, oracle *pricing.Oracle, cache SnapshotCache, logger zerolog.Logger, clock func() time.Time) (*Service, error) {
	if store == nil || oracle == nil {
		return nil, errors.New("query: store and oracle are required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, oracle: oracle, cache: cache, logger: logger, now: clock}, nil
}

// CurrentPrice returns the running price. Cached reads fall back to the
// store on a miss or cache failure and repopulate the cache best effort.
// The fill is skipped when the auction's version has moved past the one
// the snapshot was built from, so a write that committed and invalidated
// during the read is not shadowed by the older view. A write landing
// between that check and the fill can still leave a stale entry until the
// next invalidation or the cache TTL.
func (s *Service) CurrentPrice(ctx context.Context, id uuid.UUID, c Consistency) (*PriceResponse, error) {
	if c == Cached && s.cache != nil {
		snap, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("auction_id", id.String()).Msg("cache read failed, reading store")
		}
		if ok {
			return fromSnapshot(snap, "cache"), nil
		}
	}

	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.fill(ctx, snap)
	}
	return fromSnapshot(snap, "store"), nil
}

func (s *Service) fill(ctx context.Context, snap *projection.Snapshot) {
	log := s.logger.With().Str("auction_id", snap.AuctionID.String()).Logger()
	var current int64
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		a, err := tx.GetAuction(ctx, snap.AuctionID)
		if err != nil {
			return err
		}
		current = a.Version
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("cache fill skipped, version check failed")
		return
	}
	if current != snap.AsOfVersion {
		log.Debug().Int64("as_of_version", snap.AsOfVersion).Int64("version", current).Msg("cache fill skipped, snapshot superseded")
		return
	}
	if err := s.cache.Put(ctx, *snap); err != nil {
		log.Warn().Err(err).Msg("cache fill failed")
	}
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*projection.Snapshot, error) {
	var snap projection.Snapshot
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		a, err := tx.GetAuction(ctx, id)
		if err != nil {
			return err
		}
		bids, err := tx.ListBids(ctx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		q, err := s.oracle.Quote(pricing.NewView(a, bids, now))
		if err != nil {
			return err
		}
		var settled *auction.Settlement
		if a.Status == auction.StatusCompleted {
			if settled, err = tx.GetSettlement(ctx, id); err != nil {
				return err
			}
		}
		snap = projection.NewSnapshot(a, q, settled, now)
		return nil
	})
	if err != nil {
		return nil, auction.Infra("load price", err)
	}
	return &snap, nil
}

func fromSnapshot(s *projection.Snapshot, source string) *PriceResponse {
	return &PriceResponse{
		AuctionID:    s.AuctionID,
		Mechanism:    s.Mechanism,
		Status:       s.Status,
		CurrentPrice: s.CurrentPrice,
		MinNextBid:   s.MinNextBid,
		Visible:      s.Visible,
		EffectiveEnd: s.EffectiveEnd,
		AsOfVersion:  s.AsOfVersion,
		Source:       source,
		AsOf:         s.CachedAt,
	}
}

// Winner returns the settlement outcome. It fails with ErrNotFound until
// the auction has settled.
func (s *Service) Winner(ctx context.Context, id uuid.UUID) (*WinnerResponse, error) {
	var st *auction.Settlement
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		var err error
		st, err = tx.GetSettlement(ctx, id)
		return err
	})
	if err != nil {
		return nil, auction.Infra("load settlement", err)
	}
	return &WinnerResponse{
		AuctionID:     st.AuctionID,
		ResultType:    st.ResultType,
		WinnerBidID:   st.WinnerBidID,
		WinnerID:      st.WinnerID,
		FinalPrice:    st.FinalPrice,
		ClearingPrice: st.ClearingPrice,
		Allocations:   st.Allocations,
		Charges:       st.Charges,
		Method:        st.Method,
		SettledAt:     st.SettledAt,
		Digest:        st.Digest,
	}, nil
}

func (s *Service) Violations(ctx context.Context, f auction.ViolationFilter) ([]auction.RuleViolation, error) {
	var out []auction.RuleViolation
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListViolations(ctx, f)
		return err
	})
	return out, auction.Infra("list violations", err)
}

func (s *Service) Auction(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	var out *auction.Auction
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.GetAuction(ctx, id)
		return err
	})
	return out, auction.Infra("load auction", err)
}

// Bids lists the bids of an auction. Amounts of hidden-price auctions are
// withheld until settlement.
func (s *Service) Bids(ctx context.Context, id uuid.UUID) ([]auction.Bid, error) {
	var out []auction.Bid
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		a, err := tx.GetAuction(ctx, id)
		if err != nil {
			return err
		}
		bids, err := tx.ListBids(ctx, id)
		if err != nil {
			return err
		}
		q, err := s.oracle.Quote(pricing.NewView(a, bids, s.now().UTC()))
		if err != nil {
			return err
		}
		if !q.Visible && a.Status != auction.StatusCompleted {
			for i := range bids {
				bids[i].Amount = 0
			}
		}
		out = bids
		return nil
	})
	return out, auction.Infra("list bids", err)
}
