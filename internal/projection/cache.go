// Package projection keeps the per-auction read snapshot cache. Entries
// expire after a declared TTL, so a lost invalidation leaves a view stale
// for at most that long. Nothing on the write path waits on the cache.
package projection

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/pricing"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KV is the subset of a key-value store the cache needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error
	Members(ctx context.Context, key string) ([]string, error)
}

// Snapshot is the cached read view of one auction.
type Snapshot struct {
	AuctionID    uuid.UUID          `json:"auction_id"`
	Mechanism    auction.Mechanism  `json:"mechanism"`
	Status       auction.Status     `json:"status"`
	CurrentPrice int64              `json:"current_price"`
	MinNextBid   int64              `json:"min_next_bid"`
	Visible      bool               `json:"visible"`
	EffectiveEnd time.Time          `json:"effective_end"`
	ResultType   auction.ResultType `json:"result_type,omitempty"`
	WinnerID     string             `json:"winner_id,omitempty"`
	AsOfVersion  int64              `json:"as_of_version"`
	CachedAt     time.Time          `json:"cached_at"`
}

// NewSnapshot assembles a view from an authoritative read. s is nil until
// the auction settles.
func NewSnapshot(a *auction.Auction, q pricing.Quote, s *auction.Settlement, now time.Time) Snapshot {
	snap := Snapshot{
		AuctionID:    a.ID,
		Mechanism:    a.Mechanism,
		Status:       a.Status,
		CurrentPrice: q.CurrentPrice,
		MinNextBid:   q.MinNextBid,
		Visible:      q.Visible,
		EffectiveEnd: q.EffectiveEnd,
		AsOfVersion:  a.Version,
		CachedAt:     now,
	}
	if s != nil {
		snap.CurrentPrice = a.CurrentPrice
		snap.ResultType = s.ResultType
		snap.WinnerID = s.WinnerID
	}
	return snap
}

func auctionKey(id uuid.UUID) string {
	return "auction:snapshot:" + id.String()
}

func mechanismKey(m auction.Mechanism) string {
	return "auction:mechanism:" + string(m)
}

type Cache struct {
	kv      KV
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewCache(kv KV, ttl time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Cache {
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Cache{kv: kv, ttl: ttl, logger: logger, metrics: metrics}
}

// TTL is the staleness bound of a cached snapshot.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*Snapshot, bool, error) {
	data, ok, err := c.kv.Get(ctx, auctionKey(id))
	if err != nil {
		c.metrics.CacheRequests.WithLabelValues("snapshot", "error").Inc()
		return nil, false, auction.Infra("cache get", err)
	}
	if !ok {
		c.metrics.CacheRequests.WithLabelValues("snapshot", "miss").Inc()
		return nil, false, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		// Treat an undecodable entry as a miss; the next Put replaces it.
		c.metrics.CacheRequests.WithLabelValues("snapshot", "corrupt").Inc()
		c.logger.Warn().Err(err).Str("auction_id", id.String()).Msg("dropping undecodable snapshot")
		return nil, false, nil
	}
	c.metrics.CacheRequests.WithLabelValues("snapshot", "hit").Inc()
	return &s, true, nil
}

func (c *Cache) Put(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.kv.Set(ctx, auctionKey(s.AuctionID), data, c.ttl); err != nil {
		return auction.Infra("cache set", err)
	}
	if err := c.kv.AddMember(ctx, mechanismKey(s.Mechanism), s.AuctionID.String(), c.ttl); err != nil {
		return auction.Infra("cache index", err)
	}
	return nil
}

// Invalidate drops the snapshot of one auction.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if err := c.kv.Delete(ctx, auctionKey(id)); err != nil {
		c.metrics.CacheInvalidations.WithLabelValues("error").Inc()
		return auction.Infra("cache invalidate", err)
	}
	c.metrics.CacheInvalidations.WithLabelValues("ok").Inc()
	return nil
}

// InvalidateMechanism drops every snapshot indexed under m. The rules
// engine calls it when an auction_type scoped configuration is added or
// approved. It returns how many snapshots were targeted.
func (c *Cache) InvalidateMechanism(ctx context.Context, m auction.Mechanism) (int, error) {
	members, err := c.kv.Members(ctx, mechanismKey(m))
	if err != nil {
		return 0, auction.Infra("cache members", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, id := range members {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		keys = append(keys, auctionKey(parsed))
	}
	keys = append(keys, mechanismKey(m))
	if err := c.kv.Delete(ctx, keys...); err != nil {
		c.metrics.CacheInvalidations.WithLabelValues("error").Inc()
		return 0, auction.Infra("cache invalidate mechanism", err)
	}
	c.metrics.CacheInvalidations.WithLabelValues("ok").Inc()
	return len(keys) - 1, nil
}
