package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/pod-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Commits
// go to the primary store and then invalidate every cached record the batch
// touched; point reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}

	keys := make([]string, 0, len(b.Plots)+len(b.Fields)+len(b.Listings)+len(b.Orders)+1)
	for _, p := range b.Plots {
		keys = append(keys, plotCacheKey(p.Position))
	}
	for _, f := range b.Fields {
		keys = append(keys, fieldCacheKey(f.Account))
	}
	for _, l := range b.Listings {
		keys = append(keys, listingCacheKey(l.Key))
	}
	for _, o := range b.Orders {
		keys = append(keys, orderCacheKey(o.ID))
	}
	if b.Marketplace != nil {
		keys = append(keys, marketplaceCacheKey)
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPlot(ctx context.Context, position int64) (*model.Plot, error) {
	return readThrough(ctx, s, plotCacheKey(position), func() (*model.Plot, error) {
		return s.primary.GetPlot(ctx, position)
	})
}

func (s *CachedStore) GetField(ctx context.Context, account string) (*model.Field, error) {
	return readThrough(ctx, s, fieldCacheKey(account), func() (*model.Field, error) {
		return s.primary.GetField(ctx, account)
	})
}

func (s *CachedStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	return readThrough(ctx, s, listingCacheKey(key), func() (*model.Listing, error) {
		return s.primary.GetListing(ctx, key)
	})
}

func (s *CachedStore) GetOrder(ctx context.Context, id model.OrderID) (*model.Order, error) {
	return readThrough(ctx, s, orderCacheKey(id), func() (*model.Order, error) {
		return s.primary.GetOrder(ctx, id)
	})
}

// Fills and audit records are write-once, so a cached copy never goes stale.
func (s *CachedStore) GetFill(ctx context.Context, id uuid.UUID) (*model.Fill, error) {
	return readThrough(ctx, s, fillCacheKey(id), func() (*model.Fill, error) {
		return s.primary.GetFill(ctx, id)
	})
}

func (s *CachedStore) GetAudit(ctx context.Context, id model.EventID) (*model.AuditRecord, error) {
	return readThrough(ctx, s, auditCacheKey(id), func() (*model.AuditRecord, error) {
		return s.primary.GetAudit(ctx, id)
	})
}

func (s *CachedStore) GetMarketplace(ctx context.Context) (*model.Marketplace, error) {
	return readThrough(ctx, s, marketplaceCacheKey, func() (*model.Marketplace, error) {
		return s.primary.GetMarketplace(ctx)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Applied(ctx context.Context, id model.EventID) (bool, error) {
	return s.primary.Applied(ctx, id)
}

func (s *CachedStore) Cursor(ctx context.Context) (model.Cursor, error) {
	return s.primary.Cursor(ctx)
}

func (s *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.primary.Snapshot(ctx)
}

func (s *CachedStore) ListPlots(ctx context.Context, owner string, from, to int64) ([]model.Plot, error) {
	return s.primary.ListPlots(ctx, owner, from, to)
}

func (s *CachedStore) ListingHistory(ctx context.Context, key model.ListingKey) ([]model.Listing, error) {
	return s.primary.ListingHistory(ctx, key)
}

func (s *CachedStore) OrderHistory(ctx context.Context, id model.OrderID) ([]model.Order, error) {
	return s.primary.OrderHistory(ctx, id)
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

const marketplaceCacheKey = "marketplace"

func plotCacheKey(pos int64) string              { return fmt.Sprintf("plot:%d", pos) }
func fieldCacheKey(account string) string        { return fmt.Sprintf("field:%s", account) }
func listingCacheKey(k model.ListingKey) string  { return fmt.Sprintf("listing:%s", k) }
func orderCacheKey(id model.OrderID) string      { return fmt.Sprintf("order:%s", id) }
func fillCacheKey(id uuid.UUID) string           { return fmt.Sprintf("fill:%s", id) }
func auditCacheKey(id model.EventID) string      { return fmt.Sprintf("audit:%s", id) }
