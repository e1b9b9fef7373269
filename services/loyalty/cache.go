package loyalty

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const tierCacheKey = "tiers"

// TierCache holds the tier table sorted by level. The table changes only
// through UpsertTiers, which invalidates it.
type TierCache struct {
	mu       sync.RWMutex
	items    []*LoyaltyTier
	loadedAt time.Time
	ttl      time.Duration
	group    singleflight.Group
}

func NewTierCache(ttl time.Duration) *TierCache {
	return &TierCache{ttl: ttl}
}

func (c *TierCache) get() ([]*LoyaltyTier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.items == nil || (c.ttl > 0 && time.Since(c.loadedAt) > c.ttl) {
		return nil, false
	}
	return c.items, true
}

func (c *TierCache) set(items []*LoyaltyTier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.loadedAt = time.Now()
}

func (c *TierCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// Load returns cached tiers or reads them through db. Callers inside a
// transaction must pass that transaction.
func (c *TierCache) Load(ctx context.Context, db *gorm.DB) ([]*LoyaltyTier, error) {
	if items, ok := c.get(); ok {
		tierCacheHits.Inc()
		return items, nil
	}
	tierCacheMiss.Inc()

	load := func() (any, error) {
		var tiers []*LoyaltyTier
		if err := db.WithContext(ctx).Order("level ASC").Find(&tiers).Error; err != nil {
			return nil, err
		}
		if tiers == nil {
			tiers = []*LoyaltyTier{}
		}
		c.set(tiers)
		return tiers, nil
	}

	// A transaction must not wait on a shared load that may be queued
	// behind the connection it holds.
	if _, inTx := db.Statement.ConnPool.(gorm.TxCommitter); inTx {
		v, err := load()
		if err != nil {
			return nil, err
		}
		return v.([]*LoyaltyTier), nil
	}

	v, err, _ := c.group.Do(tierCacheKey, load)
	if err != nil {
		return nil, err
	}
	return v.([]*LoyaltyTier), nil
}
