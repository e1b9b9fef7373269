package rule

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type cachedRule struct {
	rule     *LoyaltyRule // nil caches "no rule configured"
	loadedAt time.Time
}

// RuleCache holds rules by event type. thread-safe + singleflight.
type RuleCache struct {
	mu    sync.RWMutex
	items map[string]cachedRule
	ttl   time.Duration
	group singleflight.Group
}

func NewRuleCache(ttl time.Duration) *RuleCache {
	return &RuleCache{
		items: make(map[string]cachedRule),
		ttl:   ttl,
	}
}

func (c *RuleCache) Get(eventType string) (*LoyaltyRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[eventType]
	if !ok || (c.ttl > 0 && time.Since(v.loadedAt) > c.ttl) {
		return nil, false
	}
	return v.rule, true
}

func (c *RuleCache) Set(eventType string, rule *LoyaltyRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[eventType] = cachedRule{rule: rule, loadedAt: time.Now()}
}

func (c *RuleCache) Invalidate(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, eventType)
}

// Load returns the cached rule or reads it with repo, which must be bound
// to the caller's transaction when there is one.
func (c *RuleCache) Load(ctx context.Context, repo Repository, eventType string) (*LoyaltyRule, error) {
	if rule, ok := c.Get(eventType); ok {
		cacheHits.Inc()
		return rule, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(eventType, func() (any, error) {
		rule, err := repo.GetByEventType(ctx, eventType)
		if err != nil {
			return nil, err
		}
		c.Set(eventType, rule)
		return rule, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoyaltyRule), nil
}
