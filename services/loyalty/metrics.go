package loyalty

import "github.com/prometheus/client_golang/prometheus"

var (
	tierCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_tier_cache_hits_total"})
	tierCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_tier_cache_miss_total"})

	pointsAwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_points_awarded_total",
		Help: "Points credited to accounts by source.",
	}, []string{"source"})
	pointsRedeemed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_points_redeemed_total",
		Help: "Points debited from accounts by source.",
	}, []string{"source"})
	tierUpgrades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_tier_upgrades_total",
		Help: "Tier promotions by destination tier.",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(tierCacheHits, tierCacheMiss, pointsAwarded, pointsRedeemed, tierUpgrades)
}
