package reward

import (
	"errors"
	"strings"

	"smallbiznis-loyalty/pkg/errutil"

	"github.com/prometheus/client_golang/prometheus"
)

var redemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reward_redemptions_total",
	Help: "Reward redemption attempts by outcome.",
}, []string{"outcome"})

var redemptionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reward_redemption_transitions_total",
	Help: "Redemption lifecycle transitions by destination status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(redemptions, redemptionTransitions)
}

// outcome maps a redemption error to a low cardinality label.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if r := reasonOf(err); r != "" {
		return r
	}
	return "error"
}

func reasonOf(err error) string {
	var be errutil.BaseError
	if errors.As(err, &be) {
		return strings.ToLower(be.Reason)
	}
	return ""
}
