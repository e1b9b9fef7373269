package rule

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type CalculationType string

const (
	Percentage CalculationType = "percentage"
	Fixed      CalculationType = "fixed"
	// PerCurrencyUnit awards one point per whole currency unit.
	PerCurrencyUnit CalculationType = "default"
)

const (
	EventPurchase         = "purchase"
	EventSignup           = "signup"
	EventReview           = "review"
	EventReferralSignup   = "referral_signup"
	EventReferralComplete = "referral_complete"
	EventSocialShare      = "social_share"
)

// TierMultipliers maps a tier name to the factor applied to purchase points.
type TierMultipliers map[string]float64

// For returns the multiplier for tierName, 1 when unset.
func (m TierMultipliers) For(tierName string) float64 {
	if v, ok := m[tierName]; ok && v > 0 {
		return v
	}
	return 1
}

// LoyaltyRule maps one event type to an award formula.
type LoyaltyRule struct {
	ID               snowflake.ID    `json:"id"`
	EventType        string          `json:"event_type"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	CalculationType  CalculationType `json:"calculation_type"`
	CalculationValue float64         `json:"calculation_value"`
	PointsAwarded    int64           `json:"points_awarded"`
	MaxPoints        *int64          `json:"max_points,omitempty"`
	TierMultipliers  TierMultipliers `json:"tier_multipliers,omitempty"`
	// Condition is an optional CEL boolean expression over event attributes.
	Condition string    `json:"condition,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EventInput struct {
	UserID     string         `json:"user_id" binding:"required"`
	EventType  string         `json:"event_type" binding:"required"`
	SourceID   string         `json:"source_id"`
	Attributes map[string]any `json:"attributes"`
}

type PurchaseInput struct {
	UserID      string  `json:"user_id" binding:"required"`
	OrderID     string  `json:"order_id"`
	OrderAmount float64 `json:"order_amount"`
}

func Models() []any {
	return []any{&ruleRow{}}
}
