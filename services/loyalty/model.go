package loyalty

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	Earned   TransactionType = "earned"
	Redeemed TransactionType = "redeemed"
	// Refunded credits back points of a cancelled redemption. It moves the
	// balance but never lifetime points.
	Refunded TransactionType = "refunded"
)

func (t TransactionType) Valid() bool {
	switch t {
	case Earned, Redeemed, Refunded:
		return true
	default:
		return false
	}
}

type LoyaltyAccount struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID         string       `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null" json:"user_id"`
	CurrentPoints  int64        `gorm:"column:current_points;not null" json:"current_points"`
	LifetimePoints int64        `gorm:"column:lifetime_points;not null" json:"lifetime_points"`
	TierID         snowflake.ID `gorm:"column:tier_id" json:"tier_id,omitempty"`
	TierName       string       `gorm:"column:tier_name;type:varchar(64)" json:"tier_name"`
	TierLevel      int          `gorm:"column:tier_level;not null" json:"tier_level"`
	LastActivityAt *time.Time   `gorm:"column:last_activity_at" json:"last_activity_at,omitempty"`
	CreatedAt      time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (LoyaltyAccount) TableName() string { return "loyalty_accounts" }

type LoyaltyTransaction struct {
	ID              snowflake.ID      `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	TransactionCode string            `gorm:"column:transaction_code;type:varchar(40);uniqueIndex;not null" json:"transaction_code"`
	UserID          string            `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_loyalty_tx_user_seq,priority:1" json:"user_id"`
	AccountID       snowflake.ID      `gorm:"column:account_id;index;not null" json:"account_id"`
	Sequence        int64             `gorm:"column:sequence;not null;uniqueIndex:idx_loyalty_tx_user_seq,priority:2" json:"sequence"`
	Type            TransactionType   `gorm:"column:type;type:varchar(20);index;not null" json:"type"`
	Points          int64             `gorm:"column:points;not null" json:"points"`
	BalanceAfter    int64             `gorm:"column:balance_after;not null" json:"balance_after"`
	Source          string            `gorm:"column:source;type:varchar(64);index" json:"source"`
	SourceID        string            `gorm:"column:source_id;type:varchar(128);index" json:"source_id,omitempty"`
	ExpiresAt       *time.Time        `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	IsExpired       bool              `gorm:"column:is_expired;not null" json:"is_expired"`
	Description     string            `gorm:"column:description;type:text" json:"description,omitempty"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash    string            `gorm:"column:previous_hash;type:varchar(64)" json:"previous_hash"`
	Hash            string            `gorm:"column:hash;type:varchar(64);not null" json:"hash"`
	CreatedAt       time.Time         `gorm:"column:created_at;index" json:"created_at"`
}

func (LoyaltyTransaction) TableName() string { return "loyalty_transactions" }

func (m *LoyaltyTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":               m.ID.String(),
		"transaction_code": m.TransactionCode,
		"user_id":          m.UserID,
		"account_id":       m.AccountID.String(),
		"sequence":         fmt.Sprintf("%d", m.Sequence),
		"type":             string(m.Type),
		"points":           fmt.Sprintf("%d", m.Points),
		"balance_after":    fmt.Sprintf("%d", m.BalanceAfter),
		"source":           m.Source,
		"source_id":        m.SourceID,
		"created_at":       m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":    m.PreviousHash,
	}
}

func (m *LoyaltyTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

type LoyaltyTier struct {
	ID               snowflake.ID                 `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Level            int                          `gorm:"column:level;uniqueIndex;not null" json:"level"`
	Name             string                       `gorm:"column:name;type:varchar(64);not null" json:"name"`
	PointsRequired   int64                        `gorm:"column:points_required;not null" json:"points_required"`
	DiscountPercent  float64                      `gorm:"column:discount_percent" json:"discount_percent"`
	PointsMultiplier float64                      `gorm:"column:points_multiplier" json:"points_multiplier"`
	Benefits         datatypes.JSONType[[]string] `gorm:"column:benefits" json:"benefits"`
	CreatedAt        time.Time                    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time                    `gorm:"column:updated_at" json:"updated_at"`
}

func (LoyaltyTier) TableName() string { return "loyalty_tiers" }

type AwardParams struct {
	UserID      string
	Points      int64
	Source      string
	SourceID    string
	Description string
	Metadata    map[string]any
}

type RedeemParams struct {
	UserID      string
	Points      int64
	Source      string
	SourceID    string
	Description string
	Metadata    map[string]any
}

type RefundParams struct {
	UserID      string
	Points      int64
	Source      string
	SourceID    string
	Description string
	Metadata    map[string]any
}

type TransactionFilter struct {
	Type   TransactionType `form:"type"`
	Limit  int             `form:"limit"`
	Offset int             `form:"offset"`
}

type TransactionSummary struct {
	TotalEarned            int64 `json:"total_earned"`
	TotalSpent             int64 `json:"total_spent"`
	PointsExpiringIn30Days int64 `json:"points_expiring_in_30_days"`
}

type TierProgress struct {
	CurrentTier      *LoyaltyTier `json:"current_tier"`
	NextTier         *LoyaltyTier `json:"next_tier"`
	LifetimePoints   int64        `json:"lifetime_points"`
	PointsToNextTier int64        `json:"points_to_next_tier"`
	ProgressPercent  float64      `json:"progress_percent"`
}

// LedgerReport is the result of replaying one user's ledger.
type LedgerReport struct {
	UserID           string `json:"user_id"`
	Entries          int    `json:"entries"`
	ChainValid       bool   `json:"chain_valid"`
	BrokenAtSequence *int64 `json:"broken_at_sequence,omitempty"`
	ReplayedBalance  int64  `json:"replayed_balance"`
	AccountBalance   int64  `json:"account_balance"`
	ReplayedLifetime int64  `json:"replayed_lifetime"`
	AccountLifetime  int64  `json:"account_lifetime"`
	Consistent       bool   `json:"consistent"`
}

// TierUpgraded is raised after a promotion commits.
type TierUpgraded struct {
	UserID         string       `json:"user_id"`
	AccountID      snowflake.ID `json:"account_id"`
	FromLevel      int          `json:"from_level"`
	ToLevel        int          `json:"to_level"`
	TierName       string       `json:"tier_name"`
	LifetimePoints int64        `json:"lifetime_points"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

func Models() []any {
	return []any{
		&LoyaltyAccount{},
		&LoyaltyTransaction{},
		&LoyaltyTier{},
	}
}
