package reward

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type RedemptionStatus string

// 'pending', 'fulfilled', 'cancelled', 'expired'
const (
	Pending   RedemptionStatus = "pending"
	Fulfilled RedemptionStatus = "fulfilled"
	Cancelled RedemptionStatus = "cancelled"
	Expired   RedemptionStatus = "expired"
)

func (s RedemptionStatus) String() string {
	switch s {
	case Pending, Fulfilled, Cancelled, Expired:
		return string(s)
	default:
		return ""
	}
}

// Reward is a catalog item bought with points. A nil StockQuantity means
// unlimited stock.
type Reward struct {
	ID                    snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	BusinessID            string       `gorm:"column:business_id;type:varchar(64);index" json:"business_id,omitempty"`
	Name                  string       `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Slug                  string       `gorm:"column:slug;type:varchar(255);uniqueIndex;not null" json:"slug"`
	Description           string       `gorm:"column:description;type:text" json:"description,omitempty"`
	Category              string       `gorm:"column:category;type:varchar(64);index" json:"category,omitempty"`
	ImageURL              string       `gorm:"column:image_url;type:text" json:"image_url,omitempty"`
	PointsCost            int64        `gorm:"column:points_cost;not null" json:"points_cost"`
	StockQuantity         *int64       `gorm:"column:stock_quantity" json:"stock_quantity"`
	TierRestriction       *int         `gorm:"column:tier_restriction" json:"tier_restriction"`
	MaxRedemptionsPerUser *int         `gorm:"column:max_redemptions_per_user" json:"max_redemptions_per_user"`
	IsActive              bool         `gorm:"column:is_active;not null" json:"is_active"`
	IsFeatured            bool         `gorm:"column:is_featured;not null" json:"is_featured"`
	RedemptionCount       int64        `gorm:"column:redemption_count;not null" json:"redemption_count"`
	CreatedAt             time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Reward) TableName() string { return "rewards" }

type RewardRedemption struct {
	ID             snowflake.ID     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID         string           `gorm:"column:user_id;type:varchar(64);index:idx_redemption_user_reward,priority:1;not null" json:"user_id"`
	RewardID       snowflake.ID     `gorm:"column:reward_id;index:idx_redemption_user_reward,priority:2;not null" json:"reward_id"`
	TransactionID  snowflake.ID     `gorm:"column:transaction_id;not null" json:"transaction_id"`
	PointsSpent    int64            `gorm:"column:points_spent;not null" json:"points_spent"`
	Status         RedemptionStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	RedemptionCode string           `gorm:"column:redemption_code;type:varchar(12);uniqueIndex;not null" json:"redemption_code"`
	ExpiresAt      time.Time        `gorm:"column:expires_at;index" json:"expires_at"`
	FulfilledAt    *time.Time       `gorm:"column:fulfilled_at" json:"fulfilled_at,omitempty"`
	CancelledAt    *time.Time       `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt      time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at" json:"updated_at"`

	// Relations
	Reward *Reward `gorm:"foreignKey:RewardID" json:"reward,omitempty"`
}

func (RewardRedemption) TableName() string { return "reward_redemptions" }

// RewardFilter narrows the catalog. Nil pointers leave a field unfiltered.
type RewardFilter struct {
	BusinessID string `form:"business_id"`
	Category   string `form:"category"`
	IsActive   *bool  `form:"is_active"`
	IsFeatured *bool  `form:"is_featured"`
	// TierLevel hides rewards restricted above this level.
	TierLevel *int `form:"tier_level"`
	Limit     int  `form:"limit"`
	Offset    int  `form:"offset"`
}

type RedemptionFilter struct {
	Status RedemptionStatus `form:"status"`
	Limit  int              `form:"limit"`
	Offset int              `form:"offset"`
}

func Models() []any {
	return []any{
		&Reward{},
		&RewardRedemption{},
	}
}
