package referral

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

// pending -> signed_up -> completed, never backwards.
const (
	Pending   Status = "pending"
	SignedUp  Status = "signed_up"
	Completed Status = "completed"
)

type Referral struct {
	ID                     snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ReferrerID             string       `gorm:"column:referrer_id;type:varchar(64);uniqueIndex;not null" json:"referrer_id"`
	RefereeID              *string      `gorm:"column:referee_id;type:varchar(64);uniqueIndex" json:"referee_id,omitempty"`
	ReferralCode           string       `gorm:"column:referral_code;type:varchar(16);uniqueIndex;not null" json:"referral_code"`
	Status                 Status       `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	SignedUpAt             *time.Time   `gorm:"column:signed_up_at" json:"signed_up_at,omitempty"`
	CompletedAt            *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	RefereeFirstPurchaseAt *time.Time   `gorm:"column:referee_first_purchase_at" json:"referee_first_purchase_at,omitempty"`
	ReferrerRewardPoints   int64        `gorm:"column:referrer_reward_points;not null" json:"referrer_reward_points"`
	CreatedAt              time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Referral) TableName() string { return "referrals" }

type Stats struct {
	UserID             string `json:"user_id"`
	ReferralCode       string `json:"referral_code,omitempty"`
	TotalReferrals     int64  `json:"total_referrals"`
	SignedUpReferrals  int64  `json:"signed_up_referrals"`
	CompletedReferrals int64  `json:"completed_referrals"`
	TotalPointsEarned  int64  `json:"total_points_earned"`
}

type LeaderboardEntry struct {
	ReferrerID         string `json:"referrer_id"`
	CompletedReferrals int64  `json:"completed_referrals"`
	PointsEarned       int64  `json:"points_earned"`
}

func Models() []any {
	return []any{&Referral{}}
}
