package taskname

const (
	// Loyalty tasks
	LoyaltyTierUpgraded    = "loyalty:tier:upgraded"
	LoyaltyStatementExport = "loyalty:statement:export"

	// Reward tasks
	RewardRedemptionExpire = "reward:redemption:expire"
)
