package reward

import "smallbiznis-loyalty/pkg/errutil"

var (
	ErrRewardNotFound          = errutil.NotFound("reward not found", nil, errutil.WithReason("REWARD_NOT_FOUND"))
	ErrRewardInactive          = errutil.BadRequest("reward is not active", nil, errutil.WithReason("REWARD_INACTIVE"))
	ErrOutOfStock              = errutil.BadRequest("reward is out of stock", nil, errutil.WithReason("OUT_OF_STOCK"))
	ErrTierTooLow              = errutil.Forbidden("tier too low for this reward", nil, errutil.WithReason("TIER_TOO_LOW"))
	ErrRedemptionLimitReached  = errutil.BadRequest("redemption limit reached", nil, errutil.WithReason("REDEMPTION_LIMIT_REACHED"))
	ErrRedemptionNotFound      = errutil.NotFound("redemption not found", nil, errutil.WithReason("REDEMPTION_NOT_FOUND"))
	ErrInvalidRedemptionState  = errutil.Conflict("redemption cannot make this transition", nil, errutil.WithReason("INVALID_REDEMPTION_STATE"))
	ErrInvalidReward           = errutil.BadRequest("invalid reward", nil, errutil.WithReason("INVALID_REWARD"))
	ErrRedemptionCodeExhausted = errutil.Internal("could not allocate a unique redemption code", nil, errutil.WithReason("REDEMPTION_CODE_EXHAUSTED"))
)
