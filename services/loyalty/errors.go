package loyalty

import "smallbiznis-loyalty/pkg/errutil"

var (
	ErrAccountNotFound    = errutil.NotFound("loyalty account not found", nil, errutil.WithReason("ACCOUNT_NOT_FOUND"))
	ErrInvalidPoints      = errutil.BadRequest("points must be a positive integer", nil, errutil.WithReason("INVALID_POINTS"))
	ErrInsufficientPoints = errutil.BadRequest("insufficient points", nil, errutil.WithReason("INSUFFICIENT_POINTS"))
	ErrInvalidTierTable   = errutil.BadRequest("invalid tier table", nil, errutil.WithReason("INVALID_TIER_TABLE"))
	ErrUserRequired       = errutil.BadRequest("user_id is required", nil, errutil.WithReason("USER_ID_REQUIRED"))
)
