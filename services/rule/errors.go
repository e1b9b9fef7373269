package rule

import "smallbiznis-loyalty/pkg/errutil"

var (
	ErrInvalidRule        = errutil.BadRequest("invalid loyalty rule", nil, errutil.WithReason("INVALID_RULE"))
	ErrInvalidOrderAmount = errutil.BadRequest("order amount must not be negative", nil, errutil.WithReason("INVALID_ORDER_AMOUNT"))
	ErrRuleNotFound       = errutil.NotFound("loyalty rule not found", nil, errutil.WithReason("RULE_NOT_FOUND"))
)
