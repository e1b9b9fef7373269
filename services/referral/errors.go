package referral

import "smallbiznis-loyalty/pkg/errutil"

var (
	ErrInvalidReferralCode     = errutil.NotFound("invalid referral code", nil, errutil.WithReason("INVALID_REFERRAL_CODE"))
	ErrReferralAlreadyUsed     = errutil.Conflict("referral code already used", nil, errutil.WithReason("REFERRAL_ALREADY_USED"))
	ErrSelfReferral            = errutil.BadRequest("users cannot refer themselves", nil, errutil.WithReason("SELF_REFERRAL"))
	ErrReferralProgramDisabled = errutil.Forbidden("referral program is disabled", nil, errutil.WithReason("REFERRAL_PROGRAM_DISABLED"))
	ErrReferralCodeExhausted   = errutil.Internal("could not allocate a unique referral code", nil, errutil.WithReason("REFERRAL_CODE_EXHAUSTED"))
)
