package referral

import "errors"

// Sentinel causes wrapped into errutil.BaseError so callers can both switch
// on the transport kind (errors.As) and on the exact business reason
// (errors.Is).
var (
	ErrCodeNotFound      = errors.New("referral code not found")
	ErrCodeExpired       = errors.New("referral code expired")
	ErrCodeNotApplicable = errors.New("referral code no longer accepts referees")
	ErrSelfReferral      = errors.New("own referral code cannot be applied")
	ErrAlreadyReferred   = errors.New("user already has a referral")
	ErrInvalidCodeFormat = errors.New("referral code format invalid")
	ErrExhaustedRetries  = errors.New("referral code generation exhausted retries")
)
