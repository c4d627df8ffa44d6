package models

import "errors"

var (
	ErrMalformedRequest  = errors.New("malformed request")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExpired      = errors.New("order expired")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrTooManyAttempts   = errors.New("too many verification attempts")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnknownGateway    = errors.New("unknown payment gateway")
	ErrDuplicateOrder    = errors.New("duplicate transaction id")

	ErrEntitlementNotFound  = errors.New("no entitlement for template")
	ErrEntitlementExhausted = errors.New("download limit reached")
	ErrEntitlementExpired   = errors.New("entitlement expired")
	ErrEntitlementInactive  = errors.New("entitlement inactive")

	ErrTokenNotFound      = errors.New("download token not found")
	ErrTokenExpired       = errors.New("download token expired")
	ErrTokenOwnerMismatch = errors.New("download token owner mismatch")
	ErrTokenUsed          = errors.New("download token already used")
)

// IsEntitlementDenial reports whether err is one of the entitlement gate failures.
func IsEntitlementDenial(err error) bool {
	return errors.Is(err, ErrEntitlementNotFound) ||
		errors.Is(err, ErrEntitlementExhausted) ||
		errors.Is(err, ErrEntitlementExpired) ||
		errors.Is(err, ErrEntitlementInactive)
}
