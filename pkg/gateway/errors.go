package gateway

import "errors"

// Handshake refusals. Connect wraps exactly one of these when the gate
// refuses a subscription.
var (
	ErrNotEntitled    = errors.New("caller lacks the event gate entitlement")
	ErrNotPermitted   = errors.New("caller not permitted to subscribe")
	ErrNotPrivileged  = errors.New("caller lacks required privileges")
	ErrTooManyClients = errors.New("gate connection limit reached")
	ErrUnavailable    = errors.New("event gate unavailable")
)

// General operation failures.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInternal          = errors.New("internal gate failure")
	ErrUnknownConnection = errors.New("unknown gate connection")
	ErrUnsupported       = errors.New("operation not supported at the running capability tier")
)

// Response path failures.
var (
	ErrUnknownToken      = errors.New("no pending authorization for token")
	ErrDuplicateResponse = errors.New("authorization already answered")
	ErrWrongResponseKind = errors.New("response kind does not match the event")
)

// Mute and cache failures.
var (
	ErrRuleNotFound   = errors.New("mute rule not active")
	ErrCacheThrottled = errors.New("cache clear throttled")
)
