package gateclient

import "errors"

// Construction and lifecycle failure kinds carried by *ClientError.
var (
	ErrConnection       = errors.New("subscription refused")
	ErrHandlerMissing   = errors.New("setup installed no handler")
	ErrHandlerInstalled = errors.New("handler already installed")
	ErrSetup            = errors.New("setup failed")
	ErrSetupOver        = errors.New("setup already finished")
	ErrClientClosed     = errors.New("client closed")
)

// Response failure kinds carried by *ResponseError.
var (
	ErrNotAuthorizable  = errors.New("event is not authorization-class")
	ErrAlreadyResponded = errors.New("authorization already responded")
)

// ErrEventKind reports a payload accessor called on a message of a
// different kind.
var ErrEventKind = errors.New("message holds a different event kind")

// ErrPIDIdentityDisabled reports an identity query without the
// AllowPIDIdentity opt-in.
var ErrPIDIdentityDisabled = errors.New("pid identity queries not enabled on this client")

// ClientError wraps construction and teardown failures. Kind is one of
// the lifecycle sentinels; Err carries the cause when there is one.
type ClientError struct {
	Kind error
	Err  error
}

func (e *ClientError) Error() string {
	if e.Err == nil {
		return "client: " + e.Kind.Error()
	}
	return "client: " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *ClientError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// MuteError wraps failures of subscription and mute mutations.
type MuteError struct {
	Op  string
	Err error
}

func (e *MuteError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *MuteError) Unwrap() error {
	return e.Err
}

// ResponseError wraps authorization response failures. Kind is one of
// the response sentinels (or the gateway's wrong-kind sentinel); Err
// carries the underlying cause when there is one.
type ResponseError struct {
	Kind error
	Err  error
}

func (e *ResponseError) Error() string {
	switch {
	case e.Kind == nil:
		return "respond: " + e.Err.Error()
	case e.Err == nil:
		return "respond: " + e.Kind.Error()
	default:
		return "respond: " + e.Kind.Error() + ": " + e.Err.Error()
	}
}

func (e *ResponseError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ScopeError is the panic payload raised when a Message or a view
// derived from it is used outside the callback invocation that produced
// it. It marks a programming fault of the same class as unlocking an
// unlocked mutex, not a recoverable condition.
type ScopeError struct {
	Op string
}

func (e *ScopeError) Error() string {
	return "scope violation: " + e.Op + " called outside its callback"
}
