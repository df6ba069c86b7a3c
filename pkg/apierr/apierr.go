// Package apierr defines the error taxonomy returned to gateway clients.
//
// Every error that leaves the gateway is an *Error carrying a stable vendor
// code and a SQLSTATE so that clients can tell an invalid statement apart from
// an overloaded server or a denied impersonation.
package apierr

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
)

// Kind classifies an error.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindProtocol
	KindState
	KindAuth
	KindResource
	KindUpstream
	KindUnsupported
)

// Vendor codes reported to clients, one base per kind.
const (
	CodeProtocol    = 10000
	CodeNotFound    = 10001
	CodeState       = 10100
	CodeCanceled    = 10101
	CodeAuth        = 10200
	CodeResource    = 10300
	CodeUpstream    = 10400
	CodeUnsupported = 10500
	CodeInternal    = 10900
)

// Kind sentinels for use with errors.Is.
var (
	ErrProtocol    = errors.New("protocol error")
	ErrState       = errors.New("state error")
	ErrAuth        = errors.New("authorization error")
	ErrResource    = errors.New("resource error")
	ErrUpstream    = errors.New("upstream error")
	ErrUnsupported = errors.New("not supported")
	ErrInternal    = errors.New("internal error")
)

// String returns the kind name used in responses and logs.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindAuth:
		return "auth"
	case KindResource:
		return "resource"
	case KindUpstream:
		return "upstream"
	case KindUnsupported:
		return "unsupported"
	default:
		return "internal"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindProtocol:
		return ErrProtocol
	case KindState:
		return ErrState
	case KindAuth:
		return ErrAuth
	case KindResource:
		return ErrResource
	case KindUpstream:
		return ErrUpstream
	case KindUnsupported:
		return ErrUnsupported
	default:
		return ErrInternal
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind     Kind
	Code     int
	SQLState string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Protocolf returns a ProtocolError for a malformed request or handle.
func Protocolf(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Code: CodeProtocol, SQLState: pgerrcode.ProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a ProtocolError for an unknown handle.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Code: CodeNotFound, SQLState: pgerrcode.InvalidParameterValue, Message: fmt.Sprintf(format, args...)}
}

// Statef returns a StateError.
func Statef(format string, args ...any) *Error {
	return &Error{Kind: KindState, Code: CodeState, SQLState: pgerrcode.ObjectNotInPrerequisiteState, Message: fmt.Sprintf(format, args...)}
}

// Authf returns an AuthError.
func Authf(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Code: CodeAuth, SQLState: pgerrcode.InvalidAuthorizationSpecification, Message: fmt.Sprintf(format, args...)}
}

// Resourcef returns a ResourceError.
func Resourcef(format string, args ...any) *Error {
	return &Error{Kind: KindResource, Code: CodeResource, SQLState: pgerrcode.InsufficientResources, Message: fmt.Sprintf(format, args...)}
}

// Unsupportedf returns an error for a capability that is not configured.
func Unsupportedf(format string, args ...any) *Error {
	return &Error{Kind: KindUnsupported, Code: CodeUnsupported, SQLState: pgerrcode.FeatureNotSupported, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a compute-engine failure. An empty sqlState falls back to
// the generic external-routine class.
func Upstream(code int, sqlState string, err error) *Error {
	if code == 0 {
		code = CodeUpstream
	}
	if sqlState == "" {
		sqlState = pgerrcode.ExternalRoutineException
	}
	return &Error{Kind: KindUpstream, Code: code, SQLState: sqlState, Message: "statement execution failed", Err: err}
}

// Wrap attaches a cause to e and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// From coerces any error into an *Error. Errors that are not already
// classified become internal errors; context cancellation is a StateError.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindState, Code: CodeCanceled, SQLState: pgerrcode.QueryCanceled, Message: "operation canceled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindResource, Code: CodeResource, SQLState: pgerrcode.QueryCanceled, Message: "deadline exceeded", Err: err}
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, SQLState: pgerrcode.InternalError, Message: "internal error", Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}
