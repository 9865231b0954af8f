// Package bumperr provides the error kinds returned by collaborator clients
// and the update service.
package bumperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its cause.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnauthorized
	KindUpstreamUnavailable
	KindMalformedInput
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindMalformedInput:
		return "malformed_input"
	default:
		return "internal"
	}
}

// Error is an error of a specific Kind that happened during the operation Op.
type Error struct {
	Kind Kind
	// Op is the name of the operation that failed, e.g. "pypi.latest_version".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op string, err error) *Error {
	return New(KindNotFound, op, err)
}

func Unauthorized(op string, err error) *Error {
	return New(KindUnauthorized, op, err)
}

func UpstreamUnavailable(op string, err error) *Error {
	return New(KindUpstreamUnavailable, op, err)
}

func MalformedInput(op string, err error) *Error {
	return New(KindMalformedInput, op, err)
}

// KindOf returns the Kind of the first *Error in the chain of err.
// Errors that do not wrap an *Error are KindInternal, a RetryableError
// without an inner *Error is KindUpstreamUnavailable.
func KindOf(err error) Kind {
	var kErr *Error
	if errors.As(err, &kErr) {
		return kErr.Kind
	}

	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return KindUpstreamUnavailable
	}

	return KindInternal
}

// Is returns true if err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
