package domain

import "errors"

// ErrNotFound is returned by stores when a lookup or conditional update
// matches no row.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies a failure for the inbound surface.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindMalformed
	KindAuthentication
	KindNotFound
	KindDependencyFailure
	KindDependencyUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMalformed:
		return "malformed"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindDependencyFailure:
		return "dependency_failure"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "internal"
	}
}

// Error carries a kind and a message that is safe to return to the caller.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error. err may be nil.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err. Bare ErrNotFound maps to KindNotFound;
// anything unclassified is KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Msg
	}
	if errors.Is(err, ErrNotFound) {
		return "Not found"
	}
	return "Internal error"
}
