package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. Every error that crosses a package
// boundary wraps exactly one Kind so callers can branch without string
// matching and the CLI can map errors to exit codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindBackendTransient
	KindBackendPermanent
	KindCorrupt
	KindNotFound
	KindAlreadyExists
	KindAmbiguous
	KindLocked
	KindCancelled
	KindSource
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindBackendTransient:
		return "backend(transient)"
	case KindBackendPermanent:
		return "backend(permanent)"
	case KindCorrupt:
		return "corrupt"
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindAmbiguous:
		return "ambiguous"
	case KindLocked:
		return "locked"
	case KindCancelled:
		return "cancelled"
	case KindSource:
		return "source"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error carries a kind, the object it concerns (a backend key, a
// snapshot id, a source path) and an underlying cause.
type Error struct {
	Kind   Kind
	Object string
	Err    error
}

func (e *Error) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("%s: %s — %v", e.Kind, e.Object, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and object. A nil err is replaced by a
// generic message so the result is always a usable error value.
func New(kind Kind, object string, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Object: object, Err: err}
}

func Newf(kind Kind, object, format string, args ...interface{}) error {
	return &Error{Kind: kind, Object: object, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, walking the wrap chain. Errors that
// never passed through this package report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func is(err error, k Kind) bool { return KindOf(err) == k }

func IsConfig(err error) bool        { return is(err, KindConfig) }
func IsAuth(err error) bool          { return is(err, KindAuth) }
func IsCorrupt(err error) bool       { return is(err, KindCorrupt) }
func IsNotFound(err error) bool      { return is(err, KindNotFound) }
func IsAlreadyExists(err error) bool { return is(err, KindAlreadyExists) }
func IsAmbiguous(err error) bool     { return is(err, KindAmbiguous) }
func IsLocked(err error) bool        { return is(err, KindLocked) }
func IsCancelled(err error) bool     { return is(err, KindCancelled) }
func IsSource(err error) bool        { return is(err, KindSource) }
func IsUsage(err error) bool         { return is(err, KindUsage) }

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool { return is(err, KindBackendTransient) }

// IsPermanent reports whether err must not be retried. Anything that is
// not explicitly transient counts as permanent, including unknown kinds;
// retrying a failure we cannot classify only hides bugs.
func IsPermanent(err error) bool { return !IsTransient(err) }

// Exit codes for the embedding CLI, per the sysexits-style contract.
const (
	ExitOK         = 0
	ExitUsage      = 2
	ExitCorrupt    = 65
	ExitIO         = 74
	ExitPermission = 77
)

// ExitCode maps an error to the CLI exit code for its kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindUsage, KindAmbiguous:
		return ExitUsage
	case KindCorrupt:
		return ExitCorrupt
	case KindAuth:
		return ExitPermission
	default:
		return ExitIO
	}
}
