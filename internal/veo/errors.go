package veo

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind identifies the step of a generation that failed.
type ErrorKind int

const (
	KindSubmission ErrorKind = iota + 1
	KindPoll
	KindNoResult
	KindDownload
	KindTimeout
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindSubmission:
		return "submission"
	case KindPoll:
		return "poll"
	case KindNoResult:
		return "no_result"
	case KindDownload:
		return "download"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Reason is the vendor-level cause of a failure, when one could be classified.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonQuota             Reason = "quota"
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonNoCredential      Reason = "no_credential"
	ReasonInvalidRequest    Reason = "invalid_request"
	ReasonFiltered          Reason = "filtered"
)

// Error is returned by every Client operation that fails.
type Error struct {
	Kind   ErrorKind
	Reason Reason
	// Op is the operation name, empty when the failure happened before
	// the vendor assigned one.
	Op  string
	Err error
}

func (e *Error) Error() string {
	msg := "veo: " + e.Kind.String() + " failed"
	if e.Op != "" {
		msg += " (operation " + e.Op + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ReasonOf returns the classified reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) && e.Reason != ReasonNone {
		return e.Reason
	}
	var r *reasonError
	if errors.As(err, &r) {
		return r.reason
	}
	return ReasonNone
}

// reasonError tags a lower-level error with a Reason so the Client can lift
// it into the *Error it returns.
type reasonError struct {
	reason Reason
	err    error
}

func (e *reasonError) Error() string { return e.err.Error() }
func (e *reasonError) Unwrap() error { return e.err }

// WithReason annotates err with a classified reason. Providers use it to pass
// vendor classification up without choosing an ErrorKind themselves.
func WithReason(reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &reasonError{reason: reason, err: err}
}

// newError wraps err as an *Error of the given kind. Context cancellation and
// deadline errors override kind, and an *Error already present in the chain
// is returned unchanged.
func newError(kind ErrorKind, op string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Reason: ReasonOf(err), Op: op, Err: err}
}

func errorf(kind ErrorKind, reason Reason, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: fmt.Errorf(format, args...)}
}
