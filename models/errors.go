package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a RunError. Fatal kinds abort the run; FetchError is
// scoped to a single record.
type ErrorKind string

const (
	KindInput  ErrorKind = "InputError"
	KindAuth   ErrorKind = "AuthError"
	KindFetch  ErrorKind = "FetchError"
	KindOutput ErrorKind = "OutputError"
)

// Fatal reports whether errors of this kind abort the whole run.
func (k ErrorKind) Fatal() bool {
	return k != KindFetch
}

// Failure reasons recorded in the failed CSV.
const (
	ReasonNotFound      = "post not found"
	ReasonPrivate       = "post is private"
	ReasonRateLimited   = "rate limited"
	ReasonTimeout       = "timeout"
	ReasonNavigation    = "navigation failed"
	ReasonNoMetrics     = "no metrics found"
	ReasonNoDate        = "post date not found"
	ReasonMalformedURL  = "malformed url"
	ReasonInvalidResult = "invalid metrics"
	ReasonSession       = "session unavailable"
)

// Sentinels used by fetchers to classify platform-side outcomes.
var (
	ErrPostNotFound = errors.New(ReasonNotFound)
	ErrPostPrivate  = errors.New(ReasonPrivate)
	ErrRateLimited  = errors.New(ReasonRateLimited)
	ErrNoMetrics    = errors.New(ReasonNoMetrics)
)

// RunError is the internal error type carrying an error kind.
// It implements the error interface and supports error wrapping via Unwrap.
type RunError struct {
	Kind    ErrorKind
	Message string
	Err     error // wrapped original error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a new RunError.
func NewRunError(kind ErrorKind, message string, err error) *RunError {
	return &RunError{Kind: kind, Message: message, Err: err}
}

// InputError wraps a failure to read the input list.
func InputError(message string, err error) *RunError {
	return NewRunError(KindInput, message, err)
}

// AuthError wraps a failure to establish the session.
func AuthError(message string, err error) *RunError {
	return NewRunError(KindAuth, message, err)
}

// FetchError wraps a per-record failure. Message is the reason written to
// the failed CSV.
func FetchError(reason string, err error) *RunError {
	return NewRunError(KindFetch, reason, err)
}

// OutputError wraps a failure to write the output or failed CSV.
func OutputError(message string, err error) *RunError {
	return NewRunError(KindOutput, message, err)
}

// KindOf returns the kind of the first RunError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Reason extracts the short failure reason for a per-record error. Fetch
// errors carry it as their message; sentinel errors map to their own text;
// anything else falls back to the error string.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) && re.Kind == KindFetch && re.Message != "" {
		return re.Message
	}
	for _, s := range []error{ErrPostNotFound, ErrPostPrivate, ErrRateLimited, ErrNoMetrics} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}
