package enrich

import (
	"errors"
	"fmt"
)

// Kind classifies an enrichment failure for the retry controller.
type Kind string

const (
	// KindRateLimited means the service asked us to slow down (HTTP 429 or
	// equivalent). Retryable with backoff.
	KindRateLimited Kind = "rate_limited"
	// KindTransient covers timeouts and network hiccups. Retryable.
	KindTransient Kind = "transient"
	// KindMalformed means the service answered but the response could not be
	// used (bad JSON, wrong cardinality). Retried within the shared budget,
	// then the batch is failed.
	KindMalformed Kind = "malformed"
	// KindFatal covers auth and configuration failures. Aborts the run.
	KindFatal Kind = "fatal"
)

// Error is a classified enrichment failure.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Errorf creates a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// KindOf extracts the classification from an error. Unclassified errors are
// treated as transient: failing a batch permanently on an error we have not
// seen before is worse than one wasted retry.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Retryable reports whether the retry controller may re-attempt after this
// error. Malformed responses are retryable within the shared budget.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient, KindMalformed:
		return true
	}
	return false
}
