// Package retry runs operations against the inference oracle with bounded
// retries and exponential backoff. Failures are classified by an explicit
// Kind raised by the caller, never by inspecting error text.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a failed attempt.
type Kind string

const (
	KindRateLimited     Kind = "rate_limited"
	KindServer          Kind = "server"
	KindTimeout         Kind = "timeout"
	KindConnectionReset Kind = "connection_reset"
	KindMalformed       Kind = "malformed"
	KindPermanent       Kind = "permanent"
)

// Error is a classified failure. Status is the HTTP status when the failure
// came from a response, zero otherwise.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// HTTPStatus classifies a non-success HTTP status.
func HTTPStatus(status int, body string) error {
	kind := KindPermanent
	switch {
	case status == 429:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Status: status, Err: fmt.Errorf("unexpected status: %s", body)}
}

// KindOf reports the kind of err. Tagged errors win; untagged transport
// failures are classified by type, and anything else is permanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindConnectionReset
	}
	return KindPermanent
}

// Classify tags err with its kind unless it is already tagged or is a
// caller cancellation.
func Classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Kind: KindOf(err), Err: err}
}
