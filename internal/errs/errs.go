// Package errs classifies delivery failures so the worker pool knows whether a
// job deserves another attempt.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind separates transient failures from ones that will never succeed.
type Kind int

const (
	KindRetryable Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps a cause with its classification and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable marks err as transient: the queue should try again later.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Permanent marks err as terminal: retrying cannot help.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsPermanent reports whether any error in the chain is classified permanent.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPermanent
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// retryable; the attempt budget bounds them anyway.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// FromContext converts a deadline or cancellation on an outbound call into a
// retryable failure, leaving other errors untouched.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable(op, err)
	}
	return err
}
