package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// ErrExhausted marks a transient failure that ran out of attempts.
var ErrExhausted = errors.New("retry ceiling reached")

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Permanent marks err as not recoverable by retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Exhausted converts a transient failure into a permanent one after n attempts.
func Exhausted(err error, n int) error {
	return Permanent(fmt.Errorf("%w after %d attempts: %w", ErrExhausted, n, err))
}

// Classify decides whether err is transient. Explicitly marked errors win;
// network timeouts and connection failures are transient; everything else,
// including cancellation of the whole run, is permanent.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassPermanent
}
