package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Class groups errors by how callers should react to them.
type Class int

const (
	ClassTransient Class = iota
	ClassAuthentication
	ClassValidation
	ClassNotFound
	ClassAuthorization
	ClassStateConflict
	ClassRateLimited
)

type classified struct {
	msg   string
	class Class
}

func (e *classified) Error() string { return e.msg }

func newError(class Class, msg string) error {
	return &classified{msg: msg, class: class}
}

var (
	ErrSignatureInvalid = newError(ClassAuthentication, "invalid webhook signature")
	ErrUnauthenticated  = newError(ClassAuthentication, "authentication required")

	ErrMalformedEvent = newError(ClassValidation, "malformed payment event")
	ErrInvalidOrder   = newError(ClassValidation, "invalid order")
	ErrInvalidRefund  = newError(ClassValidation, "invalid refund amount")

	ErrOrderNotFound = newError(ClassNotFound, "order not found")
	ErrGrantNotFound = newError(ClassNotFound, "grant not found")
	ErrTokenNotFound = newError(ClassNotFound, "download token not found")
	ErrFileNotFound  = newError(ClassNotFound, "file not found")

	ErrNotGrantOwner = newError(ClassAuthorization, "grant belongs to another buyer")

	ErrInvalidTransition  = newError(ClassStateConflict, "invalid order status transition")
	ErrGrantInvalid       = newError(ClassStateConflict, "grant is expired or exhausted")
	ErrTokenInvalid       = newError(ClassStateConflict, "download token expired or already used")
	ErrPaymentNotVerified = newError(ClassStateConflict, "payment could not be verified")
)

// RateLimitedError is returned when token issuance for a grant is throttled.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ClassOf walks the wrap chain and returns the class of the first classified error.
// Anything unclassified is transient.
func ClassOf(err error) Class {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassTransient
}
