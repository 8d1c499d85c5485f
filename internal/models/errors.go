package models

import "errors"

// ErrorKind classifies checkout failures so callers can choose between
// re-selecting tickets and retrying the same action
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "VALIDATION"
	ErrorKindCapacity      ErrorKind = "CAPACITY"
	ErrorKindExpired       ErrorKind = "EXPIRED"
	ErrorKindPaymentFailed ErrorKind = "PAYMENT_FAILED"
	ErrorKindNetwork       ErrorKind = "NETWORK"
)

// Message shown when the local clock abandons a hold
const MessageReservationExpired = "reservation expired"

// CheckoutError is the single user-facing error a checkout step can surface
type CheckoutError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *CheckoutError) Error() string {
	return e.Message
}

// NewCheckoutError creates a checkout error of the given kind
func NewCheckoutError(kind ErrorKind, message string) *CheckoutError {
	return &CheckoutError{Kind: kind, Message: message}
}

// KindOf returns the checkout error kind carried by err, defaulting to NETWORK
func KindOf(err error) ErrorKind {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorKindNetwork
}

// AsCheckoutError converts any error into a user-facing checkout error.
// Errors that are not already classified are reported as network failures
// without leaking their internal text.
func AsCheckoutError(err error) *CheckoutError {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce
	}
	return NewCheckoutError(ErrorKindNetwork, "Unable to reach the events service. Please try again.")
}
