package broker

import (
	"errors"
	"fmt"
)

// Error represents a broker error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for broker operations.
const (
	// ErrCodeValidation indicates a malformed spec, unknown query syntax,
	// or conflicting QoS. Rejected synchronously, no state change.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeNotFound indicates an exact get/unsubscribe/erase referenced
	// an unknown topic or subscription.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeAuthorization indicates the caller is not authorized for the
	// requested action. No state change; logged for audit.
	ErrCodeAuthorization = "AUTHORIZATION_ERROR"

	// ErrCodeDelivery indicates a failure during fan-out, after the publish
	// was already accepted. Never surfaced synchronously to the publisher.
	ErrCodeDelivery = "DELIVERY_ERROR"

	// ErrCodeQueueFull indicates a bounded delivery queue rejected an entry.
	// Callers must treat this as a reportable condition, never a silent drop.
	ErrCodeQueueFull = "QUEUE_FULL"

	// ErrCodeInternal indicates an invariant violation (negative reference
	// count, timer firing on a DEAD topic). Contained per-topic.
	ErrCodeInternal = "INTERNAL_ERROR"

	// ErrCodeConfiguration indicates invalid service configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates a persistence adapter failure.
	ErrCodeDatabase = "DATABASE_ERROR"
)

// Common errors.
var (
	// ErrInvalidConfiguration is returned when service configuration is invalid.
	ErrInvalidConfiguration = &Error{
		Code:    ErrCodeConfiguration,
		Message: "invalid broker configuration",
	}

	// ErrNoData is returned by persistence adapters when no row exists.
	ErrNoData = &Error{
		Code:    ErrCodeNotFound,
		Message: "no data found",
	}

	// ErrQueueFull is returned when a bounded delivery queue is at capacity.
	ErrQueueFull = &Error{
		Code:    ErrCodeQueueFull,
		Message: "delivery queue is full",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// errorCode extracts the broker error code from err, or "" if err is not a *Error.
func errorCode(err error) string {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Code
	}
	return ""
}

// IsNotFound checks if an error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return errorCode(err) == ErrCodeNotFound
}

// IsValidation checks if an error carries the VALIDATION_ERROR code.
func IsValidation(err error) bool {
	return errorCode(err) == ErrCodeValidation
}

// IsAuthorization checks if an error carries the AUTHORIZATION_ERROR code.
func IsAuthorization(err error) bool {
	return errorCode(err) == ErrCodeAuthorization
}

// IsQueueFull checks if an error carries the QUEUE_FULL code.
func IsQueueFull(err error) bool {
	return errorCode(err) == ErrCodeQueueFull
}

// DeliveryError wraps a failed delivery with the classification the
// ErrorHandler needs to decide between dropping a single message and
// terminating the whole subscriber session.
//
// Fatal errors indicate the subscriber's delivery channel is fundamentally
// gone (connection torn down, session vanished). Non-fatal errors are
// content-level rejections or transient transport hiccups, terminal for one
// message at most.
type DeliveryError struct {
	SubscriberID string // Session whose delivery failed
	Fatal        bool   // Channel-level failure, not a content rejection
	Err          error  // Underlying cause
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s: %s delivery failure for subscriber %s: %v",
		ErrCodeDelivery, kind, e.SubscriberID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError creates a transient (retriable) delivery error.
func NewDeliveryError(subscriberID string, cause error) *DeliveryError {
	return &DeliveryError{SubscriberID: subscriberID, Err: cause}
}

// NewFatalDeliveryError creates a delivery error that marks the subscriber's
// channel as gone. The ErrorHandler drains the session on sight of one.
func NewFatalDeliveryError(subscriberID string, cause error) *DeliveryError {
	return &DeliveryError{SubscriberID: subscriberID, Fatal: true, Err: cause}
}

// IsFatalDelivery reports whether err is a channel-level delivery failure.
func IsFatalDelivery(err error) bool {
	var deliveryErr *DeliveryError
	return errors.As(err, &deliveryErr) && deliveryErr.Fatal
}
