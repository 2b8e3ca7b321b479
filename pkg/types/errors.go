package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEventID       = errors.New("event ID must be 1-64 characters, lowercase alphanumeric + underscore/hyphen only")
	ErrInvalidContent       = errors.New("message content must be 1-10000 characters")
	ErrRecipientUnreachable = errors.New("recipient unreachable")
)

// AdmissionReason says why a join was refused.
type AdmissionReason int

const (
	EventNotFound AdmissionReason = iota + 1
	LookupFailed
)

func (r AdmissionReason) String() string {
	switch r {
	case EventNotFound:
		return "event_not_found"
	case LookupFailed:
		return "lookup_failed"
	default:
		return "unknown"
	}
}

// AdmissionError is returned by the admission gate. Every AdmissionError means the
// connection has been forcibly disconnected.
type AdmissionError struct {
	Reason  AdmissionReason
	EventID string
	Err     error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission refused for event %q (%s): %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("admission refused for event %q (%s)", e.EventID, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// DeliveryError records a frame that could not be queued for one member.
// It is logged and skipped, never retried.
type DeliveryError struct {
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRecipientUnreachable) match every delivery failure.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrRecipientUnreachable
}
