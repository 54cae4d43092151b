package domain

import (
	"errors"
	"fmt"

	"github.com/example/ridebook/internal/kvstore"
)

var (
	ErrValidation       = errors.New("invalid booking")
	ErrDuplicateBooking = errors.New("user already has a booking with this driver on this date")
	ErrSlotTaken        = errors.New("driver already booked at this time")
	ErrNotFound         = errors.New("booking not found")
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrProfileNotFound  = errors.New("user profile not found")
	// ErrCommitFailed means the slot was claimed but the booking could not be
	// written; no booking exists afterwards.
	ErrCommitFailed = errors.New("booking commit failed")
	// ErrRequestInFlight means another request with the same idempotency key
	// has not finished within the wait.
	ErrRequestInFlight = errors.New("request with this idempotency key is still in progress")
)

type Reason string

const (
	ReasonMissingField          Reason = "missing_field"
	ReasonCoordinateOutOfRange  Reason = "coordinate_out_of_range"
	ReasonInvalidTripDateTime   Reason = "invalid_trip_datetime"
	ReasonTripDateTimeNotFuture Reason = "trip_datetime_not_future"
	ReasonInvalidPaymentType    Reason = "invalid_payment_type"
	ReasonUnknownDriver         Reason = "unknown_driver"
	ReasonInvalidEmail          Reason = "invalid_email"
)

// ValidationError is a client-correctable rejection. No store call has been made.
type ValidationError struct {
	Reason Reason
	Field  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid booking: %s", e.Reason)
	}
	return fmt.Sprintf("invalid booking: %s: %s", e.Reason, e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StoreError wraps a store failure that ended a flow.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// Transient reports whether the failure is a network, availability or
// contention class.
func (e *StoreError) Transient() bool { return kvstore.IsTransient(e.Err) }
