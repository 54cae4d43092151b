package domain

import (
	"errors"

	"github.com/example/ridebook/internal/kvstore"
)

// Outcome is the caller-facing result class of a booking flow.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeDegradedSuccess     Outcome = "degraded_success"
	OutcomeCancelled           Outcome = "cancelled"
	OutcomeValidationError     Outcome = "validation_error"
	OutcomeDuplicateBooking    Outcome = "duplicate_booking"
	OutcomeSlotTaken           Outcome = "slot_taken"
	OutcomeNotFound            Outcome = "not_found"
	OutcomeUnauthenticated     Outcome = "unauthenticated"
	OutcomeProfileNotFound     Outcome = "profile_not_found"
	OutcomeAuthorizationDenied Outcome = "authorization_denied"
	OutcomeTransientFailure    Outcome = "transient_failure"
	OutcomePermanentFailure    Outcome = "permanent_failure"
	OutcomeStoreError          Outcome = "store_error"
)

// OutcomeOf classifies the error returned by a booking flow. A nil error is
// OutcomeSuccess; degraded results are reported by the reservation itself.
func OutcomeOf(err error) Outcome {
	var storeErr *StoreError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrValidation):
		return OutcomeValidationError
	case errors.Is(err, ErrDuplicateBooking):
		return OutcomeDuplicateBooking
	case errors.Is(err, ErrSlotTaken):
		return OutcomeSlotTaken
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrUnauthenticated):
		return OutcomeUnauthenticated
	case errors.Is(err, ErrProfileNotFound):
		return OutcomeProfileNotFound
	case errors.Is(err, ErrCommitFailed):
		return OutcomePermanentFailure
	case errors.Is(err, ErrRequestInFlight):
		return OutcomeTransientFailure
	case errors.Is(err, kvstore.ErrPermissionDenied):
		return OutcomeAuthorizationDenied
	case errors.As(err, &storeErr) && storeErr.Transient():
		return OutcomeTransientFailure
	case kvstore.IsTransient(err):
		return OutcomeTransientFailure
	default:
		return OutcomeStoreError
	}
}

var reasonMessages = map[Reason]string{
	ReasonMissingField:          "Required field is missing",
	ReasonCoordinateOutOfRange:  "Please select a valid location",
	ReasonInvalidTripDateTime:   "Invalid trip date/time format",
	ReasonTripDateTimeNotFuture: "Please select a future date and time",
	ReasonInvalidPaymentType:    "Choose payment type",
	ReasonUnknownDriver:         "Selected driver is not available for booking",
	ReasonInvalidEmail:          "Please enter a valid email address",
}

// Message returns the user-facing text for the outcome of err. Unclassified
// store errors surface their underlying message.
func Message(err error) string {
	switch OutcomeOf(err) {
	case OutcomeSuccess:
		return "Booking confirmed"
	case OutcomeValidationError:
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			if vErr.Reason == ReasonMissingField && vErr.Field != "" {
				return vErr.Field + " is required"
			}
			if msg, ok := reasonMessages[vErr.Reason]; ok {
				return msg
			}
		}
		return "Invalid booking data"
	case OutcomeDuplicateBooking:
		return "You already have a booking with this driver on this day. Please select a different driver or date."
	case OutcomeSlotTaken:
		return "Driver already booked at this time"
	case OutcomeNotFound:
		return "Booking not found"
	case OutcomeUnauthenticated:
		return "Not logged in"
	case OutcomeProfileNotFound:
		return "User data not found"
	case OutcomeAuthorizationDenied:
		return "Permission denied. Please check your account status."
	case OutcomeTransientFailure:
		if errors.Is(err, ErrRequestInFlight) {
			return "This booking request is still being processed. Please try again shortly."
		}
		if errors.Is(err, kvstore.ErrNetwork) {
			return "Network error. Please check your connection."
		}
		return "Database temporarily unavailable. Please try again."
	case OutcomePermanentFailure:
		return "Failed to create booking"
	default:
		var storeErr *StoreError
		if errors.As(err, &storeErr) {
			return storeErr.Err.Error()
		}
		return err.Error()
	}
}

// DegradedMessage is shown when a booking was stored without a slot lock.
const DegradedMessage = "Booking created successfully! (Note: Driver lock not acquired)"
