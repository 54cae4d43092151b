// Package validation turns an untrusted booking draft into a checked record.
// It is the only way to obtain a Checked value, which is what the reservation
// engine accepts.
package validation

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/example/ridebook/internal/booking/domain"
)

// Checked is a booking that passed every check. The zero value is not valid.
type Checked struct {
	booking domain.Booking
	trip    time.Time
}

// Booking returns the canonicalized record (no id, no creation time yet).
func (c Checked) Booking() domain.Booking { return c.booking }

// Slot returns the lock key of the booking.
func (c Checked) Slot() domain.SlotKey { return c.booking.Slot() }

// TripTime returns the parsed trip time.
func (c Checked) TripTime() time.Time { return c.trip }

// Validator checks drafts. It has no side effects.
type Validator struct {
	validate *validator.Validate
	clock    domain.Clock
	loc      *time.Location
}

// New builds a validator. Trip times are interpreted in loc (time.Local when nil).
func New(clock domain.Clock, loc *time.Location) *Validator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if loc == nil {
		loc = time.Local
	}
	v := validator.New()
	// registration only fails on an empty tag or nil func
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v, clock: clock, loc: loc}
}

// Validate runs, in order: required fields, coordinate ranges, trip time
// format, trip time in the future, payment type.
func (v *Validator) Validate(d domain.Draft) (Checked, error) {
	if err := v.structural(d); err != nil {
		return Checked{}, err
	}
	canonical, trip, err := domain.CanonicalTripDateTime(d.TripDateTime, v.loc)
	if err != nil {
		return Checked{}, &domain.ValidationError{Reason: domain.ReasonInvalidTripDateTime, Field: "tripDateTime"}
	}
	if !trip.After(v.clock.Now()) {
		return Checked{}, &domain.ValidationError{Reason: domain.ReasonTripDateTimeNotFuture, Field: "tripDateTime"}
	}
	if !d.PaymentType.Valid() {
		return Checked{}, &domain.ValidationError{Reason: domain.ReasonInvalidPaymentType, Field: "paymentType"}
	}
	d.TripDateTime = canonical
	return Checked{booking: domain.Booking{Draft: d}, trip: trip}, nil
}

// ValidateProfile checks a rider profile before it is stored.
func (v *Validator) ValidateProfile(p domain.UserProfile) error {
	err := v.validate.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &domain.ValidationError{Reason: domain.ReasonMissingField}
	}
	fe := fieldErrs[0]
	if fe.Tag() == "email" {
		return &domain.ValidationError{Reason: domain.ReasonInvalidEmail, Field: fieldPath(fe)}
	}
	return &domain.ValidationError{Reason: domain.ReasonMissingField, Field: fieldPath(fe)}
}

func (v *Validator) structural(d domain.Draft) error {
	err := v.validate.Struct(d)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &domain.ValidationError{Reason: domain.ReasonMissingField}
	}
	// blank fields win over range errors regardless of struct order
	for _, fe := range fieldErrs {
		if fe.Tag() == "notblank" || fe.Tag() == "required" {
			return &domain.ValidationError{Reason: domain.ReasonMissingField, Field: fieldPath(fe)}
		}
	}
	fe := fieldErrs[0]
	return &domain.ValidationError{Reason: domain.ReasonCoordinateOutOfRange, Field: fieldPath(fe)}
}

// fieldPath drops the root struct name: "Draft.destination.lat" -> "destination.lat".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
