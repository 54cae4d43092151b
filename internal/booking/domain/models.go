package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TripDateTimeLayout is the canonical, offset-free trip time (19 characters).
const TripDateTimeLayout = "2006-01-02T15:04:05"

// accepted input layouts, canonical first.
var tripDateTimeInputs = []string{
	TripDateTimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ErrNonexistentLocalTime is returned for a wall-clock time that the zone
// skips, such as the hour lost when daylight saving time starts.
var ErrNonexistentLocalTime = errors.New("local time does not exist in zone")

// CanonicalTripDateTime parses raw in loc and returns it in TripDateTimeLayout.
// The canonical string always carries the wall clock the caller wrote.
func CanonicalTripDateTime(raw string, loc *time.Location) (string, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range tripDateTimeInputs {
		wall, err := time.Parse(layout, s)
		if err != nil {
			lastErr = err
			continue
		}
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			return "", time.Time{}, err
		}
		canonical := wall.Format(TripDateTimeLayout)
		if t.Format(TripDateTimeLayout) != canonical {
			return "", time.Time{}, fmt.Errorf("%s in %s: %w", canonical, loc, ErrNonexistentLocalTime)
		}
		return canonical, t, nil
	}
	return "", time.Time{}, lastErr
}

type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

type Destination struct {
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
	Address string  `json:"address" validate:"notblank"`
}

type PaymentType string

const (
	PaymentCash       PaymentType = "Cash"
	PaymentCreditCard PaymentType = "CreditCard"
)

// Valid reports whether p is one of the accepted payment types.
func (p PaymentType) Valid() bool {
	return p == PaymentCash || p == PaymentCreditCard
}

// Draft is an untrusted booking request. Nothing about it holds until it has
// been through validation.
type Draft struct {
	UserID         string      `json:"userId" validate:"notblank"`
	UserName       string      `json:"userName" validate:"notblank"`
	UserPhone      string      `json:"userPhone" validate:"notblank"`
	UserLocation   GeoPoint    `json:"userLocation"`
	DriverID       string      `json:"driverId" validate:"notblank"`
	DriverLocation GeoPoint    `json:"driverLocation"`
	Destination    Destination `json:"destination"`
	TripDateTime   string      `json:"tripDateTime" validate:"notblank"`
	PaymentType    PaymentType `json:"paymentType" validate:"notblank"`
}

// Booking is the persisted record. TripDateTime is canonical; ID is the key
// under BookingsRoot and is not part of the stored document.
type Booking struct {
	Draft
	ID        string `json:"-"`
	CreatedAt string `json:"bookingCreatedAt"`
}

// Slot returns the lock key the booking occupies.
func (b Booking) Slot() SlotKey {
	return SlotKey{DriverID: b.DriverID, TripDateTime: b.TripDateTime}
}

// UserProfile lives at users/{uid}.
type UserProfile struct {
	Name      string `json:"name" validate:"notblank"`
	Phone     string `json:"phone"`
	Email     string `json:"email" validate:"notblank,email"`
	CreatedAt string `json:"createdAt"`
}

type Driver struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Location GeoPoint `json:"location"`
}

// DriverRegistry supplies the current roster and positions.
type DriverRegistry interface {
	List(ctx context.Context) ([]Driver, error)
	Get(ctx context.Context, id string) (Driver, bool, error)
}

// AuthProvider supplies the authenticated uid for the request.
type AuthProvider interface {
	CurrentUID(ctx context.Context) (string, bool)
}

type EventType string

const (
	EventBookingConfirmed EventType = "BookingConfirmed"
	EventBookingDegraded  EventType = "BookingDegraded"
	EventBookingCancelled EventType = "BookingCancelled"
)

type BookingEvent struct {
	Type         EventType `json:"type"`
	BookingID    string    `json:"booking_id"`
	UserID       string    `json:"user_id"`
	DriverID     string    `json:"driver_id"`
	TripDateTime string    `json:"trip_date_time"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
