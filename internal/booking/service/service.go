package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/booking/reservation"
	"github.com/example/ridebook/internal/booking/validation"
)

// PhoneNotSet replaces a blank profile phone on new bookings.
const PhoneNotSet = "Phone not set"

// Service coordinates booking operations between handlers, the reservation
// engine and the repositories.
type Service struct {
	engine    *reservation.Engine
	validator *validation.Validator
	repo      *repository.Repository
	idem      *repository.IdempotencyRepo
	drivers   domain.DriverRegistry
	auth      domain.AuthProvider
	events    domain.EventPublisher
	clock     domain.Clock
	loc       *time.Location
	idemWait  time.Duration
	logger    *zap.Logger
}

// DefaultIdempotencyWait bounds how long a request waits for another request
// holding the same idempotency key.
const DefaultIdempotencyWait = 10 * time.Second

const idempotencyPoll = 50 * time.Millisecond

// Deps lists the collaborators of a Service. Drivers, Events and Idempotency
// are optional.
type Deps struct {
	Engine      *reservation.Engine
	Validator   *validation.Validator
	Repo        *repository.Repository
	Idempotency *repository.IdempotencyRepo
	Drivers     domain.DriverRegistry
	Auth        domain.AuthProvider
	Events      domain.EventPublisher
	Clock       domain.Clock
	Location    *time.Location
	Logger      *zap.Logger
	// IdempotencyWait defaults to DefaultIdempotencyWait.
	IdempotencyWait time.Duration
}

// New constructs a Service.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = domain.SystemClock{}
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.IdempotencyWait <= 0 {
		d.IdempotencyWait = DefaultIdempotencyWait
	}
	return &Service{
		engine:    d.Engine,
		validator: d.Validator,
		repo:      d.Repo,
		idem:      d.Idempotency,
		drivers:   d.Drivers,
		auth:      d.Auth,
		events:    d.Events,
		clock:     d.Clock,
		loc:       d.Location,
		idemWait:  d.IdempotencyWait,
		logger:    d.Logger.Named("booking.service"),
	}
}

// CreateBookingRequest is the rider supplied part of a booking. Name and phone
// come from the rider profile.
type CreateBookingRequest struct {
	UserLocation   domain.GeoPoint    `json:"userLocation"`
	DriverID       string             `json:"driverId"`
	DriverLocation *domain.GeoPoint   `json:"driverLocation,omitempty"`
	Destination    domain.Destination `json:"destination"`
	TripDateTime   string             `json:"tripDateTime"`
	PaymentType    domain.PaymentType `json:"paymentType"`
}

// CreateBooking books a slot for the authenticated rider. A non-empty key
// makes repeated calls, including concurrent ones, return the first result.
func (s *Service) CreateBooking(ctx context.Context, key string, req CreateBookingRequest) (reservation.Reservation, error) {
	uid, err := s.currentUID(ctx)
	if err != nil {
		return reservation.Reservation{}, err
	}
	owned := false
	if key != "" && s.idem != nil {
		cached, replayed, claimed, err := s.claimKey(ctx, uid, key)
		if err != nil {
			return reservation.Reservation{}, err
		}
		if replayed {
			return cached, nil
		}
		owned = claimed
	}

	res, err := s.book(ctx, uid, req)
	if owned {
		s.settleKey(ctx, uid, key, res, err)
	}
	if err != nil {
		return reservation.Reservation{}, err
	}
	eventType := domain.EventBookingConfirmed
	if res.Degraded {
		eventType = domain.EventBookingDegraded
	}
	s.publish(ctx, eventType, res.Booking)
	return res, nil
}

func (s *Service) book(ctx context.Context, uid string, req CreateBookingRequest) (reservation.Reservation, error) {
	profile, err := s.repo.GetProfile(ctx, uid)
	if err != nil {
		return reservation.Reservation{}, err
	}
	phone := profile.Phone
	if strings.TrimSpace(phone) == "" {
		phone = PhoneNotSet
	}
	draft := domain.Draft{
		UserID:       uid,
		UserName:     profile.Name,
		UserPhone:    phone,
		UserLocation: req.UserLocation,
		DriverID:     req.DriverID,
		Destination:  req.Destination,
		TripDateTime: req.TripDateTime,
		PaymentType:  req.PaymentType,
	}
	known := s.lookupDriver(ctx, req.DriverID, &draft)
	if req.DriverLocation != nil {
		draft.DriverLocation = *req.DriverLocation
	}

	checked, err := s.validator.Validate(draft)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if !known {
		return reservation.Reservation{}, &domain.ValidationError{Reason: domain.ReasonUnknownDriver, Field: "driverId"}
	}
	return s.engine.Reserve(ctx, checked)
}

// claimKey either claims key for this request or resolves it to the booking
// an earlier request made, waiting while another request holds it. A store
// failure on the key lets the request through unclaimed.
func (s *Service) claimKey(ctx context.Context, uid, key string) (cached reservation.Reservation, replayed, claimed bool, err error) {
	deadline := time.NewTimer(s.idemWait)
	defer deadline.Stop()
	for {
		entry, ok, err := s.idem.Claim(ctx, uid, key, s.clock.Now())
		if err != nil {
			s.logger.Warn("idempotency claim failed", zap.String("user_id", uid), zap.Error(err))
			return reservation.Reservation{}, false, false, nil
		}
		if ok {
			return reservation.Reservation{}, false, true, nil
		}
		if !entry.Pending {
			b, err := s.repo.GetBooking(ctx, entry.BookingID)
			if err == nil {
				return reservation.Reservation{Booking: b, Degraded: entry.Degraded}, true, false, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return reservation.Reservation{}, false, false, err
			}
			// cancelled since; the key starts afresh
			if err := s.idem.Forget(ctx, uid, key); err != nil {
				s.logger.Warn("idempotency record not cleared", zap.String("user_id", uid), zap.Error(err))
				return reservation.Reservation{}, false, false, nil
			}
			continue
		}
		poll := time.NewTimer(idempotencyPoll)
		select {
		case <-ctx.Done():
			poll.Stop()
			return reservation.Reservation{}, false, false, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return reservation.Reservation{}, false, false, domain.ErrRequestInFlight
		case <-poll.C:
		}
	}
}

// settleKey records the result under a claimed key, or releases the key when
// the request failed so a retry can run.
func (s *Service) settleKey(ctx context.Context, uid, key string, res reservation.Reservation, err error) {
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if ferr := s.idem.Forget(ctx, uid, key); ferr != nil {
			s.logger.Warn("idempotency claim not released", zap.String("user_id", uid), zap.Error(ferr))
		}
		return
	}
	if err := s.idem.Remember(ctx, uid, key, res.Booking.ID, res.Degraded); err != nil {
		s.logger.Warn("idempotency record not stored", zap.String("booking_id", res.Booking.ID), zap.Error(err))
	}
}

// lookupDriver fills the driver position from the registry and reports
// whether the driver may be booked. A registry failure lets the flow through.
func (s *Service) lookupDriver(ctx context.Context, driverID string, draft *domain.Draft) bool {
	if s.drivers == nil || strings.TrimSpace(driverID) == "" {
		return true
	}
	d, ok, err := s.drivers.Get(ctx, driverID)
	if err != nil {
		s.logger.Warn("driver registry lookup failed", zap.String("driver_id", driverID), zap.Error(err))
		return true
	}
	if ok {
		draft.DriverLocation = d.Location
	}
	return ok
}

// ListBookings returns the caller's bookings, newest first.
func (s *Service) ListBookings(ctx context.Context) ([]domain.Booking, error) {
	uid, err := s.currentUID(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByUser(ctx, uid)
}

// GetBooking returns one of the caller's bookings.
func (s *Service) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	uid, err := s.currentUID(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.UserID != uid {
		return domain.Booking{}, domain.ErrNotFound
	}
	return b, nil
}

// CancelBooking cancels one of the caller's bookings.
func (s *Service) CancelBooking(ctx context.Context, id string) (domain.Booking, error) {
	uid, err := s.currentUID(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	b, err := s.engine.CancelFor(ctx, uid, id)
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, domain.EventBookingCancelled, b)
	return b, nil
}

// ProfileRequest carries the editable profile fields.
type ProfileRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// RegisterProfile creates or updates users/{uid}. The creation time of an
// existing profile is kept.
func (s *Service) RegisterProfile(ctx context.Context, req ProfileRequest) (domain.UserProfile, error) {
	uid, err := s.currentUID(ctx)
	if err != nil {
		return domain.UserProfile{}, err
	}
	profile := domain.UserProfile{
		Name:  strings.TrimSpace(req.Name),
		Phone: strings.TrimSpace(req.Phone),
		Email: strings.TrimSpace(req.Email),
	}
	if err := s.validator.ValidateProfile(profile); err != nil {
		return domain.UserProfile{}, err
	}
	existing, err := s.repo.GetProfile(ctx, uid)
	switch {
	case err == nil:
		profile.CreatedAt = existing.CreatedAt
	case errors.Is(err, domain.ErrProfileNotFound):
		profile.CreatedAt = s.clock.Now().UTC().Format(time.RFC3339)
	default:
		return domain.UserProfile{}, err
	}
	if err := s.repo.PutProfile(ctx, uid, profile); err != nil {
		return domain.UserProfile{}, err
	}
	return profile, nil
}

// Drivers lists the bookable drivers.
func (s *Service) Drivers(ctx context.Context) ([]domain.Driver, error) {
	if s.drivers == nil {
		return nil, nil
	}
	return s.drivers.List(ctx)
}

// Availability is the advisory slot check. It returns the canonical trip time
// it looked up.
func (s *Service) Availability(ctx context.Context, driverID, at string) (bool, string, error) {
	if strings.TrimSpace(driverID) == "" {
		return false, "", &domain.ValidationError{Reason: domain.ReasonMissingField, Field: "driverId"}
	}
	canonical, _, err := domain.CanonicalTripDateTime(at, s.loc)
	if err != nil {
		return false, "", &domain.ValidationError{Reason: domain.ReasonInvalidTripDateTime, Field: "at"}
	}
	slot := domain.SlotKey{DriverID: driverID, TripDateTime: canonical}
	return s.engine.Available(ctx, slot), canonical, nil
}

func (s *Service) currentUID(ctx context.Context) (string, error) {
	if s.auth == nil {
		return "", domain.ErrUnauthenticated
	}
	uid, ok := s.auth.CurrentUID(ctx)
	if !ok || uid == "" {
		return "", domain.ErrUnauthenticated
	}
	return uid, nil
}

func (s *Service) publish(ctx context.Context, t domain.EventType, b domain.Booking) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, domain.BookingEvent{
		Type:         t,
		BookingID:    b.ID,
		UserID:       b.UserID,
		DriverID:     b.DriverID,
		TripDateTime: b.TripDateTime,
		OccurredAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("booking event not published", zap.String("type", string(t)), zap.String("booking_id", b.ID), zap.Error(err))
	}
}
