package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/booking/reservation"
	"github.com/example/ridebook/internal/booking/service"
	"github.com/example/ridebook/internal/booking/validation"
	"github.com/example/ridebook/internal/drivers"
	"github.com/example/ridebook/internal/kvstore"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.BookingEvent
	err    error
}

func (s *stubPublisher) Publish(_ context.Context, event domain.BookingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type uidKey struct{}

type stubAuth struct{}

func (stubAuth) CurrentUID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(uidKey{}).(string)
	return uid, ok
}

func as(uid string) context.Context {
	return context.WithValue(context.Background(), uidKey{}, uid)
}

type failingRegistry struct{}

func (failingRegistry) List(context.Context) ([]domain.Driver, error) {
	return nil, errors.New("registry down")
}

func (failingRegistry) Get(context.Context, string) (domain.Driver, bool, error) {
	return domain.Driver{}, false, errors.New("registry down")
}

type fixture struct {
	svc       *service.Service
	store     *kvstore.MemoryStore
	publisher *stubPublisher
}

func newFixture(t *testing.T, registry domain.DriverRegistry) fixture {
	t.Helper()
	return newFixtureWith(t, registry, 0)
}

func newFixtureWith(t *testing.T, registry domain.DriverRegistry, idemWait time.Duration) fixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	clock := stubClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	publisher := &stubPublisher{}
	if registry == nil {
		registry = drivers.NewMemoryRegistry(drivers.DefaultRoster())
	}
	svc := service.New(service.Deps{
		Engine:      reservation.NewEngine(store, clock, nil, reservation.Config{RetryDelay: time.Millisecond}),
		Validator:   validation.New(clock, time.UTC),
		Repo:        repository.New(store),
		Idempotency: repository.NewIdempotencyRepo(store),
		Drivers:     registry,
		Auth:        stubAuth{},
		Events:      publisher,
		Clock:       clock,
		Location:    time.UTC,

		IdempotencyWait: idemWait,
	})
	return fixture{svc: svc, store: store, publisher: publisher}
}

func (f fixture) register(t *testing.T, uid, phone string) {
	t.Helper()
	_, err := f.svc.RegisterProfile(as(uid), service.ProfileRequest{Name: "Rider " + uid, Phone: phone, Email: uid + "@example.com"})
	require.NoError(t, err)
}

func request(driverID, trip string) service.CreateBookingRequest {
	return service.CreateBookingRequest{
		UserLocation: domain.GeoPoint{Lat: 13.0615, Lng: 80.2338},
		DriverID:     driverID,
		Destination:  domain.Destination{Lat: 13.08, Lng: 80.27, Address: "Central Station"},
		TripDateTime: trip,
		PaymentType:  domain.PaymentCreditCard,
	}
}

func TestCreateBookingUsesProfileAndRegistry(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "")

	res, err := f.svc.CreateBooking(as("u1"), "", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	require.False(t, res.Degraded)

	b := res.Booking
	require.Equal(t, "u1", b.UserID)
	require.Equal(t, "Rider u1", b.UserName)
	require.Equal(t, service.PhoneNotSet, b.UserPhone)
	require.Equal(t, domain.GeoPoint{Lat: 13.068500, Lng: 80.234938}, b.DriverLocation)
	require.Equal(t, "2025-01-02T09:00:00", b.TripDateTime)

	require.Len(t, f.publisher.events, 1)
	require.Equal(t, domain.EventBookingConfirmed, f.publisher.events[0].Type)
	require.Equal(t, b.ID, f.publisher.events[0].BookingID)
}

func TestCreateBookingRequiresAuthAndProfile(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CreateBooking(context.Background(), "", request("Driver A", "2025-01-02 09:00"))
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = f.svc.CreateBooking(as("u1"), "", request("Driver A", "2025-01-02 09:00"))
	require.ErrorIs(t, err, domain.ErrProfileNotFound)
	require.Empty(t, f.publisher.events)
}

func TestCreateBookingRejectsUnknownDriver(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")
	_, err := f.svc.CreateBooking(as("u1"), "", request("Driver Z", "2025-01-02 09:00"))
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	require.Equal(t, domain.ReasonUnknownDriver, vErr.Reason)
	require.Equal(t, 1, f.store.Len())
}

func TestCreateBookingRegistryFailureFailsOpen(t *testing.T) {
	f := newFixture(t, failingRegistry{})
	f.register(t, "u1", "+1555")
	_, err := f.svc.CreateBooking(as("u1"), "", request("Driver Z", "2025-01-02 09:00"))
	require.NoError(t, err)
}

func TestCreateBookingIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")

	first, err := f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	again, err := f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	require.Equal(t, first.Booking.ID, again.Booking.ID)
	require.Len(t, f.publisher.events, 1)

	// same key under another user is independent
	f.register(t, "u2", "+1666")
	_, err = f.svc.CreateBooking(as("u2"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.ErrorIs(t, err, domain.ErrSlotTaken)
}

func TestCreateBookingConcurrentSameKey(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")

	const n = 8
	results := make([]reservation.Reservation, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Booking.ID, results[i].Booking.ID)
	}
	require.Len(t, f.publisher.events, 1)
}

func TestCreateBookingKeyHeldByOtherRequest(t *testing.T) {
	f := newFixtureWith(t, nil, 100*time.Millisecond)
	f.register(t, "u1", "+1555")
	idem := repository.NewIdempotencyRepo(f.store)
	_, claimed, err := idem.Claim(context.Background(), "u1", "key-1", time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.ErrorIs(t, err, domain.ErrRequestInFlight)
	require.Equal(t, domain.OutcomeTransientFailure, domain.OutcomeOf(err))
	require.Empty(t, f.publisher.events)
}

func TestCreateBookingFailureReleasesKey(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")

	_, err := f.svc.CreateBooking(as("u1"), "key-1", request("Driver Z", "2025-01-02 09:00"))
	require.ErrorIs(t, err, domain.ErrValidation)

	res, err := f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	require.Equal(t, "Driver A", res.Booking.DriverID)
}

func TestCreateBookingKeyOfCancelledBookingStartsAfresh(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")

	first, err := f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	_, err = f.svc.CancelBooking(as("u1"), first.Booking.ID)
	require.NoError(t, err)

	again, err := f.svc.CreateBooking(as("u1"), "key-1", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	require.NotEqual(t, first.Booking.ID, again.Booking.ID)
}

func TestPublishFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.publisher.err = errors.New("nats down")
	f.register(t, "u1", "+1555")
	_, err := f.svc.CreateBooking(as("u1"), "", request("Driver B", "2025-01-02 09:00"))
	require.NoError(t, err)
}

func TestListGetCancelScopedToOwner(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")
	f.register(t, "u2", "+1666")

	r1, err := f.svc.CreateBooking(as("u1"), "", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	_, err = f.svc.CreateBooking(as("u1"), "", request("Driver B", "2025-01-03 09:00"))
	require.NoError(t, err)
	_, err = f.svc.CreateBooking(as("u2"), "", request("Driver C", "2025-01-02 09:00"))
	require.NoError(t, err)

	list, err := f.svc.ListBookings(as("u1"))
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = f.svc.GetBooking(as("u2"), r1.Booking.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.CancelBooking(as("u2"), r1.Booking.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	cancelled, err := f.svc.CancelBooking(as("u1"), r1.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, r1.Booking.ID, cancelled.ID)
	last := f.publisher.events[len(f.publisher.events)-1]
	require.Equal(t, domain.EventBookingCancelled, last.Type)

	_, err = f.svc.CancelBooking(as("u1"), r1.Booking.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterProfileKeepsCreationTime(t *testing.T) {
	f := newFixture(t, nil)
	p, err := f.svc.RegisterProfile(as("u1"), service.ProfileRequest{Name: "Ann", Email: "ann@example.com"})
	require.NoError(t, err)
	require.Equal(t, "2025-01-01T12:00:00Z", p.CreatedAt)

	updated, err := f.svc.RegisterProfile(as("u1"), service.ProfileRequest{Name: "Ann B", Phone: "+1", Email: "ann@example.com"})
	require.NoError(t, err)
	require.Equal(t, p.CreatedAt, updated.CreatedAt)
	require.Equal(t, "Ann B", updated.Name)

	_, err = f.svc.RegisterProfile(as("u1"), service.ProfileRequest{Email: "ann@example.com"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", "+1555")

	ok, canonical, err := f.svc.Availability(as("u1"), "Driver A", "2025-01-02 09:00")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2025-01-02T09:00:00", canonical)

	_, err = f.svc.CreateBooking(as("u1"), "", request("Driver A", "2025-01-02 09:00"))
	require.NoError(t, err)
	ok, _, err = f.svc.Availability(as("u1"), "Driver A", "2025-01-02T09:00:00")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = f.svc.Availability(as("u1"), "Driver A", "tomorrow")
	require.ErrorIs(t, err, domain.ErrValidation)
}
