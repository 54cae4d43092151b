package reservation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/kvstore"
)

func TestCancelReleasesLockAndDeletesBooking(t *testing.T) {
	store := newFaultStore()
	engine := newEngine(store)
	checked := check(t, draft("u1", "Driver A", "2025-01-02T09:00:00"))
	res, err := engine.Reserve(context.Background(), checked)
	require.NoError(t, err)

	cancelled, err := engine.Cancel(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, res.Booking.ID, cancelled.ID)

	_, ok := lockValue(t, store, checked.Slot())
	require.False(t, ok)
	require.Zero(t, bookingCount(t, store))

	// the slot can be booked again
	_, err = engine.Reserve(context.Background(), check(t, draft("u2", "Driver A", "2025-01-02T09:00:00")))
	require.NoError(t, err)
}

func TestCancelTwiceIsNotFound(t *testing.T) {
	store := newFaultStore()
	engine := newEngine(store)
	res, err := engine.Reserve(context.Background(), check(t, draft("u1", "Driver A", "2025-01-02T09:00:00")))
	require.NoError(t, err)
	_, err = engine.Cancel(context.Background(), res.Booking.ID)
	require.NoError(t, err)

	calls := store.lockTxCalls
	_, err = engine.Cancel(context.Background(), res.Booking.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, calls, store.lockTxCalls)
}

func TestCancelDeletesBookingWhenReleaseFails(t *testing.T) {
	store := newFaultStore()
	engine := newEngine(store)
	checked := check(t, draft("u1", "Driver A", "2025-01-02T09:00:00"))
	res, err := engine.Reserve(context.Background(), checked)
	require.NoError(t, err)

	store.lockTxErrs = []error{kvstore.ErrUnavailable}
	_, err = engine.Cancel(context.Background(), res.Booking.ID)
	require.NoError(t, err)

	exists, err := repository.New(store).BookingExists(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	require.False(t, exists)
	lock, ok := lockValue(t, store, checked.Slot())
	require.True(t, ok)
	require.True(t, lock.BoundTo(res.Booking.ID))
}

func TestCancelLeavesForeignLockInPlace(t *testing.T) {
	store := newFaultStore()
	engine := newEngine(store)
	checked := check(t, draft("u1", "Driver A", "2025-01-02T09:00:00"))
	res, err := engine.Reserve(context.Background(), checked)
	require.NoError(t, err)

	require.NoError(t, store.Set(context.Background(), checked.Slot().Path(), domain.BoundLock("someone-else").Encode()))
	_, err = engine.Cancel(context.Background(), res.Booking.ID)
	require.NoError(t, err)

	lock, ok := lockValue(t, store, checked.Slot())
	require.True(t, ok)
	require.True(t, lock.BoundTo("someone-else"))
	require.Zero(t, bookingCount(t, store))
}

func TestCancelForOtherUserIsNotFound(t *testing.T) {
	store := newFaultStore()
	engine := newEngine(store)
	res, err := engine.Reserve(context.Background(), check(t, draft("u1", "Driver A", "2025-01-02T09:00:00")))
	require.NoError(t, err)

	_, err = engine.CancelFor(context.Background(), "u2", res.Booking.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, 1, bookingCount(t, store))

	_, err = engine.CancelFor(context.Background(), "u1", res.Booking.ID)
	require.NoError(t, err)
}
