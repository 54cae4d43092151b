package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/kvstore"
)

func TestSlotPathSanitizesDriverID(t *testing.T) {
	key := domain.SlotKey{DriverID: "drv.a#b$c[d]", TripDateTime: "2025-01-02T09:00:00"}
	require.Equal(t, "driver_locks/drv_a_b_c_d_/2025-01-02T09:00:00", key.Path())
}

func TestSlotLockEncoding(t *testing.T) {
	require.Nil(t, domain.FreeLock().Encode())

	pending, err := domain.DecodeSlotLock(domain.PendingLock().Encode())
	require.NoError(t, err)
	require.Equal(t, domain.LockPending, pending.State)

	bound, err := domain.DecodeSlotLock(domain.BoundLock("b-1").Encode())
	require.NoError(t, err)
	require.True(t, bound.BoundTo("b-1"))
	require.False(t, bound.BoundTo("b-2"))

	free, err := domain.DecodeSlotLock(nil)
	require.NoError(t, err)
	require.Equal(t, domain.LockFree, free.State)

	_, err = domain.DecodeSlotLock([]byte(`{"x":1}`))
	require.Error(t, err)
}

func TestCanonicalTripDateTime(t *testing.T) {
	cases := map[string]string{
		"2025-01-02T09:00:00": "2025-01-02T09:00:00",
		"2025-01-02 09:00:00": "2025-01-02T09:00:00",
		"2025-01-02 09:00":    "2025-01-02T09:00:00",
		"2025-01-02T09:00":    "2025-01-02T09:00:00",
		" 2025-01-02 14:30 ":  "2025-01-02T14:30:00",
	}
	for in, want := range cases {
		got, parsed, err := domain.CanonicalTripDateTime(in, time.UTC)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
		require.Equal(t, 2025, parsed.Year())
	}

	for _, bad := range []string{"", "tomorrow", "2025-13-01 09:00", "02/01/2025 09:00", "2025-01-02T09:00:00+01:00"} {
		_, _, err := domain.CanonicalTripDateTime(bad, time.UTC)
		require.Error(t, err, bad)
	}
}

func TestCanonicalTripDateTimeKeepsWallClock(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	for _, in := range []string{"2025-03-09 02:30", "2025-03-09T02:00:00", "2025-03-09 02:59:59"} {
		_, _, err := domain.CanonicalTripDateTime(in, ny)
		require.ErrorIs(t, err, domain.ErrNonexistentLocalTime, in)
	}

	got, parsed, err := domain.CanonicalTripDateTime("2025-03-09 03:30", ny)
	require.NoError(t, err)
	require.Equal(t, "2025-03-09T03:30:00", got)
	require.Equal(t, 3, parsed.Hour())

	// the repeated hour when daylight saving time ends is kept as written
	got, _, err = domain.CanonicalTripDateTime("2025-11-02 01:30", ny)
	require.NoError(t, err)
	require.Equal(t, "2025-11-02T01:30:00", got)

	got, _, err = domain.CanonicalTripDateTime("2025-01-02 9:05", ny)
	require.NoError(t, err)
	require.Equal(t, "2025-01-02T09:05:00", got)
}

func TestOutcomeOfAndMessage(t *testing.T) {
	unavailable := &domain.StoreError{Op: "claim slot", Err: fmt.Errorf("redis: %w", kvstore.ErrUnavailable)}
	network := &domain.StoreError{Op: "claim slot", Err: fmt.Errorf("redis: %w", kvstore.ErrNetwork)}
	unknown := &domain.StoreError{Op: "fallback write", Err: errors.New("ERR disk full")}

	cases := []struct {
		err     error
		outcome domain.Outcome
		message string
	}{
		{nil, domain.OutcomeSuccess, "Booking confirmed"},
		{&domain.ValidationError{Reason: domain.ReasonMissingField, Field: "userPhone"}, domain.OutcomeValidationError, "userPhone is required"},
		{&domain.ValidationError{Reason: domain.ReasonTripDateTimeNotFuture}, domain.OutcomeValidationError, "Please select a future date and time"},
		{domain.ErrDuplicateBooking, domain.OutcomeDuplicateBooking, "You already have a booking with this driver on this day. Please select a different driver or date."},
		{domain.ErrSlotTaken, domain.OutcomeSlotTaken, "Driver already booked at this time"},
		{fmt.Errorf("%w: %w", domain.ErrCommitFailed, errors.New("boom")), domain.OutcomePermanentFailure, "Failed to create booking"},
		{unavailable, domain.OutcomeTransientFailure, "Database temporarily unavailable. Please try again."},
		{network, domain.OutcomeTransientFailure, "Network error. Please check your connection."},
		{&domain.StoreError{Op: "x", Err: kvstore.ErrPermissionDenied}, domain.OutcomeAuthorizationDenied, "Permission denied. Please check your account status."},
		{&domain.StoreError{Op: "claim slot", Err: fmt.Errorf("redis transact: %w", kvstore.ErrMaxRetries)}, domain.OutcomeTransientFailure, "Database temporarily unavailable. Please try again."},
		{unknown, domain.OutcomeStoreError, "ERR disk full"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.outcome, domain.OutcomeOf(tc.err))
		require.Equal(t, tc.message, domain.Message(tc.err))
	}
}
