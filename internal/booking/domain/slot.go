package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/ridebook/internal/kvstore"
)

// Store roots.
const (
	BookingsRoot    = "bookings"
	LocksRoot       = "driver_locks"
	UsersRoot       = "users"
	IdempotencyRoot = "idempotency"
)

var keySanitizer = strings.NewReplacer(".", "_", "#", "_", "$", "_", "[", "_", "]", "_")

// SanitizeKey replaces characters the store key grammar forbids.
func SanitizeKey(s string) string {
	return keySanitizer.Replace(s)
}

func BookingPath(id string) string { return kvstore.Join(BookingsRoot, id) }

func UserPath(uid string) string { return kvstore.Join(UsersRoot, SanitizeKey(uid)) }

// SlotKey identifies a (driver, trip time) pair, the unit of exclusivity.
type SlotKey struct {
	DriverID     string
	TripDateTime string
}

// Path is driver_locks/{sanitizedDriverId}/{tripDateTime}.
func (k SlotKey) Path() string {
	return kvstore.Join(LocksRoot, SanitizeKey(k.DriverID), k.TripDateTime)
}

type LockState int

const (
	LockFree LockState = iota
	LockPending
	LockBound
)

func (s LockState) String() string {
	switch s {
	case LockPending:
		return "pending"
	case LockBound:
		return "bound"
	default:
		return "free"
	}
}

// pendingSentinel is the wire form of a claim whose booking id is not known yet.
const pendingSentinel = "LOCKED"

// SlotLock is the value stored at a slot path.
type SlotLock struct {
	State     LockState
	BookingID string
}

func FreeLock() SlotLock { return SlotLock{State: LockFree} }

func PendingLock() SlotLock { return SlotLock{State: LockPending} }

func BoundLock(bookingID string) SlotLock { return SlotLock{State: LockBound, BookingID: bookingID} }

// BoundTo reports whether the lock is owned by bookingID.
func (l SlotLock) BoundTo(bookingID string) bool {
	return l.State == LockBound && l.BookingID == bookingID
}

// Encode returns the stored JSON value; nil for Free.
func (l SlotLock) Encode() []byte {
	var s string
	switch l.State {
	case LockPending:
		s = pendingSentinel
	case LockBound:
		s = l.BookingID
	default:
		return nil
	}
	b, _ := json.Marshal(s)
	return b
}

// DecodeSlotLock parses a stored lock value.
func DecodeSlotLock(raw []byte) (SlotLock, error) {
	if raw == nil {
		return FreeLock(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return SlotLock{}, fmt.Errorf("decode slot lock: %w", err)
	}
	switch s {
	case "":
		return SlotLock{}, fmt.Errorf("decode slot lock: empty value")
	case pendingSentinel:
		return PendingLock(), nil
	default:
		return BoundLock(s), nil
	}
}
