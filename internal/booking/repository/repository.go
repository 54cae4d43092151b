package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/kvstore"
)

// Repository provides typed reads and writes of booking records and rider
// profiles on top of the shared store. Slot locks are not handled here.
type Repository struct {
	store kvstore.Store
}

// New constructs a Repository.
func New(store kvstore.Store) *Repository {
	return &Repository{store: store}
}

// GetBooking retrieves a booking, domain.ErrNotFound when absent.
func (r *Repository) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	raw, ok, err := r.store.Get(ctx, domain.BookingPath(id))
	if err != nil {
		return domain.Booking{}, &domain.StoreError{Op: "read booking", Err: err}
	}
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return decodeBooking(id, raw)
}

// BookingExists reports whether a record is stored under id.
func (r *Repository) BookingExists(ctx context.Context, id string) (bool, error) {
	_, ok, err := r.store.Get(ctx, domain.BookingPath(id))
	if err != nil {
		return false, &domain.StoreError{Op: "read booking", Err: err}
	}
	return ok, nil
}

// ListByUser returns the user's bookings, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Booking, error) {
	rows, err := r.store.Query(ctx, domain.BookingsRoot, "userId", userID)
	if err != nil {
		return nil, &domain.StoreError{Op: "query bookings", Err: err}
	}
	bookings := make([]domain.Booking, 0, len(rows))
	for id, raw := range rows {
		b, err := decodeBooking(id, raw)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	sort.Slice(bookings, func(i, j int) bool {
		if bookings[i].CreatedAt == bookings[j].CreatedAt {
			return bookings[i].ID > bookings[j].ID
		}
		return bookings[i].CreatedAt > bookings[j].CreatedAt
	})
	return bookings, nil
}

// DeleteBooking removes a record unconditionally.
func (r *Repository) DeleteBooking(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, domain.BookingPath(id)); err != nil {
		return &domain.StoreError{Op: "delete booking", Err: err}
	}
	return nil
}

// GetProfile reads users/{uid}, domain.ErrProfileNotFound when absent.
func (r *Repository) GetProfile(ctx context.Context, uid string) (domain.UserProfile, error) {
	raw, ok, err := r.store.Get(ctx, domain.UserPath(uid))
	if err != nil {
		return domain.UserProfile{}, &domain.StoreError{Op: "read user", Err: err}
	}
	if !ok {
		return domain.UserProfile{}, domain.ErrProfileNotFound
	}
	var p domain.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.UserProfile{}, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return p, nil
}

// PutProfile writes users/{uid}.
func (r *Repository) PutProfile(ctx context.Context, uid string, p domain.UserProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := r.store.Set(ctx, domain.UserPath(uid), payload); err != nil {
		return &domain.StoreError{Op: "write user", Err: err}
	}
	return nil
}

// EncodeBooking returns the stored document for b.
func EncodeBooking(b domain.Booking) ([]byte, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode booking: %w", err)
	}
	return payload, nil
}

func decodeBooking(id string, raw []byte) (domain.Booking, error) {
	var b domain.Booking
	if err := json.Unmarshal(raw, &b); err != nil {
		return domain.Booking{}, fmt.Errorf("decode booking %s: %w", id, err)
	}
	b.ID = id
	return b, nil
}
