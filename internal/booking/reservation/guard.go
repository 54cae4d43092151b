package reservation

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/kvstore"
)

// DuplicateGuard rejects a second booking by the same user with the same
// driver on the same calendar date. It is advisory only.
type DuplicateGuard struct {
	store  kvstore.Store
	logger *zap.Logger
}

// NewDuplicateGuard constructs the guard.
func NewDuplicateGuard(store kvstore.Store, logger *zap.Logger) *DuplicateGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuplicateGuard{store: store, logger: logger}
}

type bookingSlotFields struct {
	DriverID     string `json:"driverId"`
	TripDateTime string `json:"tripDateTime"`
}

// Check returns domain.ErrDuplicateBooking when a matching booking exists.
// Read failures let the flow through.
func (g *DuplicateGuard) Check(ctx context.Context, userID, driverID, tripDateTime string) error {
	rows, err := g.store.Query(ctx, domain.BookingsRoot, "userId", userID)
	if err != nil {
		g.logger.Warn("duplicate check skipped", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	date := datePrefix(tripDateTime)
	for id, raw := range rows {
		var existing bookingSlotFields
		if err := json.Unmarshal(raw, &existing); err != nil {
			g.logger.Debug("skipping unreadable booking", zap.String("booking_id", id), zap.Error(err))
			continue
		}
		if existing.DriverID == driverID && datePrefix(existing.TripDateTime) == date {
			return domain.ErrDuplicateBooking
		}
	}
	return nil
}

func datePrefix(tripDateTime string) string {
	if len(tripDateTime) < 10 {
		return tripDateTime
	}
	return tripDateTime[:10]
}
