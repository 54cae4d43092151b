package reservation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/validation"
	"github.com/example/ridebook/internal/kvstore"
)

// FallbackWriter stores a booking without claiming its slot. Bookings written
// here carry no double-booking guarantee and are reported as degraded.
type FallbackWriter struct {
	store  kvstore.Store
	clock  domain.Clock
	logger *zap.Logger
	tracer trace.Tracer
}

func NewFallbackWriter(store kvstore.Store, clock domain.Clock, logger *zap.Logger) *FallbackWriter {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackWriter{store: store, clock: clock, logger: logger, tracer: otel.Tracer("booking.reservation")}
}

// Write persists the booking record directly.
func (f *FallbackWriter) Write(ctx context.Context, checked validation.Checked) (Reservation, error) {
	ctx, span := f.tracer.Start(ctx, "reservation.fallback")
	defer span.End()
	booking, payload, err := newRecord(ctx, f.store, f.clock, checked)
	if err != nil {
		return Reservation{}, &domain.StoreError{Op: "fallback write", Err: err}
	}
	if err := f.store.Set(ctx, domain.BookingPath(booking.ID), payload); err != nil {
		span.RecordError(err)
		return Reservation{}, &domain.StoreError{Op: "fallback write", Err: err}
	}
	f.logger.Warn("booking stored without slot lock",
		zap.String("booking_id", booking.ID), zap.String("slot", booking.Slot().Path()))
	return Reservation{Booking: booking, Degraded: true}, nil
}
