package reservation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/kvstore"
)

// Canceller releases a booking's slot lock and removes the booking.
type Canceller struct {
	store  kvstore.Store
	repo   *repository.Repository
	logger *zap.Logger
	tracer trace.Tracer
}

func NewCanceller(store kvstore.Store, logger *zap.Logger) *Canceller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canceller{
		store:  store,
		repo:   repository.New(store),
		logger: logger,
		tracer: otel.Tracer("booking.reservation"),
	}
}

// Cancel clears the slot lock when it is still bound to b, then deletes the
// record whatever the release did.
func (c *Canceller) Cancel(ctx context.Context, b domain.Booking) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "reservation.cancel", trace.WithAttributes(attribute.String("booking_id", b.ID)))
	defer span.End()

	c.release(ctx, b)
	if err := c.repo.DeleteBooking(ctx, b.ID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *Canceller) release(ctx context.Context, b domain.Booking) {
	slot := b.Slot()
	res, err := c.store.Transact(ctx, slot.Path(), func(current []byte) kvstore.Decision {
		lock, err := domain.DecodeSlotLock(current)
		if err != nil || !lock.BoundTo(b.ID) {
			return kvstore.Abort()
		}
		return kvstore.Remove()
	})
	if err != nil {
		lockInconsistencies.WithLabelValues(inconsistencyStaleBound).Inc()
		c.logger.Error("slot lock release failed, lock may stay bound",
			zap.String("booking_id", b.ID), zap.String("slot", slot.Path()), zap.Error(err))
		return
	}
	if !res.Committed && res.Value != nil {
		c.logger.Info("slot lock not owned by booking, left in place",
			zap.String("booking_id", b.ID), zap.String("slot", slot.Path()))
	}
}
