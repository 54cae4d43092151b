package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/booking/validation"
	"github.com/example/ridebook/internal/kvstore"
)

// DefaultRetryDelay is the pause before the single claim retry.
const DefaultRetryDelay = time.Second

// CoordinatorConfig defines tunables for the coordinator.
type CoordinatorConfig struct {
	RetryDelay time.Duration
}

// Coordinator owns the slot lock protocol: claim with compare-and-swap, bind
// with a combined update, compensate when the bind fails.
type Coordinator struct {
	store    kvstore.Store
	fallback *FallbackWriter
	clock    domain.Clock
	logger   *zap.Logger
	cfg      CoordinatorConfig
	tracer   trace.Tracer
}

// NewCoordinator constructs a coordinator. fallback may be nil, in which case
// a second authorization failure is returned to the caller.
func NewCoordinator(store kvstore.Store, fallback *FallbackWriter, clock domain.Clock, logger *zap.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.Tracer("booking.reservation"),
	}
}

// Reserve claims the slot of checked and commits the booking. Caller
// cancellation is not honored once the flow starts.
func (c *Coordinator) Reserve(ctx context.Context, checked validation.Checked) (Reservation, error) {
	ctx = context.WithoutCancel(ctx)
	slot := checked.Slot()

	claimed, err := c.claim(ctx, slot)
	if errors.Is(err, kvstore.ErrPermissionDenied) {
		c.logger.Warn("slot claim denied, retrying",
			zap.String("slot", slot.Path()), zap.Duration("delay", c.cfg.RetryDelay), zap.Error(err))
		time.Sleep(c.cfg.RetryDelay)
		claimed, err = c.claim(ctx, slot)
		if errors.Is(err, kvstore.ErrPermissionDenied) {
			if c.fallback == nil {
				return Reservation{}, &domain.StoreError{Op: "claim slot", Err: err}
			}
			c.logger.Warn("slot claim denied twice, writing booking without lock",
				zap.String("slot", slot.Path()), zap.Error(err))
			return c.fallback.Write(ctx, checked)
		}
	}
	if err != nil {
		return Reservation{}, &domain.StoreError{Op: "claim slot", Err: err}
	}
	if !claimed {
		return Reservation{}, domain.ErrSlotTaken
	}
	return c.commit(ctx, checked)
}

func (c *Coordinator) claim(ctx context.Context, slot domain.SlotKey) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "reservation.claim", trace.WithAttributes(attribute.String("slot", slot.Path())))
	defer span.End()
	res, err := c.store.Transact(ctx, slot.Path(), func(current []byte) kvstore.Decision {
		if current != nil {
			return kvstore.Abort()
		}
		return kvstore.Write(domain.PendingLock().Encode())
	})
	switch {
	case errors.Is(err, kvstore.ErrPermissionDenied):
		claimAttempts.WithLabelValues("denied").Inc()
	case err != nil:
		claimAttempts.WithLabelValues("error").Inc()
		span.RecordError(err)
	case res.Committed:
		claimAttempts.WithLabelValues("claimed").Inc()
	default:
		claimAttempts.WithLabelValues("taken").Inc()
	}
	if err != nil {
		return false, err
	}
	return res.Committed, nil
}

func (c *Coordinator) commit(ctx context.Context, checked validation.Checked) (Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "reservation.commit")
	defer span.End()
	slot := checked.Slot()

	booking, payload, err := newRecord(ctx, c.store, c.clock, checked)
	if err != nil {
		span.RecordError(err)
		c.compensate(ctx, slot)
		return Reservation{}, fmt.Errorf("%w: %w", domain.ErrCommitFailed, err)
	}
	err = c.store.CombinedUpdate(ctx, map[string][]byte{
		domain.BookingPath(booking.ID): payload,
		slot.Path():                    domain.BoundLock(booking.ID).Encode(),
	})
	if err != nil {
		span.RecordError(err)
		c.compensate(ctx, slot)
		return Reservation{}, fmt.Errorf("%w: %w", domain.ErrCommitFailed, err)
	}
	span.SetAttributes(attribute.String("booking_id", booking.ID))
	return Reservation{Booking: booking}, nil
}

// compensate frees a slot this flow left Pending. A lock that moved past
// Pending is not ours to delete.
func (c *Coordinator) compensate(ctx context.Context, slot domain.SlotKey) {
	_, err := c.store.Transact(ctx, slot.Path(), func(current []byte) kvstore.Decision {
		lock, err := domain.DecodeSlotLock(current)
		if err != nil || lock.State != domain.LockPending {
			return kvstore.Abort()
		}
		return kvstore.Remove()
	})
	if err != nil {
		lockInconsistencies.WithLabelValues(inconsistencyOrphanedPending).Inc()
		c.logger.Error("slot lock compensation failed, pending lock orphaned",
			zap.String("slot", slot.Path()), zap.Error(err))
	}
}

// newRecord assigns the store id and creation time and encodes the document.
func newRecord(ctx context.Context, store kvstore.Store, clock domain.Clock, checked validation.Checked) (domain.Booking, []byte, error) {
	id, err := store.GenerateID(ctx)
	if err != nil {
		return domain.Booking{}, nil, fmt.Errorf("generate booking id: %w", err)
	}
	booking := checked.Booking()
	booking.ID = id
	booking.CreatedAt = clock.Now().UTC().Format(time.RFC3339Nano)
	payload, err := repository.EncodeBooking(booking)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	return booking, payload, nil
}
