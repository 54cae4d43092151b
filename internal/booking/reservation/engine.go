// Package reservation books driver time slots without double booking. The
// only correctness guarantee is the compare-and-swap claim on the slot lock;
// the duplicate guard and availability precheck are advisory.
package reservation

import (
	"context"
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

// Reservation is a committed booking. Degraded is set when the booking was
// written without a slot lock.
type Reservation struct {
	Booking  domain.Booking
	Degraded bool
}

// Outcome reports success or degraded success.
func (r Reservation) Outcome() domain.Outcome {
	if r.Degraded {
		return domain.OutcomeDegradedSuccess
	}
	return domain.OutcomeSuccess
}

// Config defines tunables for the engine.
type Config struct {
	RetryDelay time.Duration
}

// Engine runs the reservation and cancellation flows.
type Engine struct {
	guard       *DuplicateGuard
	precheck    *Precheck
	coordinator *Coordinator
	canceller   *Canceller
	repo        *repository.Repository
	tracer      trace.Tracer
}

// NewEngine wires every component against one store.
func NewEngine(store kvstore.Store, clock domain.Clock, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reservation")
	fallback := NewFallbackWriter(store, clock, logger)
	return &Engine{
		guard:       NewDuplicateGuard(store, logger),
		precheck:    NewPrecheck(store, logger),
		coordinator: NewCoordinator(store, fallback, clock, logger, CoordinatorConfig{RetryDelay: cfg.RetryDelay}),
		canceller:   NewCanceller(store, logger),
		repo:        repository.New(store),
		tracer:      otel.Tracer("booking.reservation"),
	}
}

// Reserve runs the duplicate guard, the precheck, then the authoritative claim.
func (e *Engine) Reserve(ctx context.Context, checked validation.Checked) (res Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "reservation.reserve")
	start := time.Now()
	defer func() {
		outcome := domain.OutcomeOf(err)
		if err == nil {
			outcome = res.Outcome()
		} else {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		span.End()
		reservationOutcomes.WithLabelValues(string(outcome)).Inc()
		reservationDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
	}()

	b := checked.Booking()
	if err := e.guard.Check(ctx, b.UserID, b.DriverID, b.TripDateTime); err != nil {
		return Reservation{}, err
	}
	if !e.precheck.Available(ctx, checked.Slot()) {
		return Reservation{}, domain.ErrSlotTaken
	}
	return e.coordinator.Reserve(ctx, checked)
}

// Available reports the advisory availability of a slot.
func (e *Engine) Available(ctx context.Context, slot domain.SlotKey) bool {
	return e.precheck.Available(ctx, slot)
}

// Cancel removes booking id. A missing record is domain.ErrNotFound and
// nothing is mutated.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Booking, error) {
	return e.cancel(ctx, id, func(domain.Booking) bool { return true })
}

// CancelFor cancels id only when it belongs to userID; bookings of other
// users are reported as not found.
func (e *Engine) CancelFor(ctx context.Context, userID, id string) (domain.Booking, error) {
	return e.cancel(ctx, id, func(b domain.Booking) bool { return b.UserID == userID })
}

func (e *Engine) cancel(ctx context.Context, id string, allowed func(domain.Booking) bool) (domain.Booking, error) {
	b, err := e.repo.GetBooking(ctx, id)
	if err == nil && !allowed(b) {
		err = domain.ErrNotFound
	}
	if err == nil {
		err = e.canceller.Cancel(ctx, b)
	}
	if err != nil {
		reservationOutcomes.WithLabelValues(string(domain.OutcomeOf(err))).Inc()
		return domain.Booking{}, err
	}
	reservationOutcomes.WithLabelValues(string(domain.OutcomeCancelled)).Inc()
	return b, nil
}
