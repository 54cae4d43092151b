// Package janitor repairs slot locks that the booking flows leave behind when
// compensation or release fails.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/kvstore"
)

var locksRepaired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_locks_repaired_total",
	Help: "Slot locks removed by the janitor grouped by kind.",
}, []string{"kind"})

// Report summarizes one sweep.
type Report struct {
	Scanned        int
	ReleasedBound  int
	ClearedPending int
	Skipped        int
}

// Sweeper finds stale locks. Bound locks whose booking is gone are released;
// Pending locks still pending after the grace period are deleted.
//
// Every Pending value is the same sentinel, so a sweep cannot tell one claim
// from the next. A Pending lock is only removed after it was seen Pending by
// at least MinPendingSightings consecutive sweeps spanning the grace period;
// any sweep that finds the slot Bound, absent or unreadable starts the count
// again. The remaining window is a slot that is booked, cancelled and claimed
// again between every pair of those sweeps, with each new claim still in
// flight when the next sweep reads it.
type Sweeper struct {
	store  kvstore.Store
	clock  domain.Clock
	grace  time.Duration
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	pending map[string]sighting
}

type sighting struct {
	first time.Time
	count int
}

// DefaultPendingGrace is used when grace is not positive. A claim stays
// Pending for one store round trip, so this is several orders of magnitude
// above any commit.
const DefaultPendingGrace = 15 * time.Minute

// MinPendingSightings is how many consecutive sweeps must see a lock Pending
// before it is cleared.
const MinPendingSightings = 3

func NewSweeper(store kvstore.Store, clock domain.Clock, grace time.Duration, logger *zap.Logger) *Sweeper {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if grace <= 0 {
		grace = DefaultPendingGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:   store,
		clock:   clock,
		grace:   grace,
		logger:  logger.Named("janitor"),
		tracer:  otel.Tracer("booking.janitor"),
		pending: make(map[string]sighting),
	}
}

// Sweep scans every slot lock once.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "janitor.sweep")
	defer span.End()

	locks, err := s.store.List(ctx, domain.LocksRoot)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("list slot locks: %w", err)
	}
	now := s.clock.Now()
	var report Report
	seen := make(map[string]struct{}, len(locks))

	s.mu.Lock()
	defer s.mu.Unlock()
	for rel, raw := range locks {
		report.Scanned++
		path := kvstore.Join(domain.LocksRoot, rel)
		lock, err := domain.DecodeSlotLock(raw)
		if err != nil {
			report.Skipped++
			s.logger.Warn("unreadable slot lock", zap.String("slot", path), zap.Error(err))
			continue
		}
		switch lock.State {
		case domain.LockBound:
			released, err := s.releaseBound(ctx, path, lock.BookingID)
			if err != nil {
				report.Skipped++
				s.logger.Warn("bound lock check failed", zap.String("slot", path), zap.Error(err))
			} else if released {
				report.ReleasedBound++
			}
		case domain.LockPending:
			seen[path] = struct{}{}
			sg, ok := s.pending[path]
			if !ok {
				sg = sighting{first: now}
			}
			sg.count++
			s.pending[path] = sg
			if sg.count < MinPendingSightings || now.Sub(sg.first) < s.grace {
				continue
			}
			cleared, err := s.clearPending(ctx, path)
			if err != nil {
				report.Skipped++
				s.logger.Warn("pending lock clear failed", zap.String("slot", path), zap.Error(err))
				continue
			}
			delete(s.pending, path)
			if cleared {
				report.ClearedPending++
			}
		}
	}
	for path := range s.pending {
		if _, ok := seen[path]; !ok {
			delete(s.pending, path)
		}
	}
	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("released_bound", report.ReleasedBound),
		attribute.Int("cleared_pending", report.ClearedPending),
	)
	return report, nil
}

func (s *Sweeper) releaseBound(ctx context.Context, path, bookingID string) (bool, error) {
	_, exists, err := s.store.Get(ctx, domain.BookingPath(bookingID))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	res, err := s.store.Transact(ctx, path, func(current []byte) kvstore.Decision {
		lock, err := domain.DecodeSlotLock(current)
		if err != nil || !lock.BoundTo(bookingID) {
			return kvstore.Abort()
		}
		return kvstore.Remove()
	})
	if err != nil || !res.Committed {
		return false, err
	}
	locksRepaired.WithLabelValues("stale_bound").Inc()
	s.logger.Info("released lock of missing booking", zap.String("slot", path), zap.String("booking_id", bookingID))
	return true, nil
}

func (s *Sweeper) clearPending(ctx context.Context, path string) (bool, error) {
	res, err := s.store.Transact(ctx, path, func(current []byte) kvstore.Decision {
		lock, err := domain.DecodeSlotLock(current)
		if err != nil || lock.State != domain.LockPending {
			return kvstore.Abort()
		}
		return kvstore.Remove()
	})
	if err != nil || !res.Committed {
		return false, err
	}
	locksRepaired.WithLabelValues("orphaned_pending").Inc()
	s.logger.Info("cleared orphaned pending lock", zap.String("slot", path))
	return true, nil
}
