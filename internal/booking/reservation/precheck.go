package reservation

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/kvstore"
)

// Precheck reads a slot lock for early feedback. Its answer is a hint only.
type Precheck struct {
	store  kvstore.Store
	logger *zap.Logger
}

func NewPrecheck(store kvstore.Store, logger *zap.Logger) *Precheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Precheck{store: store, logger: logger}
}

// Available reports false only when a lock value is present.
func (p *Precheck) Available(ctx context.Context, slot domain.SlotKey) bool {
	_, ok, err := p.store.Get(ctx, slot.Path())
	if err != nil {
		p.logger.Debug("availability read failed", zap.String("slot", slot.Path()), zap.Error(err))
		return true
	}
	return !ok
}
