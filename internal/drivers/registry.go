// Package drivers provides the driver roster the booking flow checks against.
package drivers

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ridebook/internal/booking/domain"
)

// DefaultRoster is the roster used when none is configured.
func DefaultRoster() []domain.Driver {
	return []domain.Driver{
		{ID: "Driver A", Name: "Driver A", Location: domain.GeoPoint{Lat: 13.068500, Lng: 80.234938}},
		{ID: "Driver B", Name: "Driver B", Location: domain.GeoPoint{Lat: 13.062306, Lng: 80.231172}},
		{ID: "Driver C", Name: "Driver C", Location: domain.GeoPoint{Lat: 13.071086, Lng: 80.230709}},
	}
}

// MemoryRegistry is a fixed in-process roster.
type MemoryRegistry struct {
	mu      sync.RWMutex
	drivers map[string]domain.Driver
}

// NewMemoryRegistry builds a registry from roster.
func NewMemoryRegistry(roster []domain.Driver) *MemoryRegistry {
	m := &MemoryRegistry{drivers: make(map[string]domain.Driver, len(roster))}
	for _, d := range roster {
		m.drivers[d.ID] = d
	}
	return m
}

// List returns the roster ordered by id.
func (m *MemoryRegistry) List(_ context.Context) ([]domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (domain.Driver, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	return d, ok, nil
}

// Upsert adds or moves a driver.
func (m *MemoryRegistry) Upsert(_ context.Context, d domain.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}
