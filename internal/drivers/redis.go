package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridebook/internal/booking/domain"
)

const defaultGeoKey = "driver:locs"

// RedisRegistry keeps driver positions in a Redis GEO set and display names
// in a companion hash.
type RedisRegistry struct {
	client   redis.Cmdable
	key      string
	namesKey string
}

// NewRedisRegistry constructs a Redis-backed registry.
func NewRedisRegistry(client redis.Cmdable, key string) *RedisRegistry {
	if key == "" {
		key = defaultGeoKey
	}
	return &RedisRegistry{client: client, key: key, namesKey: key + ":names"}
}

// Upsert records the driver position and name.
func (r *RedisRegistry) Upsert(ctx context.Context, d domain.Driver) error {
	if d.ID == "" {
		return errors.New("driver id is required")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: d.ID, Longitude: d.Location.Lng, Latitude: d.Location.Lat})
		pipe.HSet(ctx, r.namesKey, d.ID, d.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver: %w", err)
	}
	return nil
}

// List returns every indexed driver ordered by id.
func (r *RedisRegistry) List(ctx context.Context) ([]domain.Driver, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	return r.load(ctx, ids)
}

// Get returns a single driver.
func (r *RedisRegistry) Get(ctx context.Context, id string) (domain.Driver, bool, error) {
	drivers, err := r.load(ctx, []string{id})
	if err != nil {
		return domain.Driver{}, false, err
	}
	if len(drivers) == 0 {
		return domain.Driver{}, false, nil
	}
	return drivers[0], true, nil
}

func (r *RedisRegistry) load(ctx context.Context, ids []string) ([]domain.Driver, error) {
	positions, err := r.client.GeoPos(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geopos: %w", err)
	}
	names, err := r.client.HMGet(ctx, r.namesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	out := make([]domain.Driver, 0, len(ids))
	for i, id := range ids {
		if i >= len(positions) || positions[i] == nil {
			continue
		}
		d := domain.Driver{
			ID:       id,
			Name:     id,
			Location: domain.GeoPoint{Lat: positions[i].Latitude, Lng: positions[i].Longitude},
		}
		if i < len(names) {
			if name, ok := names[i].(string); ok && name != "" {
				d.Name = name
			}
		}
		out = append(out, d)
	}
	return out, nil
}
