// Package bootstrap opens the external resources named by a config for the
// service and CLI binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/config"
	"github.com/example/ridebook/internal/drivers"
	"github.com/example/ridebook/internal/kvstore"
)

// Resources are the opened backends. Redis, DB and NATS are nil when not
// configured.
type Resources struct {
	Store   kvstore.Store
	Drivers domain.DriverRegistry
	Redis   *redis.Client
	DB      *sql.DB
	NATS    *nats.Conn
	closers []func() error
	logger  *zap.Logger
}

// Open connects every configured backend. NATS failures are logged and
// leave event publishing disabled.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Resources, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	res := &Resources{logger: logger}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		res.Redis = client
		res.closers = append(res.closers, client.Close)
	}

	switch cfg.StoreBackend {
	case config.BackendRedis:
		res.Store = kvstore.NewRedisStore(res.Redis, cfg.RedisPrefix)
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		res.DB = db
		res.closers = append(res.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			res.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		pg := kvstore.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			res.Close()
			return nil, err
		}
		res.Store = pg
	default:
		res.Store = kvstore.NewMemoryStore()
	}

	if res.Redis != nil {
		registry := drivers.NewRedisRegistry(res.Redis, "")
		for _, d := range cfg.Drivers {
			if err := registry.Upsert(ctx, d); err != nil {
				res.Close()
				return nil, err
			}
		}
		res.Drivers = registry
	} else {
		res.Drivers = drivers.NewMemoryRegistry(cfg.Drivers)
	}

	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("bookingservice"))
		if err != nil {
			logger.Warn("nats connection failed", zap.Error(err))
		} else {
			res.NATS = conn
			res.closers = append(res.closers, func() error { return conn.Drain() })
		}
	}
	return res, nil
}

// Ready pings the store backend.
func (r *Resources) Ready(ctx context.Context) error {
	switch {
	case r.DB != nil:
		return r.DB.PingContext(ctx)
	case r.Redis != nil:
		return r.Redis.Ping(ctx).Err()
	default:
		return nil
	}
}

// Close releases resources in reverse order of opening.
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("closing resources", zap.Error(err))
		return err
	}
	return nil
}
