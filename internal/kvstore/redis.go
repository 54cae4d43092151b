package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ridebook:"

// RedisStore maps tree paths onto plain Redis string keys. Transactions use
// WATCH/MULTI/EXEC; combined updates use a single MULTI/EXEC block.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore constructs a store namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, keyPrefix: prefix}
}

func (r *RedisStore) key(path string) string { return r.keyPrefix + path }

// Get reads a path.
func (r *RedisStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyRedis("get", path, err)
	}
	return v, true, nil
}

// Set writes a path.
func (r *RedisStore) Set(ctx context.Context, path string, value []byte) error {
	if err := r.client.Set(ctx, r.key(path), value, 0).Err(); err != nil {
		return classifyRedis("set", path, err)
	}
	return nil
}

// Delete removes a path.
func (r *RedisStore) Delete(ctx context.Context, path string) error {
	if err := r.client.Del(ctx, r.key(path)).Err(); err != nil {
		return classifyRedis("del", path, err)
	}
	return nil
}

// Transact runs fn under WATCH, retrying when another client touched the key
// between the read and EXEC.
func (r *RedisStore) Transact(ctx context.Context, path string, fn TxFunc) (TxResult, error) {
	key := r.key(path)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var result TxResult
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}
			d := fn(current)
			switch d.op {
			case opAbort:
				result = TxResult{Committed: false, Value: current}
				return nil
			case opWrite:
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, key, d.value, 0)
					return nil
				})
			case opRemove:
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, key)
					return nil
				})
			}
			if err != nil {
				return err
			}
			result = TxResult{Committed: true, Value: copyBytes(d.value)}
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return TxResult{}, classifyRedis("transact", path, err)
		}
		return result, nil
	}
	return TxResult{}, fmt.Errorf("redis transact %s: %w", path, ErrMaxRetries)
}

// CombinedUpdate writes all paths inside one MULTI/EXEC.
func (r *RedisStore) CombinedUpdate(ctx context.Context, updates map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for path, value := range updates {
			if value == nil {
				p.Del(ctx, r.key(path))
				continue
			}
			p.Set(ctx, r.key(path), value, 0)
		}
		return nil
	})
	if err != nil {
		return classifyRedis("update", strings.Join(sortedKeys(updates), ","), err)
	}
	return nil
}

// Query scans the children of prefix and filters on a JSON field.
func (r *RedisStore) Query(ctx context.Context, prefix, field, value string) (map[string][]byte, error) {
	all, err := r.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for name, raw := range all {
		if strings.Contains(name, "/") || !fieldEquals(raw, field, value) {
			continue
		}
		out[name] = raw
	}
	return out, nil
}

// List walks every key below prefix using SCAN.
func (r *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	base := r.key(childPrefix(prefix))
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(base)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, classifyRedis("scan", prefix, err)
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classifyRedis("mget", prefix, err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		out[strings.TrimPrefix(keys[i], base)] = []byte(s)
	}
	return out, nil
}

// GenerateID returns a UUIDv7 string.
func (r *RedisStore) GenerateID(_ context.Context) (string, error) {
	return newID()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func classifyRedis(op, path string, err error) error {
	msg := err.Error()
	var netErr net.Error
	switch {
	case strings.HasPrefix(msg, "NOPERM"), strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"):
		return fmt.Errorf("redis %s %s: %w: %w", op, path, ErrPermissionDenied, err)
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "MASTERDOWN"),
		strings.HasPrefix(msg, "CLUSTERDOWN"), strings.HasPrefix(msg, "TRYAGAIN"),
		errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("redis %s %s: %w: %w", op, path, ErrUnavailable, err)
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("redis %s %s: %w: %w", op, path, ErrNetwork, err)
	}
	return fmt.Errorf("redis %s %s: %w", op, path, err)
}
