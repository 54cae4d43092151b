package kvstore_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebook/internal/kvstore"
)

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) kvstore.Store) {
	t.Run("get set delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, ok, err := s.Get(ctx, "users/u1")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Set(ctx, "users/u1", []byte(`{"name":"Ann"}`)))
		v, ok, err := s.Get(ctx, "users/u1")
		require.NoError(t, err)
		require.True(t, ok)
		require.JSONEq(t, `{"name":"Ann"}`, string(v))

		require.NoError(t, s.Delete(ctx, "users/u1"))
		require.NoError(t, s.Delete(ctx, "users/u1"))
		_, ok, err = s.Get(ctx, "users/u1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("transact claims absent key once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		claim := func(current []byte) kvstore.Decision {
			if current != nil {
				return kvstore.Abort()
			}
			return kvstore.Write([]byte(`"LOCKED"`))
		}
		res, err := s.Transact(ctx, "driver_locks/d/t", claim)
		require.NoError(t, err)
		require.True(t, res.Committed)

		res, err = s.Transact(ctx, "driver_locks/d/t", claim)
		require.NoError(t, err)
		require.False(t, res.Committed)
		require.JSONEq(t, `"LOCKED"`, string(res.Value))
	})

	t.Run("transact remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "driver_locks/d/t", []byte(`"b1"`)))
		res, err := s.Transact(ctx, "driver_locks/d/t", func([]byte) kvstore.Decision { return kvstore.Remove() })
		require.NoError(t, err)
		require.True(t, res.Committed)
		_, ok, err := s.Get(ctx, "driver_locks/d/t")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Transact(ctx, "driver_locks/d/t", func(current []byte) kvstore.Decision {
					if current != nil {
						return kvstore.Abort()
					}
					return kvstore.Write([]byte(fmt.Sprintf(`"claim-%d"`, i)))
				})
				if err == nil && res.Committed {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)
	})

	t.Run("combined update writes and deletes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "driver_locks/d/t", []byte(`"LOCKED"`)))
		require.NoError(t, s.CombinedUpdate(ctx, map[string][]byte{
			"bookings/b1":      []byte(`{"userId":"u1"}`),
			"driver_locks/d/t": []byte(`"b1"`),
			"users/gone":       nil,
		}))
		v, ok, err := s.Get(ctx, "driver_locks/d/t")
		require.NoError(t, err)
		require.True(t, ok)
		require.JSONEq(t, `"b1"`, string(v))
		_, ok, err = s.Get(ctx, "bookings/b1")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("query and list", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "bookings/b1", []byte(`{"userId":"u1","driverId":"Driver A"}`)))
		require.NoError(t, s.Set(ctx, "bookings/b2", []byte(`{"userId":"u2","driverId":"Driver A"}`)))
		require.NoError(t, s.Set(ctx, "bookings/b3", []byte(`{"userId":"u1","driverId":"Driver B"}`)))
		require.NoError(t, s.Set(ctx, "driver_locks/Driver A/2025-01-02T09:00:00", []byte(`"b1"`)))

		got, err := s.Query(ctx, "bookings", "userId", "u1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Contains(t, got, "b1")
		require.Contains(t, got, "b3")

		locks, err := s.List(ctx, "driver_locks")
		require.NoError(t, err)
		require.Len(t, locks, 1)
		require.Contains(t, locks, "Driver A/2025-01-02T09:00:00")
	})

	t.Run("generate id is unique", func(t *testing.T) {
		s := newStore(t)
		seen := make(map[string]struct{})
		for i := 0; i < 100; i++ {
			id, err := s.GenerateID(context.Background())
			require.NoError(t, err)
			require.NotContains(t, seen, id)
			seen[id] = struct{}{}
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(*testing.T) kvstore.Store { return kvstore.NewMemoryStore() })
}
