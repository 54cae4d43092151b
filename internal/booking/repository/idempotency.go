package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/kvstore"
)

// IdempotencyRepo remembers which booking a client request key produced,
// scoped per user. A key is claimed before the booking is attempted so that
// concurrent requests carrying the same key see each other.
type IdempotencyRepo struct {
	store      kvstore.Store
	staleAfter time.Duration
}

// DefaultClaimStaleAfter is how long an unresolved claim blocks its key
// before another request may take it over.
const DefaultClaimStaleAfter = time.Minute

// NewIdempotencyRepo constructs the repository.
func NewIdempotencyRepo(store kvstore.Store) *IdempotencyRepo {
	return &IdempotencyRepo{store: store, staleAfter: DefaultClaimStaleAfter}
}

// IdempotencyEntry is the record stored for a key. Pending entries belong to
// a request that has not finished yet.
type IdempotencyEntry struct {
	BookingID string `json:"bookingId,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	ClaimedAt string `json:"claimedAt,omitempty"`
}

func idempotencyPath(uid, key string) string {
	return kvstore.Join(domain.IdempotencyRoot, domain.SanitizeKey(uid), domain.SanitizeKey(key))
}

// Claim reserves key for the caller. When claimed is false the returned entry
// is the one already stored: either resolved, or pending for another request.
// A pending entry older than the stale window is taken over.
func (r *IdempotencyRepo) Claim(ctx context.Context, uid, key string, now time.Time) (entry IdempotencyEntry, claimed bool, err error) {
	mine, err := json.Marshal(IdempotencyEntry{Pending: true, ClaimedAt: now.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return IdempotencyEntry{}, false, err
	}
	res, err := r.store.Transact(ctx, idempotencyPath(uid, key), func(current []byte) kvstore.Decision {
		if current == nil {
			return kvstore.Write(mine)
		}
		var existing IdempotencyEntry
		if err := json.Unmarshal(current, &existing); err != nil {
			return kvstore.Write(mine)
		}
		if existing.Pending && r.stale(existing, now) {
			return kvstore.Write(mine)
		}
		return kvstore.Abort()
	})
	if err != nil {
		return IdempotencyEntry{}, false, err
	}
	if res.Committed {
		return IdempotencyEntry{Pending: true}, true, nil
	}
	if err := json.Unmarshal(res.Value, &entry); err != nil {
		return IdempotencyEntry{}, false, err
	}
	return entry, false, nil
}

func (r *IdempotencyRepo) stale(e IdempotencyEntry, now time.Time) bool {
	claimedAt, err := time.Parse(time.RFC3339Nano, e.ClaimedAt)
	if err != nil {
		return true
	}
	return now.Sub(claimedAt) >= r.staleAfter
}

// Remember stores the booking produced for key, resolving any claim.
func (r *IdempotencyRepo) Remember(ctx context.Context, uid, key, bookingID string, degraded bool) error {
	payload, err := json.Marshal(IdempotencyEntry{BookingID: bookingID, Degraded: degraded})
	if err != nil {
		return err
	}
	return r.store.Set(ctx, idempotencyPath(uid, key), payload)
}

// Forget drops the record for key so the next request starts afresh.
func (r *IdempotencyRepo) Forget(ctx context.Context, uid, key string) error {
	return r.store.Delete(ctx, idempotencyPath(uid, key))
}
