package state

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MaintenanceLockKey serializes maintenance runs across replicas.
const MaintenanceLockKey = "xcpfolio:maintenance:lock"

// DefaultLockTTL bounds how long a crashed holder can block others.
const DefaultLockTTL = 5 * time.Minute

// DistributedLock is a TTL-scoped mutual-exclusion key in the state store.
// Ownership is proven by a random identifier at release.
type DistributedLock struct {
	store *Store
	key   string
	ttl   time.Duration
	id    string
}

// NewDistributedLock creates a lock handle. A zero ttl uses DefaultLockTTL.
func NewDistributedLock(store *Store, key string, ttl time.Duration) *DistributedLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &DistributedLock{store: store, key: key, ttl: ttl}
}

// Acquire attempts to take the lock. Returns false when another holder
// has it.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	id := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, id, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.id = id
	}
	return ok, nil
}

// Release frees the lock only if we still hold it. Safe to call on every
// exit path; a no-op when the lock was never acquired or has expired and
// been taken by someone else.
func (l *DistributedLock) Release(ctx context.Context) error {
	if l.id == "" {
		return nil
	}
	_, err := l.store.DeleteIfValue(ctx, l.key, l.id)
	l.id = ""
	return err
}
