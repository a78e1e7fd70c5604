package recurring

import (
	"context"
	"time"

	platformredis "pledger/internal/platform/redis"
	"pledger/pkg/domain"
)

// leaseTTL caps how long a donor stays claimed if a scheduler instance dies
// mid-cycle.
const leaseTTL = 5 * time.Minute

// Lease claims a donor for one scheduler cycle so overlapping scheduler
// instances never double-charge.
type Lease interface {
	// Acquire returns true when this instance claimed the donor.
	Acquire(ctx context.Context, donorID domain.UserID) (bool, error)
	Release(ctx context.Context, donorID domain.UserID)
}

// RedisLease coordinates instances through SET NX with a TTL.
type RedisLease struct {
	client *platformredis.Client
}

func NewRedisLease(client *platformredis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func leaseKey(donorID domain.UserID) string {
	return "pledger:recurring:lease:" + donorID.String()
}

func (l *RedisLease) Acquire(ctx context.Context, donorID domain.UserID) (bool, error) {
	return l.client.SetNX(ctx, leaseKey(donorID), "1", leaseTTL).Result()
}

func (l *RedisLease) Release(ctx context.Context, donorID domain.UserID) {
	l.client.Del(ctx, leaseKey(donorID))
}

// NopLease is the single-instance mode: every claim succeeds.
type NopLease struct{}

func (NopLease) Acquire(context.Context, domain.UserID) (bool, error) { return true, nil }
func (NopLease) Release(context.Context, domain.UserID)               {}
