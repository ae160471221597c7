package study

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PendingUnlockKey is the default Redis set holding flagged user ids.
const PendingUnlockKey = "study:unlock:pending"

// UnlockFlags is the per-user "needs unlock" set. Mark and Take are atomic
// with respect to each other so a mark that races a take is never lost.
type UnlockFlags interface {
	Mark(ctx context.Context, userID int64) error
	// Take clears the flag and reports whether it was set.
	Take(ctx context.Context, userID int64) (bool, error)
	Pending(ctx context.Context) ([]int64, error)
}

// MemoryFlags keeps unlock flags in process memory.
type MemoryFlags struct {
	mu      sync.Mutex
	pending map[int64]struct{}
}

// NewMemoryFlags creates an empty in-memory flag set.
func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{pending: make(map[int64]struct{})}
}

func (f *MemoryFlags) Mark(_ context.Context, userID int64) error {
	f.mu.Lock()
	f.pending[userID] = struct{}{}
	f.mu.Unlock()
	return nil
}

func (f *MemoryFlags) Take(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[userID]
	delete(f.pending, userID)
	return ok, nil
}

func (f *MemoryFlags) Pending(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.pending))
	for id := range f.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// RedisFlags keeps unlock flags in a Redis set so they survive restarts and
// are shared between server replicas.
type RedisFlags struct {
	client *redis.Client
	key    string
}

// NewRedisFlags creates a flag set stored under key. An empty key uses
// PendingUnlockKey.
func NewRedisFlags(client *redis.Client, key string) *RedisFlags {
	if key == "" {
		key = PendingUnlockKey
	}
	return &RedisFlags{client: client, key: key}
}

func (f *RedisFlags) Mark(ctx context.Context, userID int64) error {
	if err := f.client.SAdd(ctx, f.key, userID).Err(); err != nil {
		return fmt.Errorf("mark unlock: %w", err)
	}
	return nil
}

func (f *RedisFlags) Take(ctx context.Context, userID int64) (bool, error) {
	n, err := f.client.SRem(ctx, f.key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("take unlock flag: %w", err)
	}
	return n > 0, nil
}

func (f *RedisFlags) Pending(ctx context.Context) ([]int64, error) {
	members, err := f.client.SMembers(ctx, f.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending unlocks: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
