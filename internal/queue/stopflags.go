package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// MemoryFlags is an in-process StopFlagStore for single-instance deployments and tests.
type MemoryFlags struct {
	mu    sync.Mutex
	flags map[string]time.Time
	now   func() time.Time
}

// NewMemoryFlags creates an empty flag store.
func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[string]time.Time), now: time.Now}
}

// SetStop raises the flag for taskID until ttl elapses.
func (f *MemoryFlags) SetStop(_ context.Context, taskID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[taskID] = f.now().Add(ttl)
	return nil
}

// IsStopped reports whether an unexpired flag exists.
func (f *MemoryFlags) IsStopped(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.flags[taskID]
	if !ok {
		return false, nil
	}
	if f.now().After(exp) {
		delete(f.flags, taskID)
		return false, nil
	}
	return true, nil
}

// Clear removes the flag.
func (f *MemoryFlags) Clear(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, taskID)
	return nil
}

// RedisFlags stores stop flags as expiring redis keys so any process can stop any task.
type RedisFlags struct {
	client *redis.Client
	prefix string
}

// NewRedisFlags creates a redis-backed flag store. An empty prefix uses "generate_task_stopped:".
func NewRedisFlags(client *redis.Client, prefix string) *RedisFlags {
	if prefix == "" {
		prefix = "generate_task_stopped:"
	}
	return &RedisFlags{client: client, prefix: prefix}
}

func (f *RedisFlags) key(taskID string) string {
	return f.prefix + taskID
}

// SetStop raises the flag with a TTL.
func (f *RedisFlags) SetStop(ctx context.Context, taskID string, ttl time.Duration) error {
	if err := f.client.Set(ctx, f.key(taskID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	return nil
}

// IsStopped reports whether the flag key exists.
func (f *RedisFlags) IsStopped(ctx context.Context, taskID string) (bool, error) {
	n, err := f.client.Exists(ctx, f.key(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("read stop flag: %w", err)
	}
	return n > 0, nil
}

// Clear deletes the flag key.
func (f *RedisFlags) Clear(ctx context.Context, taskID string) error {
	if err := f.client.Del(ctx, f.key(taskID)).Err(); err != nil {
		return fmt.Errorf("clear stop flag: %w", err)
	}
	return nil
}

var (
	_ ports.StopFlagStore = (*MemoryFlags)(nil)
	_ ports.StopFlagStore = (*RedisFlags)(nil)
)
