package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"support_agent/internal/core"
)

const sessionPrefix = "session:"

// casScript performs the compare-and-swap commit of a session snapshot.
// The stored version must equal the caller's expected version; on success the
// version is bumped by exactly 1 together with the new snapshot.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
local curv = 0
if cur then curv = tonumber(cur) end
if curv ~= expected then return -1 end
redis.call('HSET', KEYS[1], 'version', expected + 1, 'state', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('EXPIRE', KEYS[1], ttl) end
return expected + 1
`)

// RedisSessionStore is the durable session store. Optimistic versioning is
// enforced server-side by a Lua script, so two concurrent commits against the
// same session always yield one success and one conflict.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore connects to Redis using the given URL. A zero ttl
// keeps sessions forever (they are logically closed, never deleted).
func NewRedisSessionStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSessionStore{client: client, ttl: ttl}, nil
}

func (r *RedisSessionStore) key(sessionID string) string {
	return sessionPrefix + sessionID
}

// Load returns the stored state and version, or a fresh state at version 0
// when the session is unknown.
func (r *RedisSessionStore) Load(ctx context.Context, sessionID string) (*core.SessionState, uint64, error) {
	vals, err := r.client.HMGet(ctx, r.key(sessionID), "version", "state").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load session: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return &core.SessionState{}, 0, nil
	}

	var version uint64
	if _, err := fmt.Sscanf(vals[0].(string), "%d", &version); err != nil {
		return nil, 0, fmt.Errorf("corrupt session version: %w", err)
	}
	var state core.SessionState
	if err := sonic.Unmarshal([]byte(vals[1].(string)), &state); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &state, version, nil
}

// Store commits the snapshot via the CAS script.
func (r *RedisSessionStore) Store(ctx context.Context, sessionID string, expectedVersion uint64, state *core.SessionState) (uint64, error) {
	state.UpdatedAt = time.Now()
	raw, err := sonic.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal session state: %w", err)
	}

	ttlSeconds := int64(r.ttl / time.Second)
	res, err := casScript.Run(ctx, r.client, []string{r.key(sessionID)},
		expectedVersion, string(raw), ttlSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to store session: %w", err)
	}
	if res < 0 {
		return 0, fmt.Errorf("session %s: %w", sessionID, core.ErrVersionConflict)
	}
	return uint64(res), nil
}

// Close closes the Redis connection.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

// Ping tests the Redis connection.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
