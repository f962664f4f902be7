package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Presence is a fast online/offline cache in front of the durable
// session store. It may lag the store briefly; delivery decisions fall
// back to queuing when the cache says offline.
type Presence interface {
	// SetOnline records one live connection for the user. Users with
	// multiple devices are counted per connection.
	SetOnline(ctx context.Context, userID string) error
	// SetOffline drops one connection. The user stays online until the
	// last connection is dropped.
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// MemoryPresence is the single-node presence cache.
type MemoryPresence struct {
	mu    sync.RWMutex
	conns map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{conns: make(map[string]int)}
}

func (p *MemoryPresence) SetOnline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[userID]++
	return nil
}

func (p *MemoryPresence) SetOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[userID] <= 1 {
		delete(p.conns, userID)
	} else {
		p.conns[userID]--
	}
	return nil
}

func (p *MemoryPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[userID] > 0, nil
}

const (
	presenceKeyPrefix = "fileflow:presence:"

	// presenceTTL bounds staleness when a node dies without cleaning
	// up its connections.
	presenceTTL = 5 * time.Minute
)

// RedisPresence shares presence across nodes through a per-user
// connection counter with a TTL.
type RedisPresence struct {
	client redis.UniversalClient
}

func NewRedisPresence(client redis.UniversalClient) *RedisPresence {
	return &RedisPresence{client: client}
}

func (p *RedisPresence) key(userID string) string {
	return presenceKeyPrefix + userID
}

func (p *RedisPresence) SetOnline(ctx context.Context, userID string) error {
	key := p.key(userID)
	if err := p.client.Incr(ctx, key).Err(); err != nil {
		return err
	}
	return p.client.Expire(ctx, key, presenceTTL).Err()
}

func (p *RedisPresence) SetOffline(ctx context.Context, userID string) error {
	key := p.key(userID)
	n, err := p.client.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		if err := p.client.Del(ctx, key).Err(); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("failed to clear presence key")
		}
	}
	return nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.client.Get(ctx, p.key(userID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
