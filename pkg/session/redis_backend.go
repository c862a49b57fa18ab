package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements StorageBackend using Redis.
// It provides distributed session storage suitable for multi-node deployments.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "autoyou:session:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "autoyou:session:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "autoyou:session:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "meta:" + sessionID
}

func (b *RedisBackend) turnsKey(sessionID string) string {
	return b.prefix + "turns:" + sessionID
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "index"
}

// SaveSession creates or updates session metadata.
func (b *RedisBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := b.client.Pipeline()

	if b.ttl > 0 {
		pipe.Set(ctx, b.sessionKey(meta.ID), data, b.ttl)
	} else {
		pipe.Set(ctx, b.sessionKey(meta.ID), data, 0)
	}

	pipe.SAdd(ctx, b.indexKey(), meta.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *RedisBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := b.client.Get(ctx, b.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// DeleteSession removes a session and all its turns.
func (b *RedisBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.sessionKey(sessionID))
	pipe.Del(ctx, b.turnsKey(sessionID))
	pipe.SRem(ctx, b.indexKey(), sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// ListSessions returns session metadata matching the filter options.
func (b *RedisBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	sessionIDs, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// Sort session IDs for deterministic pagination (Redis sets are unordered)
	sort.Strings(sessionIDs)

	sessions := make([]*Metadata, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		meta, err := b.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnknownSession) {
				// Session was deleted, clean up index
				b.client.SRem(ctx, b.indexKey(), id)
				continue
			}
			return nil, err
		}
		if meta.Expired && !opts.IncludeExpired {
			continue
		}
		sessions = append(sessions, meta)
	}

	start := opts.Offset
	if start >= len(sessions) {
		return []*Metadata{}, nil
	}

	end := len(sessions)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	return sessions[start:end], nil
}

// AppendTurn adds a turn to a session.
func (b *RedisBackend) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	if err := b.client.RPush(ctx, b.turnsKey(sessionID), data).Err(); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	if b.ttl > 0 {
		if err := b.client.Expire(ctx, b.turnsKey(sessionID), b.ttl).Err(); err != nil {
			// The turn was already saved. The TTL will be applied on the
			// next successful Expire call.
			_ = err
		}
	}

	return nil
}

// LoadTurns retrieves all turns for a session in order.
func (b *RedisBackend) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := b.client.LRange(ctx, b.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	turns := make([]*Turn, 0, len(data))
	for _, d := range data {
		var turn Turn
		if err := json.Unmarshal([]byte(d), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}

	return turns, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	return b.client.Ping(ctx).Err()
}
