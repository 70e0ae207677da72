package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"holder-indexer/internal/config"
)

// CooldownStore keeps expiring cool-down flags keyed by job name.
type CooldownStore interface {
	Active(ctx context.Context, job string) (bool, error)
	Set(ctx context.Context, job string, ttl time.Duration) error
}

// RedisCooldown shares cool-down flags between replicas through redis keys with a TTL.
type RedisCooldown struct {
	client *redis.Client
	prefix string
}

// NewRedisClient dials redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NewRedisCooldown stores flags under prefix+job.
func NewRedisCooldown(client *redis.Client, prefix string) *RedisCooldown {
	return &RedisCooldown{client: client, prefix: prefix}
}

// Active reports whether a flag for job is still alive.
func (r *RedisCooldown) Active(ctx context.Context, job string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+job).Result()
	if err != nil {
		return false, fmt.Errorf("read cooldown %s: %w", job, err)
	}
	return n > 0, nil
}

// Set raises the flag for job for ttl, extending any existing flag.
func (r *RedisCooldown) Set(ctx context.Context, job string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+job, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", job, err)
	}
	return nil
}

// MemoryCooldown keeps flags in process memory. Used when no redis is configured.
type MemoryCooldown struct {
	until *xsync.Map[string, time.Time]
	now   func() time.Time
}

// NewMemoryCooldown builds an in-process store. A nil now uses time.Now.
func NewMemoryCooldown(now func() time.Time) *MemoryCooldown {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldown{until: xsync.NewMap[string, time.Time](), now: now}
}

// Active reports whether a flag for job is still alive, dropping expired ones.
func (m *MemoryCooldown) Active(_ context.Context, job string) (bool, error) {
	until, ok := m.until.Load(job)
	if !ok {
		return false, nil
	}
	if m.now().Before(until) {
		return true, nil
	}
	m.until.Compute(job, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && !m.now().Before(old) {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	return false, nil
}

// Set raises the flag for job for ttl.
func (m *MemoryCooldown) Set(_ context.Context, job string, ttl time.Duration) error {
	m.until.Store(job, m.now().Add(ttl))
	return nil
}

var (
	_ CooldownStore = (*RedisCooldown)(nil)
	_ CooldownStore = (*MemoryCooldown)(nil)
)
