package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wonny/copperwatch/pkg/config"
)

// defaultPingTimeout bounds the startup ping when REDIS_DIAL_TIMEOUT is unset
const defaultPingTimeout = 3 * time.Second

// Client wraps the Redis client used for the response cache and issue locks.
// A disabled client is valid; callers check Enabled before touching Redis.
// ⭐ SSOT: Redis 연결은 여기서만 관리
type Client struct {
	rdb     *redis.Client
	enabled bool
}

// New connects and pings once; REDIS_ENABLED=false yields a disabled client
func New(cfg *config.Config) (*Client, error) {
	if !cfg.Redis.Enabled {
		return &Client{enabled: false}, nil
	}

	opts := options(cfg.Redis)
	rdb := redis.NewClient(opts)

	pingTimeout := opts.DialTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", opts.Addr, err)
	}

	return &Client{
		rdb:     rdb,
		enabled: true,
	}, nil
}

// options maps RedisConfig onto go-redis options; zero values keep the library defaults
func options(rc config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(rc.Host, rc.Port),
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Enabled returns whether Redis is enabled
func (c *Client) Enabled() bool {
	return c.enabled
}

// Redis returns the underlying redis client for advanced usage
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
