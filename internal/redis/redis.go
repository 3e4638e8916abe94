package redis

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"medchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

const pingTimeout = 3 * time.Second

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// Client is the small slice of go-redis the app needs: plain keys for token
// revocation, scripts for the rate limiter and history cache, and pub/sub
// for finalize failure reports. A nil *Client fails every call with
// errNotInitialized.
type Client struct {
	rdb *redis.Client
}

// NewRedisClient dials redis with the app config and pings it once.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	rdb := redis.NewClient(options(cfg.Redis))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Client{rdb: rdb}, nil
}

func options(rc config.RedisConfig) *redis.Options {
	host, port := rc.Host, rc.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 6379
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	}
}

func (c *Client) ready() (*redis.Client, error) {
	if c == nil || c.rdb == nil {
		return nil, errNotInitialized
	}
	return c.rdb, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	rdb, err := c.ready()
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	rdb, err := c.ready()
	if err != nil {
		return "", err
	}
	return rdb.Get(ctx, key).Result()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	rdb, err := c.ready()
	if err != nil {
		return false, err
	}
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	rdb, err := c.ready()
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, payload).Err()
}

// Eval runs a Lua script atomically on the server.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	rdb, err := c.ready()
	if err != nil {
		return nil, err
	}
	return rdb.Eval(ctx, script, keys, args...).Result()
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
