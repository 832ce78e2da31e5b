package cache

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewClient returns nil when addr is blank so callers can run without redis.
func NewClient(addr string) *redis.Client {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func Ping(ctx context.Context, c *redis.Client) error {
	if c == nil {
		return nil
	}
	return c.Ping(ctx).Err()
}
