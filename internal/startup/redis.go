package startup

import (
	"context"
	"time"

	redisstore "github.com/chatchat/internal/storage/redis"
)

// ConnectRedisWithRetry открывает соединение с деревом в Redis с повторами.
func ConnectRedisWithRetry(ctx context.Context, redisURL, prefix string, maxWait time.Duration) (*redisstore.Client, error) {
	var client *redisstore.Client
	err := retry(ctx, "redis connect", maxWait, 2*time.Second, func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstore.New(connCtx, redisURL, prefix)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
