package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "presence:user:"
	entryTTL    = 5 * time.Minute
	pingTimeout = 3 * time.Second
)

// RedisRegistry externalizes the connection table so several gateway
// instances can share one presence view. Each user maps to a set of live
// connection ids; the TTL bounds staleness after an unclean shutdown.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to Redis using a URL and verifies the link.
func NewRedisRegistry(url string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

func (r *RedisRegistry) Connect(ctx context.Context, userID int, connID string) error {
	key := userKey(userID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, entryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Disconnect(ctx context.Context, userID int, connID string) error {
	return r.client.SRem(ctx, userKey(userID), connID).Err()
}

func (r *RedisRegistry) Online(ctx context.Context, userIDs []int) (map[int]bool, error) {
	pipe := r.client.Pipeline()
	cards := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cards[i] = pipe.SCard(ctx, userKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	online := make(map[int]bool, len(userIDs))
	for i, id := range userIDs {
		online[id] = cards[i].Val() > 0
	}
	return online, nil
}

// Close releases the Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func userKey(userID int) string {
	return keyPrefix + strconv.Itoa(userID)
}
