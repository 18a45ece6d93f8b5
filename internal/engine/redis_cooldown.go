package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndSetScript compares the stored emission time (unix ms) with now and
// only overwrites it when the cooldown has elapsed. Running it as one script
// keeps the check and the write atomic across processes.
const checkAndSetScript = `
	local last = redis.call('GET', KEYS[1])
	local now = tonumber(ARGV[1])
	local cooldown = tonumber(ARGV[2])
	if last and (now - tonumber(last)) <= cooldown then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return 1
`

type RedisCooldown struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

func NewRedisCooldown(client *redis.Client, prefix string) *RedisCooldown {
	return &RedisCooldown{client: client, prefix: prefix, script: redis.NewScript(checkAndSetScript)}
}

// ConnectRedisCooldown dials addr and verifies the connection with PING.
func ConnectRedisCooldown(ctx context.Context, addr, prefix string) (*RedisCooldown, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return NewRedisCooldown(client, prefix), nil
}

func (r *RedisCooldown) CheckAndSet(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	ttl := 2 * cooldown
	if ttl < time.Second {
		ttl = time.Second
	}
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), cooldown.Milliseconds(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cooldown script: %w", err)
	}
	return res == 1, nil
}

func (r *RedisCooldown) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cooldown keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisCooldown) Close() error {
	return r.client.Close()
}
