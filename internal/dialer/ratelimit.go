package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RateBudget reserves dial permits against a per-campaign, per-minute ceiling.
type RateBudget interface {
	// Reserve grants up to want permits for the current minute window and
	// returns how many were actually granted. A perMinute of zero or less
	// means the campaign is unthrottled.
	Reserve(ctx context.Context, campaignID uuid.UUID, perMinute, want int) (int, error)
}

// RedisRateBudget tracks minute windows with Redis counters so the budget
// holds across engine instances.
type RedisRateBudget struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRateBudget constructs the budget tracker.
func NewRedisRateBudget(client *redis.Client, keyPrefix string) *RedisRateBudget {
	if keyPrefix == "" {
		keyPrefix = "outbound:rate"
	}
	return &RedisRateBudget{client: client, keyPrefix: keyPrefix}
}

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local want = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local current = tonumber(redis.call('GET', key) or '0')
local allow = limit - current
if allow <= 0 then
  return 0
end
if allow > want then
  allow = want
end
redis.call('INCRBY', key, allow)
redis.call('PEXPIRE', key, ttl)
return allow
`)

// Reserve grants permits for the current minute window.
func (b *RedisRateBudget) Reserve(ctx context.Context, campaignID uuid.UUID, perMinute, want int) (int, error) {
	if want <= 0 {
		return 0, nil
	}
	if perMinute <= 0 {
		return want, nil
	}

	key := b.key(campaignID, time.Now())
	// The key outlives its window by a minute so a tick straddling the
	// boundary never resurrects a freshly expired counter.
	allowed, err := reserveScript.Run(ctx, b.client, []string{key}, perMinute, want, (2 * time.Minute).Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("rate budget reserve: %w", err)
	}
	return allowed, nil
}

func (b *RedisRateBudget) key(campaignID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", b.keyPrefix, campaignID.String(), at.Unix()/60)
}
