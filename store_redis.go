package talentbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTokenKey is the key used when NewRedisTokenStore is given "".
const DefaultRedisTokenKey = "talentbridge:session:token"

// RedisTokenStore keeps the token under a single Redis key. When the token
// carries an expiry the key is given a matching TTL, so a stale session
// disappears on its own.
type RedisTokenStore struct {
	cli redis.Cmdable
	key string
}

// NewRedisTokenStore wraps an existing client (a *redis.Client or cluster).
func NewRedisTokenStore(cli redis.Cmdable, key string) *RedisTokenStore {
	if key == "" {
		key = DefaultRedisTokenKey
	}
	return &RedisTokenStore{cli: cli, key: key}
}

func (s *RedisTokenStore) Token(ctx context.Context) (string, error) {
	v, err := s.cli.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return v, nil
}

func (s *RedisTokenStore) SetToken(ctx context.Context, token string) error {
	ttl, ok := tokenTTL(token, time.Now())
	if !ok {
		// Already expired: nothing worth keeping, and no stale key left behind.
		return s.ClearToken(ctx)
	}
	if err := s.cli.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisTokenStore) ClearToken(ctx context.Context) error {
	if err := s.cli.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}

// tokenTTL returns the remaining lifetime of token, or 0 (no expiry) when the
// token carries no decodable expiry. ok is false once the expiry has passed.
func tokenTTL(token string, now time.Time) (ttl time.Duration, ok bool) {
	claims, err := DecodeClaims(token)
	if err != nil || !claims.HasExpiry() {
		return 0, true
	}
	ttl = claims.ExpiresAt.Sub(now)
	if ttl < time.Second {
		return 0, false
	}
	return ttl, true
}
