package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ringlink/pkg/utils"
)

const tokenKeyPrefix = "push:tokens:"

// RedisTokenRepo stores device registrations in a redis hash per user
// (field = token, value = JSON). Registrations survive server restarts,
// which matters because the waker exists precisely for devices that are
// not connected.
type RedisTokenRepo struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewRedisTokenRepo(rdb *redis.Client) (*RedisTokenRepo, error) {
	if rdb == nil {
		return nil, errors.New("push: redis client is nil")
	}
	return &RedisTokenRepo{rdb: rdb, clock: time.Now}, nil
}

func (r *RedisTokenRepo) Save(ctx context.Context, tok DeviceToken) error {
	if tok.UserID == "" || tok.Token == "" {
		return errors.New("push: user_id and token required")
	}
	if tok.Platform != PlatformIOS && tok.Platform != PlatformAndroid {
		return errors.New("push: unknown platform")
	}
	tok.UpdatedAt = r.clock().UTC()
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, tokenKeyPrefix+tok.UserID, tok.Token, raw).Err(); err != nil {
		return fmt.Errorf("push: save token: %w", err)
	}
	return nil
}

func (r *RedisTokenRepo) ListByUser(ctx context.Context, userID string) ([]DeviceToken, error) {
	if userID == "" {
		return nil, errors.New("push: user_id required")
	}
	vals, err := r.rdb.HGetAll(ctx, tokenKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("push: list tokens: %w", err)
	}
	out := make([]DeviceToken, 0, len(vals))
	for _, raw := range vals {
		var tok DeviceToken
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

func (r *RedisTokenRepo) Delete(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return errors.New("push: user_id and token required")
	}
	if err := r.rdb.HDel(ctx, tokenKeyPrefix+userID, token).Err(); err != nil {
		return fmt.Errorf("push: delete token: %w", err)
	}
	return nil
}

// RedisSingleFlight dedupes wake dispatch per call id with a TTL equal to
// the ringing window, so a crashed caller cannot leave a lock behind past
// the point where the call attempt matters.
type RedisSingleFlight struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSingleFlight(rdb *redis.Client, ttl time.Duration) (*RedisSingleFlight, error) {
	if rdb == nil {
		return nil, errors.New("push: redis client is nil")
	}
	if ttl <= 0 {
		ttl = RingTTL
	}
	return &RedisSingleFlight{rdb: rdb, ttl: ttl}, nil
}

func (f *RedisSingleFlight) TryAcquire(ctx context.Context, callID string) (bool, error) {
	if callID == "" {
		return false, errors.New("push: call_id required")
	}
	return utils.AcquireSingleFlight(ctx, f.rdb, "push:wake:"+callID, f.ttl)
}
