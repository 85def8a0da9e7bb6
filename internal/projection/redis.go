package projection

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV on a go-redis client.
type RedisKV struct {
	Client *redis.Client
}

func NewRedisKV(opt *redis.Options) *RedisKV {
	return &RedisKV{Client: redis.NewClient(opt)}
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}

// AddMember adds member to the set at key and refreshes the set's expiry
// so an index never outlives the entries it points at by more than ttl.
func (s *RedisKV) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.Client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisKV) Members(ctx context.Context, key string) ([]string, error) {
	return s.Client.SMembers(ctx, key).Result()
}

func (s *RedisKV) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisKV) Close() error {
	return s.Client.Close()
}
