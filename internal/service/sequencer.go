package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Sequencer serializes work under a key. The returned release must be called
// exactly once.
type Sequencer interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalSequencer serializes within one process. Waiters give up when their
// context ends.
type LocalSequencer struct {
	sem chan struct{}
}

func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{sem: make(chan struct{}, 1)}
}

func (s *LocalSequencer) Acquire(ctx context.Context, key string) (func(), error) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}
}

// RedisSequencer holds a SET NX lock so several API instances take turns.
// TTL bounds how long a crashed holder blocks the others.
type RedisSequencer struct {
	rdb  *redis.Client
	TTL  time.Duration
	Poll time.Duration
}

func NewRedisSequencer(rdb *redis.Client) *RedisSequencer {
	return &RedisSequencer{rdb: rdb, TTL: 30 * time.Second, Poll: 50 * time.Millisecond}
}

// unlock deletes the key only while it still holds our token.
var unlock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (s *RedisSequencer) Acquire(ctx context.Context, key string) (func(), error) {
	name := "ridernav:lock:" + key
	token := uuid.NewString()
	for {
		ok, err := s.rdb.SetNX(ctx, name, token, s.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = unlock.Run(c, s.rdb, []string{name}, token).Err()
			}, nil
		}
		select {
		case <-time.After(s.Poll):
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		}
	}
}
