package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions as JSON values. A sorted set indexed by
// UpdatedAt backs IdleBefore. Non-sending sessions also carry a TTL so
// that an instance that stops sweeping still leaves no stale state behind.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "broadcastbot:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(operatorID int64) string {
	return fmt.Sprintf("%ssession:%d", s.prefix, operatorID)
}

func (s *RedisStore) index() string { return s.prefix + "sessions" }

func (s *RedisStore) Get(ctx context.Context, operatorID int64) (*Session, error) {
	raw, err := s.rdb.Get(ctx, s.key(operatorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %d: %w", operatorID, err)
	}
	return &sess, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if sess.State == StateSending {
		ttl = 0
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(sess.OperatorID), b, ttl)
		p.ZAdd(ctx, s.index(), redis.Z{
			Score:  float64(sess.UpdatedAt.Unix()),
			Member: strconv.FormatInt(sess.OperatorID, 10),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, operatorID int64) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(operatorID))
		p.ZRem(ctx, s.index(), strconv.FormatInt(operatorID, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) IdleBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.index(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan sessions: %w", err)
	}
	var idle []int64
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			_ = s.rdb.ZRem(ctx, s.index(), m).Err()
			continue
		}
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNoSession) {
			// The value already expired through its TTL.
			_ = s.rdb.ZRem(ctx, s.index(), m).Err()
			continue
		}
		if err != nil {
			return idle, err
		}
		if sess.State == StateSending || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		idle = append(idle, id)
	}
	return idle, nil
}
