package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "conductor:knowledge:"
	indexKey  = "conductor:knowledge:_index"
)

// RedisStore keeps each entry in a hash and the key set in an index set.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, logger: logger.With(zap.String("component", "knowledge"))}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	vals, err := s.rdb.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return decodeHash(key, vals), nil
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return errors.New("knowledge: empty key")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keyPrefix+e.Key)
		p.HSet(ctx, keyPrefix+e.Key,
			"value", e.Value,
			"tags", strings.Join(e.Tags, ","),
			"updated_at", e.UpdatedAt.UTC().Format(time.RFC3339Nano))
		p.SAdd(ctx, indexKey, e.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", e.Key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keyPrefix+key)
		p.SRem(ctx, indexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Search loads every indexed entry and ranks them in process.
func (s *RedisStore) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	keys, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, keyPrefix+k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search load: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for i, c := range cmds {
		vals := c.Val()
		if len(vals) == 0 {
			s.logger.Debug("stale index entry", zap.String("key", keys[i]))
			continue
		}
		entries = append(entries, *decodeHash(keys[i], vals))
	}
	return Rank(entries, query, limit), nil
}

func decodeHash(key string, vals map[string]string) *Entry {
	e := &Entry{Key: key, Value: vals["value"]}
	if t := vals["tags"]; t != "" {
		e.Tags = strings.Split(t, ",")
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		e.UpdatedAt = ts
	}
	return e
}
