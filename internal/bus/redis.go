package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "conductor:agent:"

// RedisBus carries messages over one Redis stream per agent, so hints survive
// across processes sharing the same Redis.
type RedisBus struct {
	rdb    *redis.Client
	dir    Directory
	maxLen int64
	block  time.Duration
	logger *zap.Logger
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(ctx context.Context, redisURL string, dir Directory, mailboxSize int, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(rdb, dir, mailboxSize, logger), nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(rdb *redis.Client, dir Directory, mailboxSize int, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &RedisBus{
		rdb:    rdb,
		dir:    dir,
		maxLen: int64(mailboxSize),
		block:  2 * time.Second,
		logger: logger.With(zap.String("component", "bus")),
	}
}

func stream(agentID string) string { return streamPrefix + agentID }

func (b *RedisBus) Send(ctx context.Context, from, to, kind, body string) {
	msg := NewMessage(from, to, kind, body)
	if err := b.Deliver(ctx, msg); err != nil {
		b.logger.Warn("dropped message",
			zap.String("from", from), zap.String("to", to), zap.String("kind", kind), zap.Error(err))
	}
}

// Deliver appends msg to the recipient's stream, trimming it to roughly the
// mailbox size.
func (b *RedisBus) Deliver(ctx context.Context, msg *Message) error {
	if err := reachable(b.dir, msg.To); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDropped, err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream(msg.To),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrDropped, stream(msg.To), err)
	}
	b.logger.Debug("published message", zap.String("from", msg.From), zap.String("to", msg.To))
	return nil
}

// Subscribe reads the agent's stream from the beginning, deleting entries as
// they are handed out so each message is consumed once.
func (b *RedisBus) Subscribe(ctx context.Context, agentID string) <-chan *Message {
	ch := make(chan *Message, b.maxLen)
	key := stream(agentID)

	go func() {
		defer close(ch)
		lastID := "0"
		for ctx.Err() == nil {
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   16,
				Block:   b.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				b.logger.Debug("stream read failed", zap.String("stream", key), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			for _, r := range results {
				for _, xm := range r.Messages {
					lastID = xm.ID
					data, ok := xm.Values["data"].(string)
					if !ok {
						continue
					}
					var m Message
					if json.Unmarshal([]byte(data), &m) != nil {
						continue
					}
					select {
					case ch <- &m:
						b.rdb.XDel(ctx, key, xm.ID)
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// Pending returns the number of queued messages for agentID.
func (b *RedisBus) Pending(ctx context.Context, agentID string) (int64, error) {
	return b.rdb.XLen(ctx, stream(agentID)).Result()
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
