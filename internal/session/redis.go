package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/toque/internal/llm"
)

// RedisHistory keeps history in a Redis list per session so it
// survives restarts and can be shared between replicas.
type RedisHistory struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	max    int
	prefix string
}

// NewRedisHistory creates a Redis-backed store.
func NewRedisHistory(rdb redis.Cmdable, ttl time.Duration, maxMessages int) *RedisHistory {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &RedisHistory{rdb: rdb, ttl: ttl, max: maxMessages, prefix: "toque:session:"}
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (h *RedisHistory) key(sessionID string) string {
	return h.prefix + sessionID + ":messages"
}

// Append pushes messages, trims the list and extends the TTL.
func (h *RedisHistory) Append(ctx context.Context, sessionID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		vals = append(vals, b)
	}

	key := h.key(sessionID)
	if err := h.rdb.RPush(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("push history: %w", err)
	}
	if err := h.rdb.LTrim(ctx, key, int64(-h.max), -1).Err(); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if h.ttl > 0 {
		if err := h.rdb.Expire(ctx, key, h.ttl).Err(); err != nil {
			return fmt.Errorf("expire history: %w", err)
		}
	}
	return nil
}

// Load returns the stored history, oldest first.
func (h *RedisHistory) Load(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := h.rdb.LRange(ctx, h.key(sessionID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]llm.Message, 0, len(rows))
	for i, s := range rows {
		var m llm.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return trim(msgs, h.max), nil
}

// Clear deletes the session list.
func (h *RedisHistory) Clear(ctx context.Context, sessionID string) error {
	if err := h.rdb.Del(ctx, h.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
