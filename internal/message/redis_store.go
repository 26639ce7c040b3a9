package message

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 2 * time.Second

// redisKey returns the Redis key for a session's message list.
func redisKey(code string) string {
	return "session:" + code + ":messages"
}

// RedisStore keeps chat history in Redis using a list per session.
// Every append refreshes the key's TTL so abandoned histories expire
// on their own.
type RedisStore struct {
	client  redis.Cmdable
	maxSize int64
	ttl     time.Duration
}

// NewRedisStore creates a RedisStore that retains up to maxSize messages
// per session. A ttl of 0 leaves keys without expiry.
func NewRedisStore(client redis.Cmdable, maxSize int, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		maxSize: int64(maxSize),
		ttl:     ttl,
	}
}

// Append adds a message to the session's list, trimming to maxSize.
// A store with maxSize <= 0 keeps nothing.
func (s *RedisStore) Append(msg *Message) {
	if s.maxSize <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("redis: failed to marshal message: %v", err)
		return
	}

	key := redisKey(msg.SessionCode)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxSize, -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("redis: failed to append message: %v", err)
	}
}

// Recent returns the last n messages for a session, oldest first.
func (s *RedisStore) Recent(code string, n int) []*Message {
	if n <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.client.LRange(ctx, redisKey(code), int64(-n), -1).Result()
	if err != nil {
		log.Printf("redis: failed to read recent messages: %v", err)
		return nil
	}
	if len(vals) == 0 {
		return nil
	}

	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs
}

// DeleteSession removes all stored messages for a session.
func (s *RedisStore) DeleteSession(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := s.client.Del(ctx, redisKey(code)).Err(); err != nil {
		log.Printf("redis: failed to delete session messages: %v", err)
	}
}

// Count returns the number of stored messages for a session.
func (s *RedisStore) Count(code string) int {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, redisKey(code)).Result()
	if err != nil {
		log.Printf("redis: failed to count messages: %v", err)
		return 0
	}
	return int(n)
}
