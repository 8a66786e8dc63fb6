package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRetainedRecord is the JSON wire format stored in Redis; RetainedEntry
// itself isn't (de)serialized directly so the on-disk format doesn't change
// if the in-memory struct grows unrelated fields later.
type redisRetainedRecord struct {
	Topic       string      `json:"topic"`
	Payload     []byte      `json:"payload"`
	QoS         uint8       `json:"qos"`
	Properties  *Properties `json:"properties,omitempty"`
	PublishedAt int64       `json:"published_at"`
	ExpiresAt   int64       `json:"expires_at,omitempty"`
}

// RedisRetainedStore stores retained messages in a single Redis hash
// (field = topic, value = JSON record), suitable for sharing retained
// state across broker nodes that front the same Redis instance.
// Wildcard matching still happens client-side against HGETALL, since
// Redis has no native MQTT topic-filter matching; this trades O(n) Match
// calls for simplicity, acceptable given retained sets are typically
// small relative to live traffic.
type RedisRetainedStore struct {
	rdb *redis.Client
	key string
}

// NewRedisRetainedStore creates a RetainedStore backed by rdb, storing all
// entries under the given hash key (e.g. "mq:retained").
func NewRedisRetainedStore(rdb *redis.Client, key string) *RedisRetainedStore {
	return &RedisRetainedStore{rdb: rdb, key: key}
}

func (s *RedisRetainedStore) Set(topic string, entry *RetainedEntry) error {
	rec := redisRetainedRecord{
		Topic: topic, Payload: entry.Payload, QoS: uint8(entry.QoS),
		Properties: entry.Properties, PublishedAt: entry.PublishedAt.UnixNano(),
	}
	if !entry.ExpiresAt.IsZero() {
		rec.ExpiresAt = entry.ExpiresAt.UnixNano()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &InternalError{Message: "failed to marshal retained entry", Parent: err}
	}
	if err := s.rdb.HSet(context.Background(), s.key, topic, data).Err(); err != nil {
		return &StorageTransientError{Message: "redis HSET failed", Parent: err}
	}
	return nil
}

func (s *RedisRetainedStore) Clear(topic string) error {
	if err := s.rdb.HDel(context.Background(), s.key, topic).Err(); err != nil {
		return &StorageTransientError{Message: "redis HDEL failed", Parent: err}
	}
	return nil
}

func (s *RedisRetainedStore) all() (map[string]*RetainedEntry, error) {
	raw, err := s.rdb.HGetAll(context.Background(), s.key).Result()
	if err != nil {
		return nil, &StorageTransientError{Message: "redis HGETALL failed", Parent: err}
	}
	now := time.Now()
	out := make(map[string]*RetainedEntry, len(raw))
	for topic, data := range raw {
		var rec redisRetainedRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		entry := &RetainedEntry{
			Topic: rec.Topic, Payload: rec.Payload, QoS: QoS(rec.QoS),
			Properties: rec.Properties, PublishedAt: time.Unix(0, rec.PublishedAt),
		}
		if rec.ExpiresAt != 0 {
			entry.ExpiresAt = time.Unix(0, rec.ExpiresAt)
		}
		if entry.Expired(now) {
			_ = s.Clear(topic)
			continue
		}
		out[topic] = entry
	}
	return out, nil
}

func (s *RedisRetainedStore) Match(filter string) ([]*RetainedEntry, error) {
	entries, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*RetainedEntry
	for topic, entry := range entries {
		if matchTopic(filter, topic) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *RedisRetainedStore) Len() (int, error) {
	entries, err := s.all()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
