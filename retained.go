package mq

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// RetainedStore persists the single retained message for each topic a
// retained PUBLISH has touched. A publish with an empty payload and the
// retain flag set clears the topic's retained entry (MQTT-3.3.1-10/11).
type RetainedStore interface {
	// Set stores entry as the retained message for topic, replacing any
	// previous one.
	Set(topic string, entry *RetainedEntry) error

	// Clear removes the retained message for topic, if any.
	Clear(topic string) error

	// Match returns every retained entry whose topic matches filter
	// (ordinary MQTT wildcard syntax), for delivery on a new SUBSCRIBE.
	Match(filter string) ([]*RetainedEntry, error)

	// Len reports how many topics currently have a retained message, for
	// Stats().
	Len() (int, error)
}

// MemoryRetainedStore is the default RetainedStore: an in-process
// go-cache instance keyed by topic, with each entry's MQTT message-expiry
// interval mapped onto go-cache's own per-item TTL so expired retained
// messages are reaped by its janitor instead of a hand-rolled sweep.
type MemoryRetainedStore struct {
	c *cache.Cache
}

// NewMemoryRetainedStore creates an empty in-memory RetainedStore. The
// janitor sweeps expired entries once a minute; Match skips any entry
// expired since the last sweep, while Len counts it until the sweep.
func NewMemoryRetainedStore() *MemoryRetainedStore {
	return &MemoryRetainedStore{c: cache.New(cache.NoExpiration, time.Minute)}
}

func (s *MemoryRetainedStore) Set(topic string, entry *RetainedEntry) error {
	ttl := time.Duration(cache.NoExpiration)
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Nanosecond
		}
	}
	s.c.Set(topic, entry, ttl)
	return nil
}

func (s *MemoryRetainedStore) Clear(topic string) error {
	s.c.Delete(topic)
	return nil
}

func (s *MemoryRetainedStore) Match(filter string) ([]*RetainedEntry, error) {
	var out []*RetainedEntry
	for topic, item := range s.c.Items() {
		if item.Expired() {
			continue
		}
		entry, ok := item.Object.(*RetainedEntry)
		if !ok {
			continue
		}
		if matchTopic(filter, topic) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryRetainedStore) Len() (int, error) {
	return s.c.ItemCount(), nil
}
