package mq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var _ SessionStore = (*BadgerSessionStore)(nil)

// BadgerSessionStore implements SessionStore against one shared embedded
// badger.DB, with every key namespaced by client ID. Where FileStore gives
// each client its own directory, BadgerSessionStore gives every client its
// own key range inside a single LSM-tree store, the shape a broker with
// many thousands of persistent sessions actually wants.
type BadgerSessionStore struct {
	db       *badger.DB
	clientID string
}

// BadgerSessionStoreFactory opens one badger.DB at dir and returns a
// factory function suitable for WithSessionStoreFactory; every call to
// the returned function for a different clientID shares the same
// underlying DB handle.
func BadgerSessionStoreFactory(dir string) (func(clientID string) (SessionStore, error), error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to open badger session store at " + dir, Parent: err}
	}
	return func(clientID string) (SessionStore, error) {
		return &BadgerSessionStore{db: db, clientID: clientID}, nil
	}, nil
}

func (s *BadgerSessionStore) key(kind, name string) []byte {
	return []byte(s.clientID + "\x00" + kind + "\x00" + name)
}

func (s *BadgerSessionStore) prefix(kind string) []byte {
	return []byte(s.clientID + "\x00" + kind + "\x00")
}

func (s *BadgerSessionStore) SavePendingPublish(packetID uint16, pub *PersistedPublish) error {
	data, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("failed to marshal pending publish: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key("pending", strconv.Itoa(int(packetID))), data)
	})
}

func (s *BadgerSessionStore) DeletePendingPublish(packetID uint16) error {
	return deleteIgnoringMissing(s.db, s.key("pending", strconv.Itoa(int(packetID))))
}

func (s *BadgerSessionStore) LoadPendingPublishes() (map[uint16]*PersistedPublish, error) {
	result := make(map[uint16]*PersistedPublish)
	prefix := s.prefix("pending")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id, err := strconv.Atoi(strings.TrimPrefix(string(item.Key()), string(prefix)))
			if err != nil {
				continue
			}
			var pub PersistedPublish
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &pub) }); err != nil {
				continue
			}
			result[uint16(id)] = &pub
		}
		return nil
	})
	return result, err
}

func (s *BadgerSessionStore) ClearPendingPublishes() error {
	return deletePrefix(s.db, s.prefix("pending"))
}

func (s *BadgerSessionStore) SaveSubscription(topic string, sub *SubscriptionInfo) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key("sub", topic), data)
	})
}

func (s *BadgerSessionStore) DeleteSubscription(topic string) error {
	return deleteIgnoringMissing(s.db, s.key("sub", topic))
}

func (s *BadgerSessionStore) LoadSubscriptions() (map[string]*SubscriptionInfo, error) {
	result := make(map[string]*SubscriptionInfo)
	prefix := s.prefix("sub")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			topic := strings.TrimPrefix(string(item.Key()), string(prefix))
			var sub SubscriptionInfo
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &sub) }); err != nil {
				continue
			}
			result[topic] = &sub
		}
		return nil
	})
	return result, err
}

func (s *BadgerSessionStore) SaveReceivedQoS2(packetID uint16) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key("qos2", strconv.Itoa(int(packetID))), []byte{})
	})
}

func (s *BadgerSessionStore) DeleteReceivedQoS2(packetID uint16) error {
	return deleteIgnoringMissing(s.db, s.key("qos2", strconv.Itoa(int(packetID))))
}

func (s *BadgerSessionStore) LoadReceivedQoS2() (map[uint16]struct{}, error) {
	result := make(map[uint16]struct{})
	prefix := s.prefix("qos2")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := strconv.Atoi(strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
			if err != nil {
				continue
			}
			result[uint16(id)] = struct{}{}
		}
		return nil
	})
	return result, err
}

func (s *BadgerSessionStore) ClearReceivedQoS2() error {
	return deletePrefix(s.db, s.prefix("qos2"))
}

func (s *BadgerSessionStore) Clear() error {
	return deletePrefix(s.db, []byte(s.clientID+"\x00"))
}

func deleteIgnoringMissing(db *badger.DB, key []byte) error {
	err := db.Update(func(txn *badger.Txn) error { return txn.Delete(key) })
	if err == badger.ErrKeyNotFound {
		return nil
	}
	return err
}

func deletePrefix(db *badger.DB, prefix []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
