package mq

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Compile-time check that SQLSessionStore implements SessionStore
var _ SessionStore = (*SQLSessionStore)(nil)

// SQLSessionStore implements SessionStore on top of a shared sqlite
// database, one row per (clientID, kind, key) the same way
// BadgerSessionStore namespaces a shared embedded KV store, but through
// sqlx so an operator can point it at a file that ordinary SQL tooling can
// inspect instead of a Badger-specific one.
type SQLSessionStore struct {
	db       *sqlx.DB
	clientID string
}

const sqlSessionSchema = `
CREATE TABLE IF NOT EXISTS session_pending (
	client_id TEXT NOT NULL,
	packet_id INTEGER NOT NULL,
	payload   BLOB NOT NULL,
	PRIMARY KEY (client_id, packet_id)
);
CREATE TABLE IF NOT EXISTS session_subscriptions (
	client_id TEXT NOT NULL,
	topic     TEXT NOT NULL,
	payload   BLOB NOT NULL,
	PRIMARY KEY (client_id, topic)
);
CREATE TABLE IF NOT EXISTS session_qos2 (
	client_id TEXT NOT NULL,
	packet_id INTEGER NOT NULL,
	PRIMARY KEY (client_id, packet_id)
);
`

// SQLSessionStoreFactory opens (or creates) a sqlite database at path and
// returns a SessionStoreFactory that hands out SQLSessionStore values
// sharing that one *sqlx.DB, mirroring BadgerSessionStoreFactory's shape.
func SQLSessionStoreFactory(path string) (func(clientID string) (SessionStore, error), error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to open session database " + path, Parent: err}
	}
	if _, err := db.Exec(sqlSessionSchema); err != nil {
		return nil, &StorageTransientError{Message: "failed to migrate session database " + path, Parent: err}
	}

	return func(clientID string) (SessionStore, error) {
		return &SQLSessionStore{db: db, clientID: clientID}, nil
	}, nil
}

func (s *SQLSessionStore) SavePendingPublish(packetID uint16, pub *PersistedPublish) error {
	data, err := json.Marshal(pub)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO session_pending (client_id, packet_id, payload) VALUES (?, ?, ?)
		 ON CONFLICT(client_id, packet_id) DO UPDATE SET payload = excluded.payload`,
		s.clientID, packetID, data)
	return err
}

func (s *SQLSessionStore) DeletePendingPublish(packetID uint16) error {
	_, err := s.db.Exec(`DELETE FROM session_pending WHERE client_id = ? AND packet_id = ?`, s.clientID, packetID)
	return err
}

func (s *SQLSessionStore) LoadPendingPublishes() (map[uint16]*PersistedPublish, error) {
	rows, err := s.db.Query(`SELECT packet_id, payload FROM session_pending WHERE client_id = ?`, s.clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uint16]*PersistedPublish)
	for rows.Next() {
		var packetID uint16
		var data []byte
		if err := rows.Scan(&packetID, &data); err != nil {
			return nil, err
		}
		var pub PersistedPublish
		if err := json.Unmarshal(data, &pub); err != nil {
			continue
		}
		result[packetID] = &pub
	}
	return result, rows.Err()
}

func (s *SQLSessionStore) ClearPendingPublishes() error {
	_, err := s.db.Exec(`DELETE FROM session_pending WHERE client_id = ?`, s.clientID)
	return err
}

func (s *SQLSessionStore) SaveSubscription(topic string, sub *SubscriptionInfo) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO session_subscriptions (client_id, topic, payload) VALUES (?, ?, ?)
		 ON CONFLICT(client_id, topic) DO UPDATE SET payload = excluded.payload`,
		s.clientID, topic, data)
	return err
}

func (s *SQLSessionStore) DeleteSubscription(topic string) error {
	_, err := s.db.Exec(`DELETE FROM session_subscriptions WHERE client_id = ? AND topic = ?`, s.clientID, topic)
	return err
}

func (s *SQLSessionStore) LoadSubscriptions() (map[string]*SubscriptionInfo, error) {
	rows, err := s.db.Query(`SELECT topic, payload FROM session_subscriptions WHERE client_id = ?`, s.clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*SubscriptionInfo)
	for rows.Next() {
		var topic string
		var data []byte
		if err := rows.Scan(&topic, &data); err != nil {
			return nil, err
		}
		var sub SubscriptionInfo
		if err := json.Unmarshal(data, &sub); err != nil {
			continue
		}
		result[topic] = &sub
	}
	return result, rows.Err()
}

func (s *SQLSessionStore) SaveReceivedQoS2(packetID uint16) error {
	_, err := s.db.Exec(
		`INSERT INTO session_qos2 (client_id, packet_id) VALUES (?, ?)
		 ON CONFLICT(client_id, packet_id) DO NOTHING`,
		s.clientID, packetID)
	return err
}

func (s *SQLSessionStore) DeleteReceivedQoS2(packetID uint16) error {
	_, err := s.db.Exec(`DELETE FROM session_qos2 WHERE client_id = ? AND packet_id = ?`, s.clientID, packetID)
	return err
}

func (s *SQLSessionStore) LoadReceivedQoS2() (map[uint16]struct{}, error) {
	rows, err := s.db.Query(`SELECT packet_id FROM session_qos2 WHERE client_id = ?`, s.clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uint16]struct{})
	for rows.Next() {
		var packetID uint16
		if err := rows.Scan(&packetID); err != nil {
			return nil, err
		}
		result[packetID] = struct{}{}
	}
	return result, rows.Err()
}

func (s *SQLSessionStore) ClearReceivedQoS2() error {
	_, err := s.db.Exec(`DELETE FROM session_qos2 WHERE client_id = ?`, s.clientID)
	return err
}

func (s *SQLSessionStore) Clear() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	for _, table := range []string{"session_pending", "session_subscriptions", "session_qos2"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE client_id = ?`, s.clientID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
