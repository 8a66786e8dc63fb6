package mq

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLArchive appends every accepted message as a row in a SQLite table,
// via sqlx for the query convenience it gives over database/sql. Intended
// for single-node deployments that want message history without standing
// up a separate datastore.
type SQLArchive struct {
	db *sqlx.DB
}

// NewSQLArchive opens (creating if necessary) a SQLite database at path
// and ensures the archive table exists.
func NewSQLArchive(path string) (*SQLArchive, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to open sqlite archive", Parent: err}
	}
	const schema = `
CREATE TABLE IF NOT EXISTS message_archive (
	id          TEXT PRIMARY KEY,
	topic       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	qos         INTEGER NOT NULL,
	retained    INTEGER NOT NULL,
	origin_node TEXT NOT NULL,
	published_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_archive_topic ON message_archive(topic);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &StorageTransientError{Message: "failed to migrate sqlite archive schema", Parent: err}
	}
	return &SQLArchive{db: db}, nil
}

func (a *SQLArchive) Append(ctx context.Context, msg *Message) error {
	const insert = `
INSERT INTO message_archive (id, topic, payload, qos, retained, origin_node, published_at)
VALUES (:id, :topic, :payload, :qos, :retained, :origin_node, :published_at)
ON CONFLICT(id) DO NOTHING
`
	retained := 0
	if msg.Retained {
		retained = 1
	}
	_, err := a.db.NamedExecContext(ctx, insert, map[string]any{
		"id":           msg.ID.String(),
		"topic":        msg.Topic,
		"payload":      msg.Payload,
		"qos":          uint8(msg.QoS),
		"retained":     retained,
		"origin_node":  msg.OriginNode,
		"published_at": msg.PublishedAt.UnixNano(),
	})
	if err != nil {
		return &StorageTransientError{Message: "failed to append to sqlite archive", Parent: err}
	}
	return nil
}

func (a *SQLArchive) Close() error {
	err := a.db.Close()
	if err != nil && err != sql.ErrConnDone {
		return &StorageTransientError{Message: "failed to close sqlite archive", Parent: err}
	}
	return nil
}
