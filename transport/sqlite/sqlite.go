// Package sqlite provides an embedded SQLite queue transport. A producer and
// the pipeline sharing the database file exchange events without a broker,
// and events written while the pipeline is down wait in the file.
package sqlite

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/drblury/activitypipe/transport"
	"github.com/drblury/activitypipe/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is the database file used when the config names none.
const DefaultFilePath = "activitypipe_queue.db"

// Dialect is the SQLite flavour of the queue statements.
var Dialect = sqlqueue.Dialect{
	Driver: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS activitypipe_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			locked_until INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activitypipe_queue_topic ON activitypipe_queue(topic, id)`,
	},
	Insert: `INSERT INTO activitypipe_queue (uuid, topic, payload, metadata) VALUES (?, ?, ?, ?)`,
	Claim: `UPDATE activitypipe_queue SET locked_until = ?
		WHERE id = (
			SELECT id FROM activitypipe_queue
			WHERE topic = ? AND locked_until < ?
			ORDER BY id
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata`,
	Delete:  `DELETE FROM activitypipe_queue WHERE id = ?`,
	Release: `UPDATE activitypipe_queue SET locked_until = 0 WHERE id = ?`,
	Count:   `SELECT COUNT(*) FROM activitypipe_queue WHERE topic = ?`,
}

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.Register(transport.Registration{Name: TransportName, Builder: Build, Capabilities: transport.SQLiteCapabilities})
}

// Build opens the configured database file and returns a transport whose
// publisher and subscriber share it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, cfg.GetSQLiteFile(), sqlqueue.Options{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// New opens the queue stored in path. SQLite allows a single writer, so the
// queue uses one connection.
func New(ctx context.Context, path string, opts sqlqueue.Options, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	opts.MaxOpenConns = 1
	return sqlqueue.Open(ctx, Dialect, DSN(path), opts, logger)
}

// DSN turns a file path into a connection string with WAL journaling and a
// busy timeout, so a producer process can write concurrently.
func DSN(path string) string {
	if path == "" {
		path = DefaultFilePath
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
