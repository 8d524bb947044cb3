// Package postgres provides a PostgreSQL queue transport. Rows are leased with
// FOR UPDATE SKIP LOCKED, so several pipelines may share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/drblury/activitypipe/transport"
	"github.com/drblury/activitypipe/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// DefaultSchema holds the queue table when the config names no schema.
const DefaultSchema = "activitypipe"

// DefaultMaxOpenConns bounds the connection pool of one queue.
const DefaultMaxOpenConns = 4

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ErrConnectionStringRequired is returned when no connection string is set.
var ErrConnectionStringRequired = errors.New("postgres: connection string is required")

func init() {
	Register()
}

// Register registers the PostgreSQL transport and its "postgresql" alias.
func Register() {
	transport.Register(transport.Registration{
		Name:         TransportName,
		Aliases:      []string{"postgresql"},
		Builder:      Build,
		Capabilities: transport.PostgresCapabilities,
	})
}

// Build connects to the configured database and returns a transport whose
// publisher and subscriber share the queue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, cfg.GetPostgresURL(), DefaultSchema, sqlqueue.Options{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// New connects to dsn and creates the queue table in schema.
func New(ctx context.Context, dsn, schema string, opts sqlqueue.Options, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	if dsn == "" {
		return nil, ErrConnectionStringRequired
	}
	dialect, err := NewDialect(schema)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}
	return sqlqueue.Open(ctx, dialect, dsn, opts, logger)
}

// NewDialect returns the queue statements for a table in schema. The schema
// name is interpolated, so it must be a plain lower-case identifier.
func NewDialect(schema string) (sqlqueue.Dialect, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !schemaPattern.MatchString(schema) {
		return sqlqueue.Dialect{}, fmt.Errorf("postgres: invalid schema name %q", schema)
	}
	table := schema + ".queue"

	return sqlqueue.Dialect{
		Driver: "pgx",
		Schema: []string{
			`CREATE SCHEMA IF NOT EXISTS ` + schema,
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
				id BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BYTEA NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				locked_until BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS queue_topic_id ON ` + table + ` (topic, id)`,
		},
		Insert: `INSERT INTO ` + table + ` (uuid, topic, payload, metadata) VALUES ($1, $2, $3, $4)`,
		Claim: `UPDATE ` + table + ` SET locked_until = $1
			WHERE id = (
				SELECT id FROM ` + table + `
				WHERE topic = $2 AND locked_until < $3
				ORDER BY id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, uuid, payload, metadata`,
		Delete:  `DELETE FROM ` + table + ` WHERE id = $1`,
		Release: `UPDATE ` + table + ` SET locked_until = 0 WHERE id = $1`,
		Count:   `SELECT COUNT(*) FROM ` + table + ` WHERE topic = $1`,
	}, nil
}
