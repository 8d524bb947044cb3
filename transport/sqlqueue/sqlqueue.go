// Package sqlqueue implements a Watermill publisher and subscriber on top of a
// single SQL table. Each topic is consumed in insertion order: a subscriber
// leases the oldest row, waits for the message to be settled, deletes it on
// ack and releases the lease on nack so the same row is delivered again.
//
// The sqlite and postgres transports provide the Dialect.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/activitypipe/internal/runtime/jsoncodec"
)

const (
	// DefaultPollInterval is how often an idle subscriber looks for new rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockTimeout is how long a delivered row stays leased.
	DefaultLockTimeout = 30 * time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("sqlqueue: queue is closed")

// Dialect holds the driver name and the statements of one database. Lease
// times are unix milliseconds.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string
	// Schema statements are executed in order when the queue opens.
	Schema []string
	// Insert takes uuid, topic, payload and metadata.
	Insert string
	// Claim takes lease deadline, topic and now, leases the oldest
	// available row of topic and returns id, uuid, payload and metadata.
	Claim string
	// Delete takes the row id.
	Delete string
	// Release takes the row id.
	Release string
	// Count takes the topic.
	Count string
}

// Options tune a Queue. Zero values use the defaults.
type Options struct {
	PollInterval time.Duration
	LockTimeout  time.Duration
	MaxOpenConns int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	return o
}

// Queue is both a message.Publisher and a message.Subscriber.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open opens dsn with the dialect's driver and creates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options, logger watermill.LoggerAdapter) (*Queue, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.Driver, err)
	}
	q, err := New(ctx, db, dialect, opts, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// New wraps db and creates the schema. The queue owns db from now on.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts Options, logger watermill.LoggerAdapter) (*Queue, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", dialect.Driver, err)
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create queue schema: %w", err)
		}
	}
	return &Queue{db: db, dialect: dialect, opts: opts, logger: logger, done: make(chan struct{})}, nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Publish inserts messages in one transaction, preserving their order.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", msg.UUID, err)
		}
		payload := []byte(msg.Payload)
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.Exec(q.dialect.Insert, msg.UUID, topic, payload, string(metadata)); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

// Subscribe starts polling topic. The channel closes when ctx is done or the
// queue is closed.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			delivered, ok := q.deliverNext(ctx, topic, out)
			if !ok {
				return
			}
			if !delivered {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
		}
	}
}

type row struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

// deliverNext leases and delivers the oldest row. delivered reports whether
// the caller may claim again right away; ok is false when the subscription
// must end.
func (q *Queue) deliverNext(ctx context.Context, topic string, out chan<- *message.Message) (delivered, ok bool) {
	now := time.Now()
	var r row
	err := q.db.QueryRowContext(ctx, q.dialect.Claim, now.Add(q.opts.LockTimeout).UnixMilli(), topic, now.UnixMilli()).
		Scan(&r.id, &r.uuid, &r.payload, &r.metadata)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, true
	case err != nil:
		if ctx.Err() != nil {
			return false, false
		}
		q.logger.Error("Failed to claim queued message", err, watermill.LogFields{"topic": topic})
		return false, true
	}

	msg := message.NewMessage(r.uuid, r.payload)
	if r.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(r.metadata), &msg.Metadata); err != nil {
			q.logger.Error("Failed to decode queued metadata", err, watermill.LogFields{"uuid": r.uuid})
		}
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		q.settle(q.dialect.Release, r.id)
		return true, false
	case <-q.done:
		q.settle(q.dialect.Release, r.id)
		return true, false
	}

	select {
	case <-msg.Acked():
		q.settle(q.dialect.Delete, r.id)
		return true, true
	case <-msg.Nacked():
		// Wait for the next tick before redelivering.
		q.settle(q.dialect.Release, r.id)
		return false, true
	case <-ctx.Done():
		q.settle(q.dialect.Release, r.id)
		return true, false
	case <-q.done:
		q.settle(q.dialect.Release, r.id)
		return true, false
	}
}

func (q *Queue) settle(stmt string, id int64) {
	if _, err := q.db.Exec(stmt, id); err != nil {
		q.logger.Error("Failed to settle queued message", err, watermill.LogFields{"id": id})
	}
}

// Pending returns the number of rows waiting on topic, leased or not.
func (q *Queue) Pending(ctx context.Context, topic string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, q.dialect.Count, topic).Scan(&n)
	return n, err
}

// Close stops every subscription and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return q.db.Close()
}
