// Package sqlqueue provides the sqlite:// and postgres:// schemes: every
// topic is a set of rows in one queue table. Consumers of a topic compete
// for rows, a row is deleted on ack and retried with a delay on nack until
// it is moved to the dead letter table.
//
//	sqlite:///var/lib/teeflow/queue.db?poll=50ms
//	postgres://teeflow:secret@db:5432/teeflow?sslmode=disable&max_retries=5
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/jsoncodec"
	"github.com/drblury/teeflow/transport"
)

const (
	SQLiteScheme   = "sqlite"
	PostgresScheme = "postgres"

	queueTable = "teeflow_queue"
	deadTable  = "teeflow_queue_dead"

	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultLockTimeout  = 30 * time.Second
)

// RetryDelay is multiplied by the retry count to delay a nacked row.
var RetryDelay = time.Second

// Open allows overriding how connections are opened for testing.
var Open = func(driver, dsn string) (*sqlx.DB, error) {
	return sqlx.Open(driver, dsn)
}

func init() {
	Register()
}

// Register registers the sqlite and postgres schemes with the default
// registry.
func Register() {
	transport.Register(SQLiteAdapter())
	transport.Register(PostgresAdapter())
}

// SQLiteAdapter describes the sqlite scheme.
func SQLiteAdapter() transport.Adapter {
	return newAdapter(sqliteDialect, transport.SQLiteCapabilities)
}

// PostgresAdapter describes the postgres scheme.
func PostgresAdapter() transport.Adapter {
	return newAdapter(postgresDialect, transport.PostgresCapabilities)
}

func newAdapter(d dialect, caps transport.Capabilities) transport.Adapter {
	return transport.Adapter{
		Scheme:  d.scheme,
		Aliases: d.aliases,
		NewPublisher: func(ctx context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
			q, err := open(ctx, d, uri, opts)
			if err != nil {
				return nil, err
			}
			return q, nil
		},
		NewSubscriber: func(ctx context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
			q, err := open(ctx, d, uri, opts)
			if err != nil {
				return nil, err
			}
			return q, nil
		},
		Capabilities: caps,
	}
}

type dialect struct {
	scheme      string
	aliases     []string
	driver      string
	placeholder sq.PlaceholderFormat
	// lockSuffix is appended to the row claim query.
	lockSuffix string
	schema     []string
	dsn        func(uri *url.URL) (string, error)
}

var sqliteDialect = dialect{
	scheme:      SQLiteScheme,
	aliases:     []string{"sqlite3"},
	driver:      "sqlite3",
	placeholder: sq.Question,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS ` + queueTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			available_at INTEGER NOT NULL,
			locked_until INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + queueTable + `_topic ON ` + queueTable + `(topic, available_at)`,
		`CREATE TABLE IF NOT EXISTS ` + deadTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			failed_at INTEGER NOT NULL
		)`,
	},
	dsn: func(uri *url.URL) (string, error) {
		path := uri.Path
		if uri.Host != "" && uri.Host != "localhost" {
			path = uri.Host + uri.Path
		}
		if path == "" {
			return "", fmt.Errorf("sqlite: no path in %q", uri.Redacted())
		}
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	},
}

var postgresDialect = dialect{
	scheme:      PostgresScheme,
	aliases:     []string{"postgresql"},
	driver:      "postgres",
	placeholder: sq.Dollar,
	lockSuffix:  "FOR UPDATE SKIP LOCKED",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS ` + queueTable + ` (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			available_at BIGINT NOT NULL,
			locked_until BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + queueTable + `_topic ON ` + queueTable + `(topic, available_at)`,
		`CREATE TABLE IF NOT EXISTS ` + deadTable + ` (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			failed_at BIGINT NOT NULL
		)`,
	},
	dsn: func(uri *url.URL) (string, error) {
		dsn := *uri
		dsn.Scheme = "postgres"
		q := dsn.Query()
		for _, key := range queueParams {
			q.Del(key)
		}
		dsn.RawQuery = q.Encode()
		return dsn.String(), nil
	},
}

// queueParams are URI query keys read by the queue, not the driver.
var queueParams = []string{"poll", "max_retries", "lock_timeout"}

type settings struct {
	pollInterval time.Duration
	maxRetries   int
	lockTimeout  time.Duration
}

func parseSettings(uri *url.URL) (settings, error) {
	s := settings{
		pollInterval: DefaultPollInterval,
		maxRetries:   DefaultMaxRetries,
		lockTimeout:  DefaultLockTimeout,
	}
	q := uri.Query()
	var errs []error
	if v := q.Get("poll"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("poll: invalid duration %q", v))
		} else {
			s.pollInterval = d
		}
	}
	if v := q.Get("lock_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("lock_timeout: invalid duration %q", v))
		} else {
			s.lockTimeout = d
		}
	}
	if v := q.Get("max_retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("max_retries: invalid count %q", v))
		} else {
			s.maxRetries = n
		}
	}
	return s, errors.Join(errs...)
}

// Queue is both the publisher and the subscriber of a scheme.
type Queue struct {
	db       *sqlx.DB
	dialect  dialect
	builder  sq.StatementBuilderType
	settings settings
	logger   watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// open connects to the database addressed by uri and creates the queue
// tables.
func open(ctx context.Context, d dialect, uri *url.URL, opts transport.Options) (*Queue, error) {
	s, err := parseSettings(uri)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.scheme, err)
	}
	dsn, err := d.dsn(uri)
	if err != nil {
		return nil, err
	}
	db, err := Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.scheme, err)
	}
	if d.driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	q := &Queue{
		db:       db,
		dialect:  d,
		builder:  sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		settings: s,
		logger:   opts.WithDefaults().Logger.With(watermill.LogFields{"scheme": d.scheme}),
		closing:  make(chan struct{}),
	}
	if err := q.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s queue schema: %w", d.scheme, err)
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	for _, stmt := range q.dialect.schema {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) closed() bool {
	select {
	case <-q.closing:
		return true
	default:
		return false
	}
}

// Publish inserts messages in one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.closed() {
		return errspkg.ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}

	insert := q.builder.Insert(queueTable).Columns("uuid", "topic", "payload", "metadata", "available_at")
	now := time.Now().UnixNano()
	for _, msg := range messages {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		insert = insert.Values(msg.UUID, topic, msg.Payload, string(md), now)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if messages[0].Context() != nil {
		ctx = messages[0].Context()
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", queueTable, err)
	}
	return nil
}

// Subscribe polls topic until ctx is done or the queue is closed.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.closed() {
		return nil, errspkg.ErrClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

// Close stops every subscription and closes the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closing)
		q.wg.Wait()
		err = q.db.Close()
	})
	return err
}

type row struct {
	ID         int64  `db:"id"`
	UUID       string `db:"uuid"`
	Payload    []byte `db:"payload"`
	Metadata   string `db:"metadata"`
	RetryCount int    `db:"retry_count"`
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closing:
			return
		case <-timer.C:
		}

		r, err := q.claim(ctx, topic)
		switch {
		case err == nil:
			if !q.deliver(ctx, topic, r, out) {
				return
			}
			timer.Reset(0)
		case errors.Is(err, sql.ErrNoRows):
			timer.Reset(q.settings.pollInterval)
		default:
			if ctx.Err() == nil {
				q.logger.Error("Claiming row failed", err, watermill.LogFields{"topic": topic})
			}
			timer.Reset(q.settings.pollInterval)
		}
	}
}

// claim locks the oldest available row of topic.
func (q *Queue) claim(ctx context.Context, topic string) (row, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return row{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	sel := q.builder.
		Select("id", "uuid", "payload", "metadata", "retry_count").
		From(queueTable).
		Where(sq.Eq{"topic": topic}).
		Where(sq.LtOrEq{"available_at": now.UnixNano()}).
		Where(sq.Lt{"locked_until": now.UnixNano()}).
		OrderBy("id").
		Limit(1)
	if q.dialect.lockSuffix != "" {
		sel = sel.Suffix(q.dialect.lockSuffix)
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return row{}, err
	}

	var r row
	if err := tx.GetContext(ctx, &r, query, args...); err != nil {
		return row{}, err
	}

	query, args, err = q.builder.Update(queueTable).
		Set("locked_until", now.Add(q.settings.lockTimeout).UnixNano()).
		Where(sq.Eq{"id": r.ID}).
		ToSql()
	if err != nil {
		return row{}, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return row{}, err
	}
	return r, tx.Commit()
}

// deliver hands r to the consumer and settles it. It returns false when
// the subscription ends.
func (q *Queue) deliver(ctx context.Context, topic string, r row, out chan<- *message.Message) bool {
	msg := message.NewMessage(r.UUID, r.Payload)
	if r.Metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(r.Metadata), &msg.Metadata); err != nil {
			q.logger.Error("Dropping unreadable metadata", err, watermill.LogFields{"uuid": r.UUID})
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		q.unlock(r.ID)
		return false
	case <-q.closing:
		q.unlock(r.ID)
		return false
	}

	select {
	case <-msg.Acked():
		q.exec("ack", q.builder.Delete(queueTable).Where(sq.Eq{"id": r.ID}))
	case <-msg.Nacked():
		q.nack(topic, r)
	case <-ctx.Done():
		q.unlock(r.ID)
		return false
	case <-q.closing:
		q.unlock(r.ID)
		return false
	}
	return true
}

func (q *Queue) nack(topic string, r row) {
	if r.RetryCount >= q.settings.maxRetries {
		q.exec("dead letter", q.builder.Insert(deadTable).
			Columns("uuid", "topic", "payload", "metadata", "retry_count", "failed_at").
			Values(r.UUID, topic, r.Payload, r.Metadata, r.RetryCount, time.Now().UnixNano()))
		q.exec("delete dead letter", q.builder.Delete(queueTable).Where(sq.Eq{"id": r.ID}))
		q.logger.Info("Moved message to dead letter table", watermill.LogFields{"uuid": r.UUID, "topic": topic})
		return
	}
	delay := time.Duration(r.RetryCount+1) * RetryDelay
	q.exec("nack", q.builder.Update(queueTable).
		Set("retry_count", r.RetryCount+1).
		Set("locked_until", 0).
		Set("available_at", time.Now().Add(delay).UnixNano()).
		Where(sq.Eq{"id": r.ID}))
}

func (q *Queue) unlock(id int64) {
	q.exec("unlock", q.builder.Update(queueTable).Set("locked_until", 0).Where(sq.Eq{"id": id}))
}

func (q *Queue) exec(op string, stmt sq.Sqlizer) {
	query, args, err := stmt.ToSql()
	if err == nil {
		_, err = q.db.Exec(query, args...)
	}
	if err != nil {
		q.logger.Error("Queue "+op+" failed", err, nil)
	}
}
