// Package store persists handler results. Every (user, timestamp) pair is
// one row whose data column is a JSON object keyed by result field, so
// savers for different targets merge into the same snapshot.
//
//	sqlite:///var/lib/teeflow/snapshots.db
//	postgres://teeflow:secret@db:5432/teeflow?sslmode=disable
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/jsoncodec"
	"github.com/drblury/teeflow/internal/runtime/keylock"
)

const snapshotsTable = "teeflow_snapshots"

// Open allows overriding how connections are opened for testing.
var Open = func(driver, dsn string) (*sqlx.DB, error) {
	return sqlx.Open(driver, dsn)
}

// Writer merges one result into a snapshot. Savers depend on it rather
// than on Store.
type Writer interface {
	UpdateSnapshot(ctx context.Context, user, timestamp int64, field string, result any) error
}

// Snapshot is the merged view of every result saved for one user at one
// timestamp.
type Snapshot struct {
	User      int64          `json:"user"`
	Timestamp int64          `json:"timestamp"`
	Results   map[string]any `json:"results"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type dialect struct {
	driver      string
	placeholder sq.PlaceholderFormat
	schema      string
	dsn         func(uri *url.URL) (string, error)
}

var dialects = map[string]dialect{
	"sqlite": {
		driver:      "sqlite3",
		placeholder: sq.Question,
		schema: `CREATE TABLE IF NOT EXISTS ` + snapshotsTable + ` (
			user_id INTEGER NOT NULL,
			taken_at INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, taken_at)
		)`,
		dsn: func(uri *url.URL) (string, error) {
			path := uri.Path
			if uri.Host != "" && uri.Host != "localhost" {
				path = uri.Host + uri.Path
			}
			if path == "" {
				return "", fmt.Errorf("sqlite: no path in %q", uri.Redacted())
			}
			return path + "?_busy_timeout=5000", nil
		},
	},
	"postgres": {
		driver:      "postgres",
		placeholder: sq.Dollar,
		schema: `CREATE TABLE IF NOT EXISTS ` + snapshotsTable + ` (
			user_id BIGINT NOT NULL,
			taken_at BIGINT NOT NULL,
			data TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, taken_at)
		)`,
		dsn: func(uri *url.URL) (string, error) {
			dsn := *uri
			dsn.Scheme = "postgres"
			return dsn.String(), nil
		},
	},
}

var aliases = map[string]string{
	"sqlite3":    "sqlite",
	"postgresql": "postgres",
}

// Supports reports whether a database adapter serves the scheme of uri.
func Supports(uri string) bool {
	_, ok := lookup(uri)
	return ok
}

func lookup(raw string) (dialect, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return dialect{}, false
	}
	scheme := u.Scheme
	if canonical, ok := aliases[scheme]; ok {
		scheme = canonical
	}
	d, ok := dialects[scheme]
	return d, ok
}

// Store is a snapshot database.
type Store struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	locks   *keylock.Table
}

// Connect opens the database addressed by uri and creates the snapshot
// table. Unknown schemes fail with ErrNoDatabase.
func Connect(ctx context.Context, uri string) (*Store, error) {
	d, ok := lookup(uri)
	if !ok {
		return nil, fmt.Errorf("%w %q", errspkg.ErrNoDatabase, schemeOf(uri))
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	dsn, err := d.dsn(parsed)
	if err != nil {
		return nil, err
	}
	db, err := Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", parsed.Scheme, err)
	}
	if d.driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot schema: %w", err)
	}
	return &Store{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		locks:   keylock.New(0),
	}, nil
}

func schemeOf(uri string) string {
	if u, err := url.Parse(uri); err == nil {
		return u.Scheme
	}
	return uri
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateSnapshot sets field to result in the snapshot of user at
// timestamp, creating the snapshot if needed. Updates for one user are
// serialised.
func (s *Store) UpdateSnapshot(ctx context.Context, user, timestamp int64, field string, result any) error {
	if field == "" {
		return errors.New("update snapshot: field is required")
	}
	return s.locks.Do(strconv.FormatInt(user, 10), func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		results, found, err := s.loadResults(ctx, tx, user, timestamp)
		if err != nil {
			return err
		}
		results[field] = result
		data, err := jsoncodec.Marshal(results)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}

		now := time.Now().UnixMilli()
		var stmt sq.Sqlizer
		if found {
			stmt = s.builder.Update(snapshotsTable).
				Set("data", string(data)).
				Set("updated_at", now).
				Where(sq.Eq{"user_id": user, "taken_at": timestamp})
		} else {
			stmt = s.builder.Insert(snapshotsTable).
				Columns("user_id", "taken_at", "data", "updated_at").
				Values(user, timestamp, string(data), now)
		}
		query, args, err := stmt.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("save snapshot %d/%d: %w", user, timestamp, err)
		}
		return tx.Commit()
	})
}

func (s *Store) loadResults(ctx context.Context, tx *sqlx.Tx, user, timestamp int64) (map[string]any, bool, error) {
	query, args, err := s.builder.Select("data").
		From(snapshotsTable).
		Where(sq.Eq{"user_id": user, "taken_at": timestamp}).
		ToSql()
	if err != nil {
		return nil, false, err
	}
	var raw string
	err = tx.GetContext(ctx, &raw, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	results := map[string]any{}
	if err := jsoncodec.Unmarshal([]byte(raw), &results); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %d/%d: %w", user, timestamp, err)
	}
	return results, true, nil
}

type snapshotRow struct {
	User      int64  `db:"user_id"`
	Timestamp int64  `db:"taken_at"`
	Data      string `db:"data"`
	UpdatedAt int64  `db:"updated_at"`
}

// Snapshot returns the snapshot of user at timestamp.
func (s *Store) Snapshot(ctx context.Context, user, timestamp int64) (Snapshot, error) {
	query, args, err := s.builder.Select("user_id", "taken_at", "data", "updated_at").
		From(snapshotsTable).
		Where(sq.Eq{"user_id": user, "taken_at": timestamp}).
		ToSql()
	if err != nil {
		return Snapshot{}, err
	}
	var row snapshotRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %d/%d", errspkg.ErrSnapshotNotFound, user, timestamp)
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		User:      row.User,
		Timestamp: row.Timestamp,
		Results:   map[string]any{},
		UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if err := jsoncodec.Unmarshal([]byte(row.Data), &snap.Results); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %d/%d: %w", user, timestamp, err)
	}
	return snap, nil
}

// Timestamps lists the snapshot timestamps of user in ascending order.
func (s *Store) Timestamps(ctx context.Context, user int64) ([]int64, error) {
	query, args, err := s.builder.Select("taken_at").
		From(snapshotsTable).
		Where(sq.Eq{"user_id": user}).
		OrderBy("taken_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []int64
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// Users lists every user with at least one snapshot.
func (s *Store) Users(ctx context.Context) ([]int64, error) {
	query, args, err := s.builder.Select("DISTINCT user_id").
		From(snapshotsTable).
		OrderBy("user_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []int64
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

type contextKey struct{}

// NewContext returns ctx carrying w.
func NewContext(ctx context.Context, w Writer) context.Context {
	return context.WithValue(ctx, contextKey{}, w)
}

// FromContext returns the Writer stored in ctx.
func FromContext(ctx context.Context) (Writer, bool) {
	w, ok := ctx.Value(contextKey{}).(Writer)
	return w, ok
}
