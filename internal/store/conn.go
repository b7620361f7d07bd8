package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/model"
)

// pragmas are applied to every new connection.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// connector opens sqlite connections through a driver whose connect hook
// applies pragmas and attachments, so a recycled pool connection is
// configured the same as the first one.
type connector struct {
	dsn    string
	driver *sqlite3.SQLiteDriver
}

func (c *connector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

// openDB opens path with the standard pragmas. attach maps schema aliases to
// database files attached on every connection.
func openDB(path string, attach map[string]string) (*sql.DB, error) {
	drv := &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range pragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("failed to execute %q: %w", pragma, err)
				}
			}
			for alias, file := range attach {
				if _, err := conn.Exec("ATTACH DATABASE ? AS "+alias, []driver.Value{file}); err != nil {
					return fmt.Errorf("attach %s: %w", alias, err)
				}
				if _, err := conn.Exec("PRAGMA "+alias+".journal_mode = WAL", nil); err != nil {
					return fmt.Errorf("configure %s: %w", alias, err)
				}
			}
			return nil
		},
	}

	db := sql.OpenDB(&connector{dsn: path, driver: drv})
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// options shared by the store and the finder.
type options struct {
	archivePath  string
	clock        model.TimeSource
	metrics      *metrics.Metrics
	maxRetries   uint64
	retryInitial time.Duration
}

// Option configures Open and OpenFinder.
type Option func(*options)

// WithArchive keeps archives in a separate database file, attached to the
// store connection. Machines sharing the file can restore each other's
// archives.
func WithArchive(path string) Option {
	return func(o *options) {
		o.archivePath = path
	}
}

// WithClock sets the time source used for row timestamps and invalidation
// deadlines.
func WithClock(clock model.TimeSource) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMetrics reports retries to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRetry bounds the lock-contention retry loop.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryInitial = initial
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:        model.SystemTime{},
		maxRetries:   5,
		retryInitial: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	return o
}

// isBusy reports whether err is lock contention worth retrying.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// retry runs fn until it succeeds, fails with something other than lock
// contention, or the retry budget is spent.
func retry(ctx context.Context, o *options, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInitial
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, o.maxRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, delay time.Duration) {
		o.metrics.ObserveRetry(op)
		slog.Debug("database busy, retrying", "op", op, "delay", delay, "error", err)
	})
}

// inTx runs fn inside a transaction, committing on success.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
