// Package backend is the shared document store every operation runs against.
//
// A Store wraps one database/sql handle over SQLite. The handle is safe for
// concurrent use: statements are queued by the connection pool, and with the
// default MaxOpenConns of 1 they execute one at a time. Operations that need a
// consistent mutation plus follow-up read use WithTx.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/liveconsole/internal/otel"
)

const (
	defaultBusyTimeout = 5 * time.Second
	busyRetries        = 5
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("document not found")

// Options configures Open.
type Options struct {
	// Path is the SQLite file. MemoryPath keeps everything in memory.
	Path string
	// MaxOpenConns bounds the pool. Zero means 1. In-memory stores always use 1.
	MaxOpenConns int
	// BusyTimeout is handed to SQLite. Zero means 5s.
	BusyTimeout time.Duration
	// Tracer receives one span per transaction. Nil disables tracing.
	Tracer trace.Tracer
}

// Store is the process-wide backend connection.
type Store struct {
	db     *sql.DB
	path   string
	tracer trace.Tracer
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the store, applies pragmas and creates the schema.
// The returned Store stays open until Close.
func Open(ctx context.Context, opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	conns := opts.MaxOpenConns
	if conns <= 0 || path == MemoryPath {
		conns = 1
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	if path == MemoryPath {
		// An in-memory database lives only as long as its connection.
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.ScopeName)
	}
	s := &Store{db: db, path: path, tracer: tracer}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database location the store was opened with.
func (s *Store) Path() string { return s.path }

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping backend: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns a handle on the named collection outside any transaction.
func (s *Store) Collection(name string) *Collection {
	return &Collection{name: name, q: s.db}
}

// Tx is a backend transaction handed to WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

// Collection returns a handle on the named collection bound to the transaction.
func (t *Tx) Collection(name string) *Collection {
	return &Collection{name: name, q: t.tx}
}

// WithTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise. Beginning the transaction is retried while SQLite is busy.
// fn must only use the Tx: with a single pooled connection, touching the Store
// from inside fn waits on the connection the transaction holds.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "backend.tx",
		attribute.String("db.system", "sqlite"),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var tx *sql.Tx
	err = retryOnBusy(ctx, busyRetries, func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			body TEXT NOT NULL CHECK (json_valid(body)),
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
