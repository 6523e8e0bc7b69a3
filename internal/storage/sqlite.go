package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sqlitekv/sqlitekv/internal/observability"

	_ "modernc.org/sqlite"
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS kv(
		key     TEXT NOT NULL,
		val     BLOB,
		lastmod INT,
		size    INT,
		PRIMARY KEY (key)
	)`
	putSQL    = "INSERT OR REPLACE INTO kv(key, val, lastmod, size) VALUES (?, ?, ?, ?)"
	headSQL   = "SELECT lastmod, coalesce(size, length(val)) FROM kv WHERE key = ?"
	getSQL    = "SELECT val FROM kv WHERE key = ?"
	deleteSQL = "DELETE FROM kv WHERE key = ?"
)

// busyTimeout is how long a statement waits on a database locked by another
// connection before failing with SQLITE_BUSY.
const busyTimeout = 5 * time.Second

// SQLiteEngine implements Engine on a single SQLite connection.
type SQLiteEngine struct {
	db         *sql.DB
	keyPrefix  string
	classifier Classifier
	log        *observability.Logger
	metrics    *observability.MetricsCollector
	now        func() time.Time
	ckpt       *checkpointer

	stmtPut    *sql.Stmt
	stmtHead   *sql.Stmt
	stmtGet    *sql.Stmt
	stmtDelete *sql.Stmt
}

// Option configures a SQLiteEngine.
type Option func(*SQLiteEngine)

// WithLogger sets the engine logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *SQLiteEngine) { e.log = l }
}

// WithMetrics records per-operation metrics into m.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(e *SQLiteEngine) { e.metrics = m }
}

// WithClassifier overrides the default ExtensionClassifier.
func WithClassifier(c Classifier) Option {
	return func(e *SQLiteEngine) { e.classifier = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *SQLiteEngine) { e.now = now }
}

// NewSQLiteEngine opens (or creates) the database named by cfg and prepares
// all statements. An empty ConnectString gives an in-memory database.
func NewSQLiteEngine(cfg Config, opts ...Option) (*SQLiteEngine, error) {
	e := &SQLiteEngine{
		keyPrefix:  cfg.KeyPrefix,
		classifier: ExtensionClassifier{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = observability.Discard()
	}

	dsn := cfg.DSN()
	e.log.Debug("opening database", "connect_string", dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// One connection: every statement is serialized on it, and an in-memory
	// database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if !cfg.InMemory() {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	e.db = db

	if err := e.prepare(); err != nil {
		e.closeStatements()
		db.Close()
		return nil, err
	}

	e.ckpt = newCheckpointer(db, cfg.FlushInterval(), e.now)
	e.log.Debug("setup completed", "key_prefix", e.keyPrefix, "flush_interval", e.ckpt.interval.String())
	return e, nil
}

func (e *SQLiteEngine) prepare() error {
	var err error
	if e.stmtPut, err = e.db.Prepare(putSQL); err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}
	if e.stmtHead, err = e.db.Prepare(headSQL); err != nil {
		return fmt.Errorf("prepare head: %w", err)
	}
	if e.stmtGet, err = e.db.Prepare(getSQL); err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	if e.stmtDelete, err = e.db.Prepare(deleteSQL); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

func (e *SQLiteEngine) closeStatements() {
	for _, st := range []*sql.Stmt{e.stmtPut, e.stmtHead, e.stmtGet, e.stmtDelete} {
		if st != nil {
			st.Close()
		}
	}
}

// prepKey applies the configured key prefix.
func (e *SQLiteEngine) prepKey(key string) string {
	if e.keyPrefix != "" {
		return e.keyPrefix + key
	}
	return key
}

// KeyPrefix returns the configured prefix.
func (e *SQLiteEngine) KeyPrefix() string {
	return e.keyPrefix
}

// IsBinaryKey reports how Get will decode the value under key.
func (e *SQLiteEngine) IsBinaryKey(key string) bool {
	return e.classifier.IsBinaryKey(key)
}

// Put stores v under key, replacing any existing row.
func (e *SQLiteEngine) Put(ctx context.Context, key string, v Value) (err error) {
	defer e.observe("put", e.now(), &err)

	key = e.prepKey(key)
	data, size, err := v.encode()
	if err != nil {
		return fmt.Errorf("put %q: encode: %w", key, err)
	}

	var sizeArg any
	if size != nil {
		sizeArg = *size
	}
	if _, err := e.stmtPut.ExecContext(ctx, key, data, e.now().UnixMilli(), sizeArg); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	e.recordBytes("put", len(data))
	e.log.Op("put", key, "kind", v.Kind.String(), "bytes", len(data))

	return e.flush(ctx, key)
}

// PutStream buffers src in full and stores it as a binary value.
func (e *SQLiteEngine) PutStream(ctx context.Context, key string, src io.Reader) error {
	buf, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("put stream %q: read: %w", e.prepKey(key), err)
	}
	return e.Put(ctx, key, Binary(buf))
}

// Head returns the modification time (whole seconds) and stored length.
func (e *SQLiteEngine) Head(ctx context.Context, key string) (meta Metadata, err error) {
	defer e.observe("head", e.now(), &err)

	key = e.prepKey(key)
	var lastmod, length sql.NullInt64
	err = e.stmtHead.QueryRowContext(ctx, key).Scan(&lastmod, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("failed to head key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("head %q: %w", key, err)
	}
	return Metadata{
		ModTime: floorDiv(lastmod.Int64, 1000),
		Length:  length.Int64,
	}, nil
}

// Get fetches the value under key. Binary keys return raw bytes; all others
// are parsed as JSON.
func (e *SQLiteEngine) Get(ctx context.Context, key string) (v Value, err error) {
	defer e.observe("get", e.now(), &err)

	e.log.Debug("fetching object", "key", key)
	binary := e.classifier.IsBinaryKey(key)
	key = e.prepKey(key)

	var data []byte
	err = e.stmtGet.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, fmt.Errorf("failed to get key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Value{}, fmt.Errorf("get %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	e.recordBytes("get", len(data))

	if binary {
		return Binary(data), nil
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Value{}, fmt.Errorf("get %q: decode: %w", key, err)
	}
	return Value{Kind: KindStructured, Bytes: data, Data: decoded}, nil
}

// GetStream returns a single-shot reader over the value under key.
// Structured values are streamed as their JSON text.
func (e *SQLiteEngine) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	v, err := e.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to fetch key %s: %w", e.prepKey(key), ErrNotFound)
	}
	if err != nil {
		err = fmt.Errorf("failed to fetch key %s: %w", e.prepKey(key), err)
		e.log.Error("get stream failed", "key", key, "error", err.Error())
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(v.Bytes)), nil
}

// Delete removes key. It fails with ErrNotFound, deleting nothing, if the
// key has no row.
func (e *SQLiteEngine) Delete(ctx context.Context, key string) (err error) {
	defer e.observe("delete", e.now(), &err)

	e.log.Debug("deleting object", "key", key)
	key = e.prepKey(key)

	var lastmod, length sql.NullInt64
	err = e.stmtHead.QueryRowContext(ctx, key).Scan(&lastmod, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to delete key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	if _, err := e.stmtDelete.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	e.log.Op("delete", key)

	return e.flush(ctx, key)
}

// RunMaintenance does nothing; SQLite needs no periodic housekeeping here.
func (e *SQLiteEngine) RunMaintenance(ctx context.Context) error {
	return nil
}

// Close releases the prepared statements and the connection. Close errors
// are logged, never returned.
func (e *SQLiteEngine) Close() error {
	e.log.Info("closing database")
	e.closeStatements()
	if err := e.db.Close(); err != nil {
		e.log.Warn("close database", "error", err.Error())
	}
	return nil
}

// flush applies the checkpoint policy after a committed mutation.
func (e *SQLiteEngine) flush(ctx context.Context, key string) error {
	flushed, err := e.ckpt.maybeFlush(ctx)
	if err != nil {
		return fmt.Errorf("%w after writing %q: %w", ErrCheckpoint, key, err)
	}
	if flushed {
		e.log.Debug("wal checkpoint", "key", key)
		if e.metrics != nil {
			e.metrics.Increment(string(observability.MetricCheckpoints))
		}
	}
	return nil
}

// recordBytes tracks payload sizes per operation.
func (e *SQLiteEngine) recordBytes(op string, n int) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(observability.MetricBytes, float64(n), observability.Labels{"op": op})
	e.metrics.IncrementBy(observability.CounterName(observability.MetricBytes, op), int64(n))
}

// observe records count, latency and failure metrics for one operation.
func (e *SQLiteEngine) observe(op string, started time.Time, errp *error) {
	if e.metrics == nil {
		return
	}
	labels := observability.Labels{"op": op}
	e.metrics.Increment(observability.CounterName(observability.MetricOps, op))
	e.metrics.Record(observability.MetricLatency, float64(e.now().Sub(started).Microseconds())/1000, labels)

	switch err := *errp; {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		e.metrics.Increment(observability.CounterName(observability.MetricNotFound, op))
	default:
		e.metrics.Increment(observability.CounterName(observability.MetricErrors, op))
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
