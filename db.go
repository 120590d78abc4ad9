package ocsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ocsync/ocsync/internal"
)

// Default pragma configuration applied to every opened database.
const (
	DefaultBusyTimeout = 5 * time.Second
	DefaultSynchronous = "NORMAL"
)

// DB represents a single-file cache database bound to one Schema. All
// mutations run inside ACID transactions serialized by a cross-process
// mutex keyed by the database path; the database's own locking is not
// relied on for writer exclusion because its backoff cannot prevent
// writer starvation across processes.
type DB struct {
	mu     sync.Mutex
	path   string
	schema Schema
	db     *sql.DB
	tx     *sql.Tx
	mutex  *ProcessMutex
	logger *slog.Logger

	// BusyTimeout is the SQLite busy timeout for reads that run outside
	// the cross-process lock.
	BusyTimeout time.Duration

	// Synchronous is the SQLite synchronous pragma value.
	Synchronous string
}

// NewDB returns a new instance of DB for the given path and schema.
func NewDB(path string, schema Schema) *DB {
	return &DB{
		path:        path,
		schema:      schema,
		logger:      slog.Default().With("db", schema.Name()),
		BusyTimeout: DefaultBusyTimeout,
		Synchronous: DefaultSynchronous,
	}
}

// Path returns the path to the database file.
func (db *DB) Path() string { return db.path }

// Schema returns the schema the database was opened with.
func (db *DB) Schema() Schema { return db.schema }

// Mutex returns the cross-process mutex. It is nil until Open succeeds.
func (db *DB) Mutex() *ProcessMutex { return db.mutex }

// Open opens or creates the database file, configures it, and either runs
// schema migrations (when this process is the upgrade authority) or
// verifies the on-disk version.
func (db *DB) Open(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.db != nil {
		return Errorf(ErrCodeAlreadyOpen, "database %q is already open", db.path)
	}

	mutex, err := NewProcessMutex(db.path)
	if err != nil {
		return Errorf(ErrCodeProcessMutex, "cannot attach process mutex for %q: %s", db.path, err)
	}
	db.mutex = mutex

	_, statErr := os.Stat(db.path)
	exists := statErr == nil

	if !exists {
		if err := db.create(ctx); err != nil {
			db.closeLocked()
			return err
		}
		db.logger.Info("database created", "path", db.path, "version", db.schema.Version())
		return nil
	}

	if err := db.openExisting(ctx); err != nil {
		db.closeLocked()
		return err
	}
	return nil
}

// create builds a fresh database file. Any failure removes the partial
// file so the next open starts clean.
func (db *DB) create(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(db.path), 0o700); err != nil {
		return Errorf(ErrCodeCreate, "cannot create database directory: %s", err)
	}

	if err := db.connect(ctx); err != nil {
		os.Remove(db.path)
		return Errorf(ErrCodeCreate, "cannot create database %q: %s", db.path, err)
	}

	// Serialize against peers racing to create the same file.
	if err := db.mutex.Lock(ctx); err != nil {
		db.removePartial()
		return Errorf(ErrCodeCreate, "cannot lock for create: %s", err)
	}
	defer db.mutex.Unlock()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.removePartial()
		return Errorf(ErrCodeCreate, "cannot begin create transaction: %s", err)
	}
	for _, stmt := range db.schema.DDL() {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			db.removePartial()
			return Errorf(ErrCodeCreate, "cannot create tables: %s", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", db.schema.Version())); err != nil {
		tx.Rollback()
		db.removePartial()
		return Errorf(ErrCodeCreate, "cannot stamp schema version: %s", err)
	}
	if err := tx.Commit(); err != nil {
		db.removePartial()
		return Errorf(ErrCodeCreate, "cannot commit create transaction: %s", err)
	}
	return nil
}

func (db *DB) removePartial() {
	if db.db != nil {
		db.db.Close()
		db.db = nil
	}
	os.Remove(db.path)
}

// openExisting configures an existing database and reconciles its schema
// version with the target.
func (db *DB) openExisting(ctx context.Context) error {
	if err := db.connect(ctx); err != nil {
		return Errorf(ErrCodeConfiguration, "cannot configure database %q: %s", db.path, err)
	}

	version, err := db.Version(ctx)
	if err != nil {
		return err
	}

	if !db.mutex.Initial() {
		// Another live process is the upgrade authority. A version
		// mismatch here means that process is still blocking the
		// upgrade (or runs an older release).
		if version != db.schema.Version() {
			return Errorf(ErrCodeVersionMismatch, "database %q at version %d, expected %d", db.path, version, db.schema.Version())
		}
		return nil
	}

	if err := db.mutex.Lock(ctx); err != nil {
		return Errorf(ErrCodeProcessMutex, "cannot lock for upgrade: %s", err)
	}
	defer db.mutex.Unlock()

	if err := db.integrityCheck(ctx); err != nil {
		return err
	}

	if version == db.schema.Version() {
		return nil
	} else if version > db.schema.Version() {
		return Errorf(ErrCodeUpgrade, "database %q at version %d is newer than supported version %d", db.path, version, db.schema.Version())
	}

	db.logger.Info("upgrading database", "path", db.path, "from", version, "to", db.schema.Version())

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Errorf(ErrCodeUpgrade, "cannot begin upgrade transaction: %s", err)
	}
	if err := applyMigrations(tx, db.schema.Migrations(), version, db.schema.Version()); err != nil {
		tx.Rollback()
		return Errorf(ErrCodeUpgrade, "cannot upgrade database %q: %s", db.path, err)
	}
	if err := tx.Commit(); err != nil {
		return Errorf(ErrCodeUpgrade, "cannot commit upgrade: %s", err)
	}
	return nil
}

// connect opens the SQL connection and applies pragmas. The _txlock
// parameter makes every BeginTx issue BEGIN IMMEDIATE so the write lock
// is taken up front.
func (db *DB) connect(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d", db.path, db.BusyTimeout.Milliseconds())
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return err
	}
	// The transaction pipeline assumes a single connection; more would
	// let reads escape the active transaction.
	sqldb.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA synchronous = %s", db.Synchronous),
	} {
		if _, err := sqldb.ExecContext(ctx, pragma); err != nil {
			sqldb.Close()
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	db.db = sqldb
	return nil
}

func (db *DB) integrityCheck(ctx context.Context) error {
	var result string
	if err := db.db.QueryRowContext(ctx, "PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return Errorf(ErrCodeIntegrityCheck, "cannot run integrity check: %s", err)
	} else if result != "ok" {
		return Errorf(ErrCodeIntegrityCheck, "database %q is corrupt: %s", db.path, result)
	}
	return nil
}

// Version reads the stored user_version.
func (db *DB) Version(ctx context.Context) (int, error) {
	if db.db == nil {
		return 0, Errorf(ErrCodeNotOpen, "database %q is not open", db.path)
	}
	var version int
	if err := db.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, Errorf(ErrCodeVersionQuery, "cannot read schema version: %s", err)
	}
	return version, nil
}

// Begin acquires the cross-process write lock and starts an immediate
// transaction. It fails if a transaction is already active on this handle.
func (db *DB) Begin(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.beginLocked(ctx)
}

func (db *DB) beginLocked(ctx context.Context) error {
	if db.db == nil {
		return Errorf(ErrCodeNotOpen, "database %q is not open", db.path)
	}
	if db.tx != nil {
		return Errorf(ErrCodeTransaction, "transaction already in progress")
	}

	t := time.Now()
	if err := db.mutex.Lock(ctx); err != nil {
		return Errorf(ErrCodeProcessMutex, "cannot acquire write lock: %s", err)
	}
	internal.TxLockWaitSecondsVec.WithLabelValues(db.schema.Name()).Observe(time.Since(t).Seconds())

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.mutex.Unlock()
		return Errorf(ErrCodeTransaction, "cannot begin transaction: %s", err)
	}
	db.tx = tx
	return nil
}

// InTransaction reports whether a transaction is active on this handle.
func (db *DB) InTransaction() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tx != nil
}

// Commit runs the schema's PrepareCommit hook inside the transaction,
// commits, then fires the post-commit hooks: CommittedPreUnlock before the
// cross-process lock is released (so no peer can begin a conflicting
// transaction while this one's file deletions are still pending) and
// CommittedPostUnlock after release (so signal listeners cannot deadlock
// against the lock).
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commitLocked()
}

func (db *DB) commitLocked() error {
	if db.tx == nil {
		return Errorf(ErrCodeTransaction, "no transaction in progress")
	}
	if !db.mutex.IsLocked() {
		return Errorf(ErrCodeTransactionLock, "write lock not held for commit")
	}

	if err := db.schema.PrepareCommit(db.tx); err != nil {
		return Errorf(ErrCodeTransaction, "prepare commit: %s", err)
	}
	if err := db.tx.Commit(); err != nil {
		internal.TxTotalCounterVec.WithLabelValues(db.schema.Name(), "error").Inc()
		return Errorf(ErrCodeTransaction, "cannot commit transaction: %s", err)
	}
	db.tx = nil

	db.schema.CommittedPreUnlock()
	db.mutex.Unlock()
	db.schema.CommittedPostUnlock()

	internal.TxTotalCounterVec.WithLabelValues(db.schema.Name(), "committed").Inc()
	return nil
}

// Rollback aborts the active transaction, discards pending side effects
// via the RolledBack hook, and releases the write lock if held.
func (db *DB) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rollbackLocked()
}

func (db *DB) rollbackLocked() error {
	if db.tx != nil {
		if err := db.tx.Rollback(); err != nil {
			db.logger.Error("rollback failed", "error", err)
		}
		db.tx = nil
	}
	db.schema.RolledBack()
	internal.TxTotalCounterVec.WithLabelValues(db.schema.Name(), "rolledback").Inc()

	if !db.mutex.IsLocked() {
		return Errorf(ErrCodeTransactionLock, "write lock not held for rollback")
	}
	db.mutex.Unlock()
	return nil
}

// Fetch executes a read query and invokes each for every row. Inside a
// transaction the query observes the transaction's uncommitted state.
func (db *DB) Fetch(ctx context.Context, query string, args []any, each func(rows *sql.Rows) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.db == nil {
		return Errorf(ErrCodeNotOpen, "database %q is not open", db.path)
	}

	var rows *sql.Rows
	var err error
	if db.tx != nil {
		rows, err = db.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = db.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return Errorf(ErrCodePrepareQuery, "cannot execute query: %s", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return Errorf(ErrCodeQuery, "cannot map row: %s", err)
		}
	}
	if err := rows.Err(); err != nil {
		return Errorf(ErrCodeQuery, "row iteration: %s", err)
	}
	return nil
}

// FetchOne executes a read query expected to return at most one row.
// found is false when the row does not exist.
func (db *DB) FetchOne(ctx context.Context, query string, args []any, scan func(row *sql.Row) error) (found bool, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.db == nil {
		return false, Errorf(ErrCodeNotOpen, "database %q is not open", db.path)
	}

	var row *sql.Row
	if db.tx != nil {
		row = db.tx.QueryRowContext(ctx, query, args...)
	} else {
		row = db.db.QueryRowContext(ctx, query, args...)
	}
	if err := scan(row); err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, Errorf(ErrCodeQuery, "cannot scan row: %s", err)
	}
	return true, nil
}

// Exec executes one mutating statement. When no transaction is active an
// implicit one is opened for the statement and committed; on failure the
// implicit transaction is rolled back.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.db == nil {
		return 0, Errorf(ErrCodeNotOpen, "database %q is not open", db.path)
	}

	implicit := db.tx == nil
	if implicit {
		if err := db.beginLocked(ctx); err != nil {
			return 0, err
		}
	}

	res, err := db.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if implicit {
			db.rollbackLocked()
		}
		return 0, Errorf(ErrCodeQuery, "cannot execute statement: %s", err)
	}
	n, _ := res.RowsAffected()

	if implicit {
		if err := db.commitLocked(); err != nil {
			db.rollbackLocked()
			return 0, err
		}
	}
	return n, nil
}

// Close rolls back any active transaction and releases the connection and
// the process mutex registration.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closeLocked()
}

func (db *DB) closeLocked() (err error) {
	if db.tx != nil {
		if e := db.rollbackLocked(); e != nil && err == nil {
			err = e
		}
	}
	if db.db != nil {
		if e := db.db.Close(); e != nil && err == nil {
			err = e
		}
		db.db = nil
	}
	if db.mutex != nil {
		if e := db.mutex.Close(); e != nil && err == nil {
			err = e
		}
		db.mutex = nil
	}
	return err
}
