package ocsync

import (
	"database/sql"
)

// Schema describes one concrete cache database: its DDL, target version,
// upgrade path, and the commit/rollback hooks the transaction pipeline
// drives. The generic core only ever holds this interface, never a
// concrete schema type.
type Schema interface {
	// Name identifies the schema in logs and metrics (e.g. "images").
	Name() string

	// Version is the target schema version stamped into user_version.
	Version() int

	// DDL returns the statements that create a fresh database at Version.
	DDL() []string

	// Migrations returns the ordered upgrade path. Steps whose Version is
	// at or below the on-disk version are skipped.
	Migrations() []Migration

	TransactionHooks
}

// TransactionHooks is invoked by DB around every transaction boundary.
//
// PrepareCommit runs inside the transaction just before COMMIT and may
// issue further reads and writes (e.g. album thumbnail repair).
// CommittedPreUnlock runs after a successful COMMIT while the
// cross-process lock is still held; implementations snapshot and clear
// their pending side-effect lists here. CommittedPostUnlock runs after the
// lock is released; stale artifact files are unlinked and change signals
// emitted here so no listener can reenter the database while it is still
// locked. RolledBack runs after a ROLLBACK and must discard any pending
// side effects.
type TransactionHooks interface {
	PrepareCommit(tx *sql.Tx) error
	CommittedPreUnlock()
	CommittedPostUnlock()
	RolledBack()
}

// NopTransactionHooks is a TransactionHooks with no behavior. Schemas
// embed it when they only need a subset of the hooks.
type NopTransactionHooks struct{}

func (NopTransactionHooks) PrepareCommit(*sql.Tx) error { return nil }
func (NopTransactionHooks) CommittedPreUnlock()         {}
func (NopTransactionHooks) CommittedPostUnlock()        {}
func (NopTransactionHooks) RolledBack()                 {}
