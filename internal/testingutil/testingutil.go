// Package testingutil provides shared helpers for cache database tests.
package testingutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ocsync/ocsync"
)

// Schema is a minimal recording schema for database tests. Hook
// invocations are appended to an internal call log in order.
type Schema struct {
	SchemaName    string
	SchemaVersion int
	Tables        []string
	Steps         []ocsync.Migration

	// PrepareCommitErr, when set, is returned from PrepareCommit.
	PrepareCommitErr error

	mu    sync.Mutex
	calls []string
}

var _ ocsync.Schema = (*Schema)(nil)

// NewSchema returns a version-1 schema with a single table.
func NewSchema() *Schema {
	return &Schema{
		SchemaName:    "test",
		SchemaVersion: 1,
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT '')`,
		},
	}
}

func (s *Schema) Name() string                   { return s.SchemaName }
func (s *Schema) Version() int                   { return s.SchemaVersion }
func (s *Schema) DDL() []string                  { return s.Tables }
func (s *Schema) Migrations() []ocsync.Migration { return s.Steps }

func (s *Schema) PrepareCommit(tx *sql.Tx) error {
	s.record("prepare-commit")
	return s.PrepareCommitErr
}

func (s *Schema) CommittedPreUnlock()  { s.record("committed-pre-unlock") }
func (s *Schema) CommittedPostUnlock() { s.record("committed-post-unlock") }
func (s *Schema) RolledBack()          { s.record("rolled-back") }

func (s *Schema) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

// Calls returns a copy of the hook call log.
func (s *Schema) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ResetCalls clears the hook call log.
func (s *Schema) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// NewDB returns an unopened DB in a temporary directory.
func NewDB(tb testing.TB, schema ocsync.Schema) *ocsync.DB {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), schema.Name()+".db")
	tb.Logf("db=%s", path)
	return ocsync.NewDB(path, schema)
}

// MustOpenDB returns a new, open DB. Fatal on error.
func MustOpenDB(tb testing.TB, schema ocsync.Schema) *ocsync.DB {
	tb.Helper()
	db := NewDB(tb, schema)
	if err := db.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}
	return db
}

// MustCloseDB closes the DB. Fatal on error.
func MustCloseDB(tb testing.TB, db *ocsync.DB) {
	tb.Helper()
	if err := db.Close(); err != nil {
		tb.Fatal(err)
	}
}
