// Package posts implements the notification-events cache: server-side
// notifications mirrored locally, with tombstoned deletions that are
// acknowledged back to the remote service on the next sync pass.
package posts

import (
	"database/sql"
	"os"

	"github.com/ocsync/ocsync"
	"github.com/ocsync/ocsync/internal"
)

const (
	// CacheName identifies this cache in paths, logs and broadcasts.
	CacheName = "posts"

	// SchemaVersion is the current schema version.
	SchemaVersion = 2
)

// Event is one notification event. DeletedLocally marks a tombstone: the
// user dismissed the event here but the remote service has not yet
// acknowledged the deletion, so the row survives until it does.
type Event struct {
	AccountID      int
	EventID        string
	Subject        string
	Text           string
	URL            string
	ImageURL       string
	ImagePath      string
	Timestamp      string
	DeletedLocally bool
}

// Key returns the event's composite key.
func (e Event) Key() EventKey { return EventKey{e.AccountID, e.EventID} }

// EventKey is the composite key of one event row.
type EventKey struct {
	AccountID int
	EventID   string
}

// ChangeSet aggregates the rows affected by one committed transaction.
type ChangeSet struct {
	StoredEvents  []Event
	DeletedEvents []Event
}

// Empty reports whether the change set carries no rows.
func (cs *ChangeSet) Empty() bool {
	return len(cs.StoredEvents) == 0 && len(cs.DeletedEvents) == 0
}

var _ ocsync.Schema = (*schema)(nil)

// schema carries the per-transaction side-effect state. All fields are
// touched only from the cache's runner goroutine.
type schema struct {
	pending    ChangeSet
	staleFiles []string

	flushChanges ChangeSet
	flushFiles   []string

	onCommitted func(ChangeSet)
}

func newSchema() *schema { return &schema{} }

func (s *schema) Name() string { return CacheName }

func (s *schema) Version() int { return SchemaVersion }

func (s *schema) DDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			accountId      INTEGER NOT NULL,
			eventId        TEXT NOT NULL,
			eventSubject   TEXT NOT NULL DEFAULT '',
			eventText      TEXT NOT NULL DEFAULT '',
			eventUrl       TEXT NOT NULL DEFAULT '',
			imageUrl       TEXT NOT NULL DEFAULT '',
			imagePath      TEXT NOT NULL DEFAULT '',
			timestamp      TEXT NOT NULL DEFAULT '',
			deletedLocally INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (accountId, eventId)
		)`,
	}
}

func (s *schema) Migrations() []ocsync.Migration {
	return []ocsync.Migration{
		{
			// Dismissals used to delete rows outright, losing them when
			// the remote acknowledgment failed.
			Version: 2,
			Statements: []string{
				`ALTER TABLE events ADD COLUMN deletedLocally INTEGER NOT NULL DEFAULT 0`,
			},
		},
	}
}

func (s *schema) PrepareCommit(tx *sql.Tx) error { return nil }

// CommittedPreUnlock snapshots the side-effect lists while the
// cross-process lock is still held.
func (s *schema) CommittedPreUnlock() {
	s.flushChanges = s.pending
	s.flushFiles = s.staleFiles
	s.reset()
}

// CommittedPostUnlock removes stale artifact files and emits the change
// signal, both outside the lock.
func (s *schema) CommittedPostUnlock() {
	for _, path := range s.flushFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			continue
		}
		internal.StaleFileDeleteCounterVec.WithLabelValues(CacheName).Inc()
	}
	s.flushFiles = nil

	changes := s.flushChanges
	s.flushChanges = ChangeSet{}
	if s.onCommitted != nil && !changes.Empty() {
		s.onCommitted(changes)
	}
}

// RolledBack discards all pending side effects.
func (s *schema) RolledBack() { s.reset() }

func (s *schema) reset() {
	s.pending = ChangeSet{}
	s.staleFiles = nil
}

func (s *schema) markStale(paths ...string) {
	for _, p := range paths {
		if p != "" {
			s.staleFiles = append(s.staleFiles, p)
		}
	}
}

const eventColumns = `accountId, eventId, eventSubject, eventText, eventUrl, imageUrl, imagePath, timestamp, deletedLocally`

func scanEvent(rows *sql.Rows, e *Event) error {
	return rows.Scan(&e.AccountID, &e.EventID, &e.Subject, &e.Text, &e.URL,
		&e.ImageURL, &e.ImagePath, &e.Timestamp, &e.DeletedLocally)
}
