package ocsync

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema upgrade step. Applying it must leave
// the database at exactly Version.
type Migration struct {
	// Version the database is at after this step runs.
	Version int

	// Migrate optionally transforms existing data before the DDL runs.
	Migrate func(tx *sql.Tx) error

	// Statements are DDL applied after Migrate.
	Statements []string
}

// applyMigrations upgrades the database from its stored version to target,
// applying each step inside the supplied transaction. Steps must advance
// the version strictly monotonically; a step that fails to do so aborts
// the upgrade rather than silently skipping.
func applyMigrations(tx *sql.Tx, migrations []Migration, from, target int) error {
	version := from
	for _, m := range migrations {
		if m.Version <= from {
			continue // already applied
		}
		if m.Version <= version {
			return fmt.Errorf("cycle detected at version %d", version)
		}
		if m.Version > target {
			break
		}

		if m.Migrate != nil {
			if err := m.Migrate(tx); err != nil {
				return fmt.Errorf("migrate to version %d: %w", m.Version, err)
			}
		}
		for _, stmt := range m.Statements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migrate to version %d: %q: %w", m.Version, stmt, err)
			}
		}
		version = m.Version

		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("stamp version %d: %w", version, err)
		}
	}

	if version != target {
		return fmt.Errorf("upgrade stopped at version %d, want %d", version, target)
	}
	return nil
}
