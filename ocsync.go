// Package ocsync implements the local cache engine for a WebDAV/OCS cloud
// service: a schema-versioned SQLite store shared by multiple OS
// processes, serialized by a cross-process mutex, fed by delta
// reconciliation of remote listings and a bounded artifact downloader.
package ocsync

import (
	"os"
	"path/filepath"
)

// Build information.
var Version = "(development build)"

// DefaultDataDir returns the private application-data directory holding
// the cache database files and their downloaded artifacts.
func DefaultDataDir() string {
	if dir := os.Getenv("OCSYNC_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ocsync"
	}
	return filepath.Join(home, ".local", "share", "ocsync")
}

// DatabasePath returns the database file path for one account type
// ("images", "posts").
func DatabasePath(dataDir, accountType string) string {
	return filepath.Join(dataDir, accountType, accountType+".db")
}

// ArtifactDir returns the directory tree holding downloaded artifact
// files for one account type, keyed below by account/user/album segments.
func ArtifactDir(dataDir, accountType string) string {
	return filepath.Join(dataDir, accountType, "files")
}
