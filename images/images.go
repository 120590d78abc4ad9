// Package images implements the photo-album cache: users, albums and
// photos mirrored from the remote service, plus their locally downloaded
// thumbnail and image artifacts.
package images

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/ocsync/ocsync"
	"github.com/ocsync/ocsync/internal"
)

const (
	// CacheName identifies this cache in paths, logs and broadcasts.
	CacheName = "images"

	// SchemaVersion is the current schema version.
	SchemaVersion = 3
)

// User is one account identity on the remote service.
type User struct {
	AccountID         int
	UserID            string
	DisplayName       string
	ThumbnailURL      string
	ThumbnailPath     string
	ThumbnailFileName string
}

// Key returns the user's composite key.
func (u User) Key() UserKey { return UserKey{u.AccountID, u.UserID} }

// Album is one photo album. Its thumbnail is either pinned to the album's
// own ThumbnailURL or derived from one of its photos, in which case
// ThumbnailURL stays empty and ThumbnailPath points at a photo artifact.
type Album struct {
	AccountID         int
	UserID            string
	AlbumID           string
	ParentAlbumID     string
	AlbumName         string
	PhotoCount        int
	ThumbnailURL      string
	ThumbnailPath     string
	ThumbnailFileName string
	Etag              string
}

// Key returns the album's composite key.
func (a Album) Key() AlbumKey { return AlbumKey{a.AccountID, a.UserID, a.AlbumID} }

// Pinned reports whether the album's thumbnail is its own remote resource
// rather than derived from a photo.
func (a Album) Pinned() bool { return a.ThumbnailURL != "" }

// Photo is one photo row. Timestamps and etag are opaque server-supplied
// strings; identity is the composite key, never the etag.
type Photo struct {
	AccountID        int
	UserID           string
	AlbumID          string
	PhotoID          string
	FileName         string
	AlbumPath        string
	Description      string
	CreatedTimestamp string
	UpdatedTimestamp string
	ThumbnailURL     string
	ThumbnailPath    string
	ImageURL         string
	ImagePath        string
	Width            int
	Height           int
	FileSize         int
	FileType         string
	Etag             string
}

// Key returns the photo's composite key.
func (p Photo) Key() PhotoKey { return PhotoKey{p.AccountID, p.UserID, p.AlbumID, p.PhotoID} }

// Composite keys.
type (
	UserKey struct {
		AccountID int
		UserID    string
	}
	AlbumKey struct {
		AccountID int
		UserID    string
		AlbumID   string
	}
	PhotoKey struct {
		AccountID int
		UserID    string
		AlbumID   string
		PhotoID   string
	}
)

// ChangeSet aggregates the rows affected by one committed transaction,
// for listening UI models to reconcile incrementally.
type ChangeSet struct {
	StoredUsers   []User
	DeletedUsers  []User
	StoredAlbums  []Album
	DeletedAlbums []Album
	StoredPhotos  []Photo
	DeletedPhotos []Photo
}

// Empty reports whether the change set carries no rows.
func (cs *ChangeSet) Empty() bool {
	return len(cs.StoredUsers) == 0 && len(cs.DeletedUsers) == 0 &&
		len(cs.StoredAlbums) == 0 && len(cs.DeletedAlbums) == 0 &&
		len(cs.StoredPhotos) == 0 && len(cs.DeletedPhotos) == 0
}

var _ ocsync.Schema = (*schema)(nil)

// schema carries the per-transaction side-effect state: the change set,
// the stale artifact files awaiting unlink, and the albums whose derived
// thumbnails need repair before commit. All fields are touched only from
// the cache's runner goroutine.
type schema struct {
	pending     ChangeSet
	staleFiles  []string
	dirtyAlbums map[AlbumKey]struct{}

	flushChanges ChangeSet
	flushFiles   []string

	onCommitted func(ChangeSet)
}

func newSchema() *schema {
	return &schema{dirtyAlbums: make(map[AlbumKey]struct{})}
}

func (s *schema) Name() string { return CacheName }

func (s *schema) Version() int { return SchemaVersion }

func (s *schema) DDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			accountId         INTEGER NOT NULL,
			userId            TEXT NOT NULL,
			displayName       TEXT NOT NULL DEFAULT '',
			thumbnailUrl      TEXT NOT NULL DEFAULT '',
			thumbnailPath     TEXT NOT NULL DEFAULT '',
			thumbnailFileName TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (accountId, userId)
		)`,
		`CREATE TABLE IF NOT EXISTS albums (
			accountId         INTEGER NOT NULL,
			userId            TEXT NOT NULL,
			albumId           TEXT NOT NULL,
			parentAlbumId     TEXT NOT NULL DEFAULT '',
			albumName         TEXT NOT NULL DEFAULT '',
			photoCount        INTEGER NOT NULL DEFAULT 0,
			thumbnailUrl      TEXT NOT NULL DEFAULT '',
			thumbnailPath     TEXT NOT NULL DEFAULT '',
			thumbnailFileName TEXT NOT NULL DEFAULT '',
			etag              TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (accountId, userId, albumId),
			FOREIGN KEY (accountId, userId) REFERENCES users (accountId, userId)
		)`,
		`CREATE TABLE IF NOT EXISTS photos (
			accountId        INTEGER NOT NULL,
			userId           TEXT NOT NULL,
			albumId          TEXT NOT NULL,
			photoId          TEXT NOT NULL,
			fileName         TEXT NOT NULL DEFAULT '',
			albumPath        TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			createdTimestamp TEXT NOT NULL DEFAULT '',
			updatedTimestamp TEXT NOT NULL DEFAULT '',
			thumbnailUrl     TEXT NOT NULL DEFAULT '',
			thumbnailPath    TEXT NOT NULL DEFAULT '',
			imageUrl         TEXT NOT NULL DEFAULT '',
			imagePath        TEXT NOT NULL DEFAULT '',
			width            INTEGER NOT NULL DEFAULT 0,
			height           INTEGER NOT NULL DEFAULT 0,
			fileSize         INTEGER NOT NULL DEFAULT 0,
			fileType         TEXT NOT NULL DEFAULT '',
			etag             TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (accountId, userId, albumId, photoId),
			FOREIGN KEY (accountId, userId, albumId) REFERENCES albums (accountId, userId, albumId)
		)`,
	}
}

func (s *schema) Migrations() []ocsync.Migration {
	return []ocsync.Migration{
		{
			// Etags arrived with delta-aware listing on the protocol side.
			Version: 2,
			Statements: []string{
				`ALTER TABLE albums ADD COLUMN etag TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE photos ADD COLUMN etag TEXT NOT NULL DEFAULT ''`,
			},
		},
		{
			// Older rows carried the type only inside fileName.
			Version: 3,
			Migrate: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`ALTER TABLE photos ADD COLUMN fileType TEXT NOT NULL DEFAULT ''`); err != nil {
					return err
				}
				_, err := tx.Exec(
					`UPDATE photos SET fileType = lower(replace(fileName, rtrim(fileName, replace(fileName, '.', '')), ''))
					 WHERE fileName LIKE '%.%'`)
				return err
			},
		},
	}
}

// PrepareCommit re-derives the thumbnail of every album whose photos
// changed in this transaction. Pinned albums keep their own thumbnail; an
// album with no photos left falls back to empty.
func (s *schema) PrepareCommit(tx *sql.Tx) error {
	for key := range s.dirtyAlbums {
		var thumbnailURL string
		err := tx.QueryRow(
			`SELECT thumbnailUrl FROM albums WHERE accountId = ? AND userId = ? AND albumId = ?`,
			key.AccountID, key.UserID, key.AlbumID,
		).Scan(&thumbnailURL)
		if err == sql.ErrNoRows {
			continue // album deleted in this transaction
		} else if err != nil {
			return fmt.Errorf("load album %v: %w", key, err)
		}
		if thumbnailURL != "" {
			continue // pinned
		}

		var path, fileName string
		err = tx.QueryRow(
			`SELECT thumbnailPath, fileName FROM photos
			 WHERE accountId = ? AND userId = ? AND albumId = ?
			 ORDER BY photoId LIMIT 1`,
			key.AccountID, key.UserID, key.AlbumID,
		).Scan(&path, &fileName)
		if err == sql.ErrNoRows {
			path, fileName = "", ""
		} else if err != nil {
			return fmt.Errorf("derive thumbnail for album %v: %w", key, err)
		}

		if _, err := tx.Exec(
			`UPDATE albums SET thumbnailPath = ?, thumbnailFileName = ?
			 WHERE accountId = ? AND userId = ? AND albumId = ?`,
			path, fileName, key.AccountID, key.UserID, key.AlbumID,
		); err != nil {
			return fmt.Errorf("update album thumbnail %v: %w", key, err)
		}
	}
	return nil
}

// CommittedPreUnlock snapshots the side-effect lists while the
// cross-process lock is still held, so no peer transaction can interleave
// with this one's pending file deletions.
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

// RolledBack discards all pending side effects; no file is ever removed
// for a rolled-back transaction.
func (s *schema) RolledBack() { s.reset() }

func (s *schema) reset() {
	s.pending = ChangeSet{}
	s.staleFiles = nil
	s.dirtyAlbums = make(map[AlbumKey]struct{})
}

// markStale schedules a file for deletion after the next commit.
func (s *schema) markStale(paths ...string) {
	for _, p := range paths {
		if p != "" {
			s.staleFiles = append(s.staleFiles, p)
		}
	}
}

// markAlbumDirty queues an album for thumbnail repair at commit.
func (s *schema) markAlbumDirty(key AlbumKey) {
	s.dirtyAlbums[key] = struct{}{}
}

const (
	userColumns  = `accountId, userId, displayName, thumbnailUrl, thumbnailPath, thumbnailFileName`
	albumColumns = `accountId, userId, albumId, parentAlbumId, albumName, photoCount, thumbnailUrl, thumbnailPath, thumbnailFileName, etag`
	photoColumns = `accountId, userId, albumId, photoId, fileName, albumPath, description, createdTimestamp, updatedTimestamp, thumbnailUrl, thumbnailPath, imageUrl, imagePath, width, height, fileSize, fileType, etag`
)

func scanUser(rows *sql.Rows, u *User) error {
	return rows.Scan(&u.AccountID, &u.UserID, &u.DisplayName, &u.ThumbnailURL, &u.ThumbnailPath, &u.ThumbnailFileName)
}

func scanAlbum(rows *sql.Rows, a *Album) error {
	return rows.Scan(&a.AccountID, &a.UserID, &a.AlbumID, &a.ParentAlbumID, &a.AlbumName, &a.PhotoCount,
		&a.ThumbnailURL, &a.ThumbnailPath, &a.ThumbnailFileName, &a.Etag)
}

func scanPhoto(rows *sql.Rows, p *Photo) error {
	return rows.Scan(&p.AccountID, &p.UserID, &p.AlbumID, &p.PhotoID, &p.FileName, &p.AlbumPath, &p.Description,
		&p.CreatedTimestamp, &p.UpdatedTimestamp, &p.ThumbnailURL, &p.ThumbnailPath, &p.ImageURL, &p.ImagePath,
		&p.Width, &p.Height, &p.FileSize, &p.FileType, &p.Etag)
}

// users returns all users, optionally filtered by account.
func (c *Cache) users(ctx context.Context, accountID int) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if accountID > 0 {
		query += ` WHERE accountId = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY accountId, userId`

	var a []User
	err := c.db.Fetch(ctx, query, args, func(rows *sql.Rows) error {
		var u User
		if err := scanUser(rows, &u); err != nil {
			return err
		}
		a = append(a, u)
		return nil
	})
	return a, err
}

// userByKey returns one user, or nil when absent.
func (c *Cache) userByKey(ctx context.Context, key UserKey) (*User, error) {
	var u User
	found, err := c.db.FetchOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE accountId = ? AND userId = ?`,
		[]any{key.AccountID, key.UserID},
		func(row *sql.Row) error {
			return row.Scan(&u.AccountID, &u.UserID, &u.DisplayName, &u.ThumbnailURL, &u.ThumbnailPath, &u.ThumbnailFileName)
		})
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// albums returns albums for one account/user.
func (c *Cache) albums(ctx context.Context, accountID int, userID string) ([]Album, error) {
	var a []Album
	err := c.db.Fetch(ctx,
		`SELECT `+albumColumns+` FROM albums WHERE accountId = ? AND userId = ? ORDER BY albumId`,
		[]any{accountID, userID},
		func(rows *sql.Rows) error {
			var album Album
			if err := scanAlbum(rows, &album); err != nil {
				return err
			}
			a = append(a, album)
			return nil
		})
	return a, err
}

// albumByKey returns one album, or nil when absent.
func (c *Cache) albumByKey(ctx context.Context, key AlbumKey) (*Album, error) {
	var album Album
	found, err := c.db.FetchOne(ctx,
		`SELECT `+albumColumns+` FROM albums WHERE accountId = ? AND userId = ? AND albumId = ?`,
		[]any{key.AccountID, key.UserID, key.AlbumID},
		func(row *sql.Row) error {
			return row.Scan(&album.AccountID, &album.UserID, &album.AlbumID, &album.ParentAlbumID, &album.AlbumName,
				&album.PhotoCount, &album.ThumbnailURL, &album.ThumbnailPath, &album.ThumbnailFileName, &album.Etag)
		})
	if err != nil || !found {
		return nil, err
	}
	return &album, nil
}

// photos returns photos filtered by account/user and optionally album.
func (c *Cache) photos(ctx context.Context, accountID int, userID, albumID string) ([]Photo, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE accountId = ? AND userId = ?`
	args := []any{accountID, userID}
	if albumID != "" {
		query += ` AND albumId = ?`
		args = append(args, albumID)
	}
	query += ` ORDER BY albumId, photoId`

	var a []Photo
	err := c.db.Fetch(ctx, query, args, func(rows *sql.Rows) error {
		var p Photo
		if err := scanPhoto(rows, &p); err != nil {
			return err
		}
		a = append(a, p)
		return nil
	})
	return a, err
}

// photoByKey returns one photo, or nil when absent.
func (c *Cache) photoByKey(ctx context.Context, key PhotoKey) (*Photo, error) {
	var p Photo
	found, err := c.db.FetchOne(ctx,
		`SELECT `+photoColumns+` FROM photos WHERE accountId = ? AND userId = ? AND albumId = ? AND photoId = ?`,
		[]any{key.AccountID, key.UserID, key.AlbumID, key.PhotoID},
		func(row *sql.Row) error {
			return row.Scan(&p.AccountID, &p.UserID, &p.AlbumID, &p.PhotoID, &p.FileName, &p.AlbumPath, &p.Description,
				&p.CreatedTimestamp, &p.UpdatedTimestamp, &p.ThumbnailURL, &p.ThumbnailPath, &p.ImageURL, &p.ImagePath,
				&p.Width, &p.Height, &p.FileSize, &p.FileType, &p.Etag)
		})
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// photoCount returns the number of photos matching the filters. It is a
// derived aggregate, computed on demand.
func (c *Cache) photoCount(ctx context.Context, accountID int, userID, albumID string) (int, error) {
	query := `SELECT COUNT(*) FROM photos WHERE 1=1`
	var args []any
	if accountID > 0 {
		query += ` AND accountId = ?`
		args = append(args, accountID)
	}
	if userID != "" {
		query += ` AND userId = ?`
		args = append(args, userID)
	}
	if albumID != "" {
		query += ` AND albumId = ?`
		args = append(args, albumID)
	}

	var n int
	_, err := c.db.FetchOne(ctx, query, args, func(row *sql.Row) error { return row.Scan(&n) })
	return n, err
}

// storeUser upserts a user row by its composite key.
func (c *Cache) storeUser(ctx context.Context, u User) error {
	if u.AccountID <= 0 || u.UserID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "user requires accountId and userId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		old, err := c.userByKey(ctx, u.Key())
		if err != nil {
			return err
		}

		if old == nil {
			_, err = c.db.Exec(ctx,
				`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
				u.AccountID, u.UserID, u.DisplayName, u.ThumbnailURL, u.ThumbnailPath, u.ThumbnailFileName)
		} else {
			if old.ThumbnailPath != "" && old.ThumbnailPath != u.ThumbnailPath {
				c.schema.markStale(old.ThumbnailPath)
			}
			_, err = c.db.Exec(ctx,
				`UPDATE users SET displayName = ?, thumbnailUrl = ?, thumbnailPath = ?, thumbnailFileName = ?
				 WHERE accountId = ? AND userId = ?`,
				u.DisplayName, u.ThumbnailURL, u.ThumbnailPath, u.ThumbnailFileName, u.AccountID, u.UserID)
		}
		if err != nil {
			return err
		}
		c.schema.pending.StoredUsers = append(c.schema.pending.StoredUsers, u)
		return nil
	})
}

// deleteUser removes a user and, cascading, all of its albums and their
// photos. Owned artifact files are scheduled for post-commit deletion.
func (c *Cache) deleteUser(ctx context.Context, key UserKey) error {
	if key.AccountID <= 0 || key.UserID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "user requires accountId and userId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		u, err := c.userByKey(ctx, key)
		if err != nil {
			return err
		} else if u == nil {
			return nil
		}

		albums, err := c.albums(ctx, key.AccountID, key.UserID)
		if err != nil {
			return err
		}
		for _, album := range albums {
			if err := c.deleteAlbum(ctx, album.Key()); err != nil {
				return err
			}
		}

		c.schema.markStale(u.ThumbnailPath)
		if _, err := c.db.Exec(ctx,
			`DELETE FROM users WHERE accountId = ? AND userId = ?`, key.AccountID, key.UserID); err != nil {
			return err
		}
		c.schema.pending.DeletedUsers = append(c.schema.pending.DeletedUsers, *u)
		return nil
	})
}

// storeAlbum upserts an album row by its composite key.
func (c *Cache) storeAlbum(ctx context.Context, a Album) error {
	if a.AccountID <= 0 || a.UserID == "" || a.AlbumID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "album requires accountId, userId and albumId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		old, err := c.albumByKey(ctx, a.Key())
		if err != nil {
			return err
		}

		if old == nil {
			_, err = c.db.Exec(ctx,
				`INSERT INTO albums (`+albumColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.AccountID, a.UserID, a.AlbumID, a.ParentAlbumID, a.AlbumName, a.PhotoCount,
				a.ThumbnailURL, a.ThumbnailPath, a.ThumbnailFileName, a.Etag)
		} else {
			// A replaced pinned thumbnail artifact is owned by the album
			// row; a derived one belongs to its photo.
			if old.Pinned() && old.ThumbnailPath != "" && old.ThumbnailPath != a.ThumbnailPath {
				c.schema.markStale(old.ThumbnailPath)
			}
			_, err = c.db.Exec(ctx,
				`UPDATE albums SET parentAlbumId = ?, albumName = ?, photoCount = ?, thumbnailUrl = ?,
				 thumbnailPath = ?, thumbnailFileName = ?, etag = ?
				 WHERE accountId = ? AND userId = ? AND albumId = ?`,
				a.ParentAlbumID, a.AlbumName, a.PhotoCount, a.ThumbnailURL,
				a.ThumbnailPath, a.ThumbnailFileName, a.Etag,
				a.AccountID, a.UserID, a.AlbumID)
		}
		if err != nil {
			return err
		}
		c.schema.pending.StoredAlbums = append(c.schema.pending.StoredAlbums, a)
		return nil
	})
}

// deleteAlbum removes an album and, cascading, all of its photos.
func (c *Cache) deleteAlbum(ctx context.Context, key AlbumKey) error {
	if key.AccountID <= 0 || key.UserID == "" || key.AlbumID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "album requires accountId, userId and albumId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		a, err := c.albumByKey(ctx, key)
		if err != nil {
			return err
		} else if a == nil {
			return nil
		}

		photos, err := c.photos(ctx, key.AccountID, key.UserID, key.AlbumID)
		if err != nil {
			return err
		}
		for _, p := range photos {
			if err := c.deletePhoto(ctx, p.Key()); err != nil {
				return err
			}
		}

		if a.Pinned() {
			c.schema.markStale(a.ThumbnailPath)
		}
		if _, err := c.db.Exec(ctx,
			`DELETE FROM albums WHERE accountId = ? AND userId = ? AND albumId = ?`,
			key.AccountID, key.UserID, key.AlbumID); err != nil {
			return err
		}
		c.schema.pending.DeletedAlbums = append(c.schema.pending.DeletedAlbums, *a)
		return nil
	})
}

// storePhoto upserts a photo row. A changed thumbnail or image path
// schedules the replaced artifact for post-commit deletion, and the
// owning album's derived thumbnail is queued for repair.
func (c *Cache) storePhoto(ctx context.Context, p Photo) error {
	if p.AccountID <= 0 || p.UserID == "" || p.AlbumID == "" || p.PhotoID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "photo requires accountId, userId, albumId and photoId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		old, err := c.photoByKey(ctx, p.Key())
		if err != nil {
			return err
		}

		if old == nil {
			_, err = c.db.Exec(ctx,
				`INSERT INTO photos (`+photoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.AccountID, p.UserID, p.AlbumID, p.PhotoID, p.FileName, p.AlbumPath, p.Description,
				p.CreatedTimestamp, p.UpdatedTimestamp, p.ThumbnailURL, p.ThumbnailPath, p.ImageURL, p.ImagePath,
				p.Width, p.Height, p.FileSize, p.FileType, p.Etag)
		} else {
			if old.ThumbnailPath != "" && old.ThumbnailPath != p.ThumbnailPath {
				c.schema.markStale(old.ThumbnailPath)
			}
			if old.ImagePath != "" && old.ImagePath != p.ImagePath {
				c.schema.markStale(old.ImagePath)
			}
			_, err = c.db.Exec(ctx,
				`UPDATE photos SET fileName = ?, albumPath = ?, description = ?, createdTimestamp = ?,
				 updatedTimestamp = ?, thumbnailUrl = ?, thumbnailPath = ?, imageUrl = ?, imagePath = ?,
				 width = ?, height = ?, fileSize = ?, fileType = ?, etag = ?
				 WHERE accountId = ? AND userId = ? AND albumId = ? AND photoId = ?`,
				p.FileName, p.AlbumPath, p.Description, p.CreatedTimestamp,
				p.UpdatedTimestamp, p.ThumbnailURL, p.ThumbnailPath, p.ImageURL, p.ImagePath,
				p.Width, p.Height, p.FileSize, p.FileType, p.Etag,
				p.AccountID, p.UserID, p.AlbumID, p.PhotoID)
		}
		if err != nil {
			return err
		}
		c.schema.markAlbumDirty(AlbumKey{p.AccountID, p.UserID, p.AlbumID})
		c.schema.pending.StoredPhotos = append(c.schema.pending.StoredPhotos, p)
		return nil
	})
}

// deletePhoto removes a photo row and schedules its artifacts.
func (c *Cache) deletePhoto(ctx context.Context, key PhotoKey) error {
	if key.AccountID <= 0 || key.UserID == "" || key.AlbumID == "" || key.PhotoID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "photo requires accountId, userId, albumId and photoId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		p, err := c.photoByKey(ctx, key)
		if err != nil {
			return err
		} else if p == nil {
			return nil
		}

		c.schema.markStale(p.ThumbnailPath, p.ImagePath)
		if _, err := c.db.Exec(ctx,
			`DELETE FROM photos WHERE accountId = ? AND userId = ? AND albumId = ? AND photoId = ?`,
			key.AccountID, key.UserID, key.AlbumID, key.PhotoID); err != nil {
			return err
		}
		c.schema.markAlbumDirty(AlbumKey{key.AccountID, key.UserID, key.AlbumID})
		c.schema.pending.DeletedPhotos = append(c.schema.pending.DeletedPhotos, *p)
		return nil
	})
}

// purgeAccount wipes every row belonging to one account along with all of
// the account's downloaded artifact files.
func (c *Cache) purgeAccount(ctx context.Context, accountID int) error {
	if accountID <= 0 {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "purge requires accountId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		users, err := c.users(ctx, accountID)
		if err != nil {
			return err
		}
		for _, u := range users {
			if err := c.deleteUser(ctx, u.Key()); err != nil {
				return err
			}
		}
		return nil
	})
}
