package images

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ocsync/ocsync"
)

// Account binds one remote account to the cache: its identity plus the
// protocol client used to list its albums.
type Account struct {
	ID          int
	UserID      string
	DisplayName string
	Lister      Lister
}

// Lister is the protocol-client surface the sync pass drives: one remote
// request per album encountered, returning the album's direct sub-albums
// and contained photos.
type Lister interface {
	ListAlbum(ctx context.Context, userID, albumID string) (*Listing, error)
}

// Cache is the images cache instance. All database work is serialized on
// a dedicated runner goroutine; public methods may be called from any
// goroutine and block only their caller.
type Cache struct {
	db         *ocsync.DB
	schema     *schema
	runner     *ocsync.Runner
	downloader *ocsync.Downloader
	notifier   *ocsync.ChangeNotifier
	logger     *slog.Logger

	mu       sync.Mutex
	handlers map[int]func(ChangeSet)
	nextID   int
	emits    []ChangeSet

	dataDir string

	// Accounts to reconcile on Sync. Must be set before Sync is called.
	Accounts []Account
}

var _ ocsync.Cache = (*Cache)(nil)

// NewCache returns a new images cache rooted at dataDir. The downloader
// fetches artifact files; notifier may be nil when cross-process
// broadcasts are not wanted.
func NewCache(dataDir string, downloader *ocsync.Downloader, notifier *ocsync.ChangeNotifier) *Cache {
	c := &Cache{
		schema:     newSchema(),
		downloader: downloader,
		notifier:   notifier,
		logger:     slog.Default().With("cache", CacheName),
		handlers:   make(map[int]func(ChangeSet)),
		dataDir:    dataDir,
	}
	c.db = ocsync.NewDB(ocsync.DatabasePath(dataDir, CacheName), c.schema)
	c.schema.onCommitted = c.committed
	return c
}

// Name implements ocsync.Cache.
func (c *Cache) Name() string { return CacheName }

// DB returns the underlying database handle, for status reporting.
func (c *Cache) DB() *ocsync.DB { return c.db }

// Open opens the database and starts the runner.
func (c *Cache) Open(ctx context.Context) error {
	if err := c.db.Open(ctx); err != nil {
		return err
	}
	c.runner = ocsync.NewRunner(CacheName)
	return nil
}

// Close stops the runner and closes the database.
func (c *Cache) Close() (err error) {
	if c.runner != nil {
		if e := c.runner.Close(); e != nil && err == nil {
			err = e
		}
	}
	if e := c.db.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// OnChange registers a handler for committed change sets and returns an
// unsubscribe function. Handlers run on the goroutine that submitted the
// committing call, after its task has finished; they may call back into
// the cache.
func (c *Cache) OnChange(fn func(ChangeSet)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// committed queues one change set for delivery. Called from the commit
// hook while the database mutex is still held and the runner is still
// inside the committing task, so handlers must not run here.
func (c *Cache) committed(cs ChangeSet) {
	c.mu.Lock()
	c.emits = append(c.emits, cs)
	c.mu.Unlock()
}

// do submits fn to the runner and then delivers any change sets the task
// committed. Delivery happens on the caller's goroutine with the runner
// idle and no locks held, so a handler can read the cache back
// synchronously.
func (c *Cache) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.runner.Do(ctx, fn)
	c.emit()
	return err
}

func (c *Cache) emit() {
	c.mu.Lock()
	changes := c.emits
	c.emits = nil
	fns := make([]func(ChangeSet), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, cs := range changes {
		for _, fn := range fns {
			fn(cs)
		}
		if c.notifier != nil {
			c.notifier.NotifyChanged(CacheName)
		}
	}
}

// withTx runs fn inside the active transaction, or wraps it in its own.
func (c *Cache) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.db.InTransaction() {
		return fn(ctx)
	}
	if err := c.db.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		c.db.Rollback()
		return err
	}
	return c.db.Commit()
}

// Users returns all users, optionally filtered by account.
func (c *Cache) Users(ctx context.Context, accountID int) (a []User, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		a, err = c.users(ctx, accountID)
		return err
	})
	return a, err
}

// Albums returns albums for one account/user.
func (c *Cache) Albums(ctx context.Context, accountID int, userID string) (a []Album, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		a, err = c.albums(ctx, accountID, userID)
		return err
	})
	return a, err
}

// Photos returns photos filtered by account/user and optionally album.
func (c *Cache) Photos(ctx context.Context, accountID int, userID, albumID string) (a []Photo, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		a, err = c.photos(ctx, accountID, userID, albumID)
		return err
	})
	return a, err
}

// PhotoCount returns the photo count matching the filters.
func (c *Cache) PhotoCount(ctx context.Context, accountID int, userID, albumID string) (n int, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		n, err = c.photoCount(ctx, accountID, userID, albumID)
		return err
	})
	return n, err
}

// StoreUser upserts one user row.
func (c *Cache) StoreUser(ctx context.Context, u User) error {
	return c.do(ctx, func(ctx context.Context) error { return c.storeUser(ctx, u) })
}

// DeleteUser deletes one user row, cascading to albums and photos.
func (c *Cache) DeleteUser(ctx context.Context, key UserKey) error {
	return c.do(ctx, func(ctx context.Context) error { return c.deleteUser(ctx, key) })
}

// StoreAlbum upserts one album row.
func (c *Cache) StoreAlbum(ctx context.Context, a Album) error {
	return c.do(ctx, func(ctx context.Context) error { return c.storeAlbum(ctx, a) })
}

// DeleteAlbum deletes one album row, cascading to photos.
func (c *Cache) DeleteAlbum(ctx context.Context, key AlbumKey) error {
	return c.do(ctx, func(ctx context.Context) error { return c.deleteAlbum(ctx, key) })
}

// StorePhoto upserts one photo row.
func (c *Cache) StorePhoto(ctx context.Context, p Photo) error {
	return c.do(ctx, func(ctx context.Context) error { return c.storePhoto(ctx, p) })
}

// DeletePhoto deletes one photo row.
func (c *Cache) DeletePhoto(ctx context.Context, key PhotoKey) error {
	return c.do(ctx, func(ctx context.Context) error { return c.deletePhoto(ctx, key) })
}

// PurgeAccount wipes one account's rows and artifact files.
func (c *Cache) PurgeAccount(ctx context.Context, accountID int) error {
	return c.do(ctx, func(ctx context.Context) error { return c.purgeAccount(ctx, accountID) })
}

// PopulateUserThumbnail downloads the user's thumbnail if not cached and
// persists its local path, returning that path. token correlates the
// request with its completion for the caller.
func (c *Cache) PopulateUserThumbnail(ctx context.Context, token string, key UserKey, header http.Header) (string, error) {
	var u *User
	if err := c.do(ctx, func(ctx context.Context) error {
		var err error
		u, err = c.userByKey(ctx, key)
		return err
	}); err != nil {
		return "", err
	} else if u == nil {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "unknown user %v", key)
	}

	if existing := cachedArtifact(u.ThumbnailPath); existing != "" {
		return existing, nil
	}
	dest := filepath.Join(c.accountDir(key.AccountID, key.UserID), "user-thumb"+urlExt(u.ThumbnailURL))
	return c.populate(ctx, token, u.ThumbnailURL, dest, header, func(ctx context.Context, path string) error {
		stored := *u
		stored.ThumbnailPath = path
		stored.ThumbnailFileName = filepath.Base(path)
		return c.storeUser(ctx, stored)
	})
}

// PopulateAlbumThumbnail downloads a pinned album thumbnail. Albums with
// derived thumbnails resolve through their photos instead.
func (c *Cache) PopulateAlbumThumbnail(ctx context.Context, token string, key AlbumKey, header http.Header) (string, error) {
	var a *Album
	if err := c.do(ctx, func(ctx context.Context) error {
		var err error
		a, err = c.albumByKey(ctx, key)
		return err
	}); err != nil {
		return "", err
	} else if a == nil {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "unknown album %v", key)
	}

	if existing := cachedArtifact(a.ThumbnailPath); existing != "" {
		return existing, nil
	}
	if !a.Pinned() {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "album %v has no thumbnail of its own", key)
	}
	dest := filepath.Join(c.accountDir(key.AccountID, key.UserID), key.AlbumID, "album-thumb"+urlExt(a.ThumbnailURL))
	return c.populate(ctx, token, a.ThumbnailURL, dest, header, func(ctx context.Context, path string) error {
		stored := *a
		stored.ThumbnailPath = path
		stored.ThumbnailFileName = filepath.Base(path)
		return c.storeAlbum(ctx, stored)
	})
}

// PopulatePhotoThumbnail downloads the photo's thumbnail if not cached
// and persists its local path.
func (c *Cache) PopulatePhotoThumbnail(ctx context.Context, token string, key PhotoKey, header http.Header) (string, error) {
	return c.populatePhoto(ctx, token, key, header, false)
}

// PopulatePhotoImage downloads the photo's full image if not cached and
// persists its local path.
func (c *Cache) PopulatePhotoImage(ctx context.Context, token string, key PhotoKey, header http.Header) (string, error) {
	return c.populatePhoto(ctx, token, key, header, true)
}

func (c *Cache) populatePhoto(ctx context.Context, token string, key PhotoKey, header http.Header, fullImage bool) (string, error) {
	var p *Photo
	if err := c.do(ctx, func(ctx context.Context) error {
		var err error
		p, err = c.photoByKey(ctx, key)
		return err
	}); err != nil {
		return "", err
	} else if p == nil {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "unknown photo %v", key)
	}

	srcURL, cached := p.ThumbnailURL, p.ThumbnailPath
	name := key.PhotoID + "-thumb"
	if fullImage {
		srcURL, cached = p.ImageURL, p.ImagePath
		name = key.PhotoID
	}
	if existing := cachedArtifact(cached); existing != "" {
		return existing, nil
	}

	dest := filepath.Join(c.accountDir(key.AccountID, key.UserID), key.AlbumID, name+urlExt(srcURL))
	return c.populate(ctx, token, srcURL, dest, header, func(ctx context.Context, path string) error {
		stored := *p
		if fullImage {
			stored.ImagePath = path
		} else {
			stored.ThumbnailPath = path
		}
		return c.storePhoto(ctx, stored)
	})
}

// populate downloads url to dest and persists the final path through
// persist on the runner. A download failure leaves the row's path empty
// so the next access retries; it never fails a surrounding transaction.
func (c *Cache) populate(ctx context.Context, token, srcURL, dest string, header http.Header, persist func(ctx context.Context, path string) error) (string, error) {
	if srcURL == "" {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "no remote url for %q", token)
	}

	resultCh := make(chan ocsync.DownloadResult, 1)
	c.downloader.Enqueue(ocsync.DownloadRequest{
		Token:  token,
		URL:    srcURL,
		Path:   dest,
		Header: header,
	}, func(res ocsync.DownloadResult) { resultCh <- res })

	var res ocsync.DownloadResult
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-resultCh:
	}
	if res.Err != nil {
		return "", fmt.Errorf("download %q: %w", token, res.Err)
	}

	if err := c.do(ctx, func(ctx context.Context) error {
		return persist(ctx, res.Path)
	}); err != nil {
		return "", err
	}
	return res.Path, nil
}

// Sync crawls each account's album tree and reconciles the merged
// listing against the local cache, one transaction per account.
func (c *Cache) Sync(ctx context.Context) error {
	for _, account := range c.Accounts {
		if account.Lister == nil {
			return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "account %d has no protocol client", account.ID)
		}

		listing, err := c.crawl(ctx, account)
		if err != nil {
			return fmt.Errorf("list account %d: %w", account.ID, err)
		}

		var stats ReconcileStats
		if err := c.do(ctx, func(ctx context.Context) error {
			var err error
			stats, err = c.reconcile(ctx, account, listing)
			return err
		}); err != nil {
			return fmt.Errorf("reconcile account %d: %w", account.ID, err)
		}
		c.logger.Info("synced", "account", account.ID, "stats", stats)
	}
	return nil
}

// crawl performs one remote request per album encountered, breadth
// first from the root, and merges the results.
func (c *Cache) crawl(ctx context.Context, account Account) (*Listing, error) {
	merged := &Listing{}
	queue := []string{""}
	seen := map[string]bool{"": true}

	for len(queue) > 0 {
		albumID := queue[0]
		queue = queue[1:]

		listing, err := account.Lister.ListAlbum(ctx, account.UserID, albumID)
		if err != nil {
			return nil, err
		}
		merged.Albums = append(merged.Albums, listing.Albums...)
		merged.Photos = append(merged.Photos, listing.Photos...)

		for _, album := range listing.Albums {
			if !seen[album.AlbumID] {
				seen[album.AlbumID] = true
				queue = append(queue, album.AlbumID)
			}
		}
	}

	// Per-album photo counts are only known once the full tree is listed.
	counts := make(map[string]int)
	for _, p := range merged.Photos {
		counts[p.AlbumID]++
	}
	for i := range merged.Albums {
		merged.Albums[i].PhotoCount = counts[merged.Albums[i].AlbumID]
	}
	return merged, nil
}

func (c *Cache) accountDir(accountID int, userID string) string {
	return filepath.Join(ocsync.ArtifactDir(c.dataDir, CacheName), strconv.Itoa(accountID), userID)
}

// cachedArtifact returns p when it names an existing file.
func cachedArtifact(p string) string {
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// urlExt extracts a usable file extension from a remote URL.
func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Ext(u.Path)
}
