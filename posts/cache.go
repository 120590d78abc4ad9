package posts

import (
	"context"
	"database/sql"
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

// NotificationClient is the protocol-client surface the sync pass
// drives: one full listing per pass, plus the remote deletion calls that
// acknowledge local tombstones.
type NotificationClient interface {
	Notifications(ctx context.Context) ([]RemoteEvent, error)
	DeleteNotification(ctx context.Context, eventID string) error
	DeleteAllNotifications(ctx context.Context) error
}

// Account binds one remote account to the cache.
type Account struct {
	ID     int
	Client NotificationClient
}

// Cache is the posts cache instance. All database work is serialized on
// a dedicated runner goroutine.
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

// NewCache returns a new posts cache rooted at dataDir.
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

// Events returns events, optionally filtered by account. Tombstoned
// events are excluded; they are dismissed as far as the user can tell.
func (c *Cache) Events(ctx context.Context, accountID int) (a []Event, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		a, err = c.events(ctx, accountID, false)
		return err
	})
	return a, err
}

// StoreEvent upserts one event row.
func (c *Cache) StoreEvent(ctx context.Context, e Event) error {
	return c.do(ctx, func(ctx context.Context) error { return c.storeEvent(ctx, e) })
}

// FlagEventForDeletion tombstones one event. The row remains until the
// remote service acknowledges the deletion on a later sync pass.
func (c *Cache) FlagEventForDeletion(ctx context.Context, key EventKey) error {
	return c.do(ctx, func(ctx context.Context) error { return c.flagEventForDeletion(ctx, key) })
}

// DeleteEvent removes one event row and schedules its image artifact.
func (c *Cache) DeleteEvent(ctx context.Context, key EventKey) error {
	return c.do(ctx, func(ctx context.Context) error { return c.deleteEvent(ctx, key) })
}

// PurgeAccount wipes one account's rows and artifact files.
func (c *Cache) PurgeAccount(ctx context.Context, accountID int) error {
	return c.do(ctx, func(ctx context.Context) error { return c.purgeAccount(ctx, accountID) })
}

// PopulateEventImage downloads the event's image if not cached and
// persists its local path, returning that path.
func (c *Cache) PopulateEventImage(ctx context.Context, token string, key EventKey, header http.Header) (string, error) {
	var e *Event
	if err := c.do(ctx, func(ctx context.Context) error {
		var err error
		e, err = c.eventByKey(ctx, key)
		return err
	}); err != nil {
		return "", err
	} else if e == nil {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "unknown event %v", key)
	}

	if e.ImagePath != "" {
		if _, err := os.Stat(e.ImagePath); err == nil {
			return e.ImagePath, nil
		}
	}
	if e.ImageURL == "" {
		return "", ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "event %v has no image", key)
	}

	dest := filepath.Join(c.accountDir(key.AccountID), key.EventID+urlExt(e.ImageURL))
	resultCh := make(chan ocsync.DownloadResult, 1)
	c.downloader.Enqueue(ocsync.DownloadRequest{
		Token:  token,
		URL:    e.ImageURL,
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
		stored := *e
		stored.ImagePath = res.Path
		return c.storeEvent(ctx, stored)
	}); err != nil {
		return "", err
	}
	return res.Path, nil
}

// Sync lists each account's notifications, reconciles them locally, and
// acknowledges tombstones to the remote service after commit.
func (c *Cache) Sync(ctx context.Context) error {
	for _, account := range c.Accounts {
		if account.Client == nil {
			return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "account %d has no protocol client", account.ID)
		}

		remote, err := account.Client.Notifications(ctx)
		if err != nil {
			return fmt.Errorf("list account %d: %w", account.ID, err)
		}

		var stats ReconcileStats
		var plan deletePlan
		if err := c.do(ctx, func(ctx context.Context) error {
			var err error
			stats, plan, err = c.reconcile(ctx, account, remote)
			return err
		}); err != nil {
			return fmt.Errorf("reconcile account %d: %w", account.ID, err)
		}

		// Remote deletions only after the local transaction committed;
		// a failed acknowledgment leaves the tombstone for the next pass.
		if err := c.acknowledge(ctx, account, plan); err != nil {
			c.logger.Warn("acknowledge dismissals", "account", account.ID, "error", err)
		}
		c.logger.Info("synced", "account", account.ID, "stats", stats)
	}
	return nil
}

func (c *Cache) acknowledge(ctx context.Context, account Account, plan deletePlan) error {
	if plan.all {
		return account.Client.DeleteAllNotifications(ctx)
	}
	for _, id := range plan.ids {
		if err := account.Client.DeleteNotification(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) accountDir(accountID int) string {
	return filepath.Join(ocsync.ArtifactDir(c.dataDir, CacheName), strconv.Itoa(accountID))
}

// events returns events for one account; tombstones included on demand.
func (c *Cache) events(ctx context.Context, accountID int, includeTombstones bool) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if accountID > 0 {
		query += ` WHERE accountId = ?`
		args = append(args, accountID)
	}
	if !includeTombstones {
		if accountID > 0 {
			query += ` AND deletedLocally = 0`
		} else {
			query += ` WHERE deletedLocally = 0`
		}
	}
	query += ` ORDER BY timestamp DESC, eventId`

	var a []Event
	err := c.db.Fetch(ctx, query, args, func(rows *sql.Rows) error {
		var e Event
		if err := scanEvent(rows, &e); err != nil {
			return err
		}
		a = append(a, e)
		return nil
	})
	return a, err
}

// eventByKey returns one event, or nil when absent.
func (c *Cache) eventByKey(ctx context.Context, key EventKey) (*Event, error) {
	var e Event
	found, err := c.db.FetchOne(ctx,
		`SELECT `+eventColumns+` FROM events WHERE accountId = ? AND eventId = ?`,
		[]any{key.AccountID, key.EventID},
		func(row *sql.Row) error {
			return row.Scan(&e.AccountID, &e.EventID, &e.Subject, &e.Text, &e.URL,
				&e.ImageURL, &e.ImagePath, &e.Timestamp, &e.DeletedLocally)
		})
	if err != nil || !found {
		return nil, err
	}
	return &e, nil
}

// storeEvent upserts an event row by its composite key.
func (c *Cache) storeEvent(ctx context.Context, e Event) error {
	if e.AccountID <= 0 || e.EventID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "event requires accountId and eventId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		old, err := c.eventByKey(ctx, e.Key())
		if err != nil {
			return err
		}

		if old == nil {
			_, err = c.db.Exec(ctx,
				`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.AccountID, e.EventID, e.Subject, e.Text, e.URL,
				e.ImageURL, e.ImagePath, e.Timestamp, e.DeletedLocally)
		} else {
			if old.ImagePath != "" && old.ImagePath != e.ImagePath {
				c.schema.markStale(old.ImagePath)
			}
			_, err = c.db.Exec(ctx,
				`UPDATE events SET eventSubject = ?, eventText = ?, eventUrl = ?, imageUrl = ?,
				 imagePath = ?, timestamp = ?, deletedLocally = ?
				 WHERE accountId = ? AND eventId = ?`,
				e.Subject, e.Text, e.URL, e.ImageURL,
				e.ImagePath, e.Timestamp, e.DeletedLocally,
				e.AccountID, e.EventID)
		}
		if err != nil {
			return err
		}
		c.schema.pending.StoredEvents = append(c.schema.pending.StoredEvents, e)
		return nil
	})
}

// flagEventForDeletion sets the tombstone on one event row.
func (c *Cache) flagEventForDeletion(ctx context.Context, key EventKey) error {
	if key.AccountID <= 0 || key.EventID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "event requires accountId and eventId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		e, err := c.eventByKey(ctx, key)
		if err != nil {
			return err
		} else if e == nil || e.DeletedLocally {
			return nil
		}

		if _, err := c.db.Exec(ctx,
			`UPDATE events SET deletedLocally = 1 WHERE accountId = ? AND eventId = ?`,
			key.AccountID, key.EventID); err != nil {
			return err
		}
		// A dismissed event disappears from the user's view now, even
		// though the row survives as a tombstone.
		c.schema.pending.DeletedEvents = append(c.schema.pending.DeletedEvents, *e)
		return nil
	})
}

// deleteEvent removes an event row and schedules its image artifact.
func (c *Cache) deleteEvent(ctx context.Context, key EventKey) error {
	if key.AccountID <= 0 || key.EventID == "" {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "event requires accountId and eventId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		e, err := c.eventByKey(ctx, key)
		if err != nil {
			return err
		} else if e == nil {
			return nil
		}

		c.schema.markStale(e.ImagePath)
		if _, err := c.db.Exec(ctx,
			`DELETE FROM events WHERE accountId = ? AND eventId = ?`,
			key.AccountID, key.EventID); err != nil {
			return err
		}
		if !e.DeletedLocally {
			c.schema.pending.DeletedEvents = append(c.schema.pending.DeletedEvents, *e)
		}
		return nil
	})
}

// purgeAccount wipes every row belonging to one account along with the
// account's downloaded artifact files.
func (c *Cache) purgeAccount(ctx context.Context, accountID int) error {
	if accountID <= 0 {
		return ocsync.Errorf(ocsync.ErrCodeInvalidArgument, "purge requires accountId")
	}

	return c.withTx(ctx, func(ctx context.Context) error {
		events, err := c.events(ctx, accountID, true)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := c.deleteEvent(ctx, e.Key()); err != nil {
				return err
			}
		}
		return nil
	})
}

// urlExt extracts a usable file extension from a remote URL.
func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Ext(u.Path)
}
