package images

import (
	"context"

	"github.com/ocsync/ocsync/internal"
)

// RemoteAlbum is one album as reported by the remote service.
type RemoteAlbum struct {
	AlbumID       string
	ParentAlbumID string
	AlbumName     string
	PhotoCount    int
	ThumbnailURL  string
	Etag          string
}

// RemotePhoto is one photo as reported by the remote service.
type RemotePhoto struct {
	AlbumID          string
	PhotoID          string
	FileName         string
	AlbumPath        string
	Description      string
	CreatedTimestamp string
	UpdatedTimestamp string
	ThumbnailURL     string
	ImageURL         string
	Width            int
	Height           int
	FileSize         int
	FileType         string
	Etag             string
}

// Listing is the merged remote state for one account's album tree.
type Listing struct {
	Albums []RemoteAlbum
	Photos []RemotePhoto
}

// ReconcileStats counts the row changes applied by one reconcile pass.
type ReconcileStats struct {
	AlbumsStored  int
	AlbumsDeleted int
	PhotosStored  int
	PhotosMoved   int
	PhotosDeleted int
}

// photoPos addresses a photo within the account's tree.
type photoPos struct {
	AlbumID string
	PhotoID string
}

// RootAlbumID is the album id assigned to photos that live at the top of
// the remote tree, outside any album. Remote listings report those photos
// with an empty album id, which the photo key cannot hold.
const RootAlbumID = "/"

// withRootAlbum re-homes loose top-level photos under a synthetic root
// album. Returns the listing unmodified when no photo needs it.
func withRootAlbum(listing *Listing) *Listing {
	n := 0
	for _, p := range listing.Photos {
		if p.AlbumID == "" {
			n++
		}
	}
	if n == 0 {
		return listing
	}

	normalized := &Listing{
		Albums: make([]RemoteAlbum, len(listing.Albums), len(listing.Albums)+1),
		Photos: make([]RemotePhoto, len(listing.Photos)),
	}
	copy(normalized.Albums, listing.Albums)
	copy(normalized.Photos, listing.Photos)
	for i := range normalized.Photos {
		if normalized.Photos[i].AlbumID == "" {
			normalized.Photos[i].AlbumID = RootAlbumID
		}
	}
	normalized.Albums = append(normalized.Albums, RemoteAlbum{
		AlbumID:    RootAlbumID,
		PhotoCount: n,
	})
	return normalized
}

// reconcile applies the remote listing to the local cache as one delta:
// rows absent remotely are deleted, changed rows are upserted, and a
// photo reappearing under a different album is moved rather than
// re-downloaded. Runs as a single transaction; must be called from the
// runner goroutine.
func (c *Cache) reconcile(ctx context.Context, account Account, listing *Listing) (stats ReconcileStats, err error) {
	listing = withRootAlbum(listing)
	err = c.withTx(ctx, func(ctx context.Context) error {
		if err := c.reconcileUser(ctx, account); err != nil {
			return err
		}
		if err := c.reconcileAlbums(ctx, account, listing.Albums, &stats); err != nil {
			return err
		}
		return c.reconcilePhotos(ctx, account, listing.Photos, &stats)
	})
	if err != nil {
		return ReconcileStats{}, err
	}

	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "album", "store").Add(float64(stats.AlbumsStored))
	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "album", "delete").Add(float64(stats.AlbumsDeleted))
	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "photo", "store").Add(float64(stats.PhotosStored))
	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "photo", "move").Add(float64(stats.PhotosMoved))
	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "photo", "delete").Add(float64(stats.PhotosDeleted))
	return stats, nil
}

// reconcileUser ensures the account's user row exists and carries the
// current display name. Thumbnail state is preserved.
func (c *Cache) reconcileUser(ctx context.Context, account Account) error {
	key := UserKey{AccountID: account.ID, UserID: account.UserID}
	u, err := c.userByKey(ctx, key)
	if err != nil {
		return err
	}
	if u != nil && u.DisplayName == account.DisplayName {
		return nil
	}
	stored := User{AccountID: account.ID, UserID: account.UserID, DisplayName: account.DisplayName}
	if u != nil {
		stored = *u
		stored.DisplayName = account.DisplayName
	}
	return c.storeUser(ctx, stored)
}

func (c *Cache) reconcileAlbums(ctx context.Context, account Account, remote []RemoteAlbum, stats *ReconcileStats) error {
	local, err := c.albums(ctx, account.ID, account.UserID)
	if err != nil {
		return err
	}
	localByID := make(map[string]Album, len(local))
	for _, a := range local {
		localByID[a.AlbumID] = a
	}
	remoteIDs := make(map[string]bool, len(remote))
	for _, r := range remote {
		remoteIDs[r.AlbumID] = true
	}

	for _, a := range local {
		if !remoteIDs[a.AlbumID] {
			if err := c.deleteAlbum(ctx, a.Key()); err != nil {
				return err
			}
			stats.AlbumsDeleted++
		}
	}

	for _, r := range remote {
		old, exists := localByID[r.AlbumID]
		stored := Album{
			AccountID:     account.ID,
			UserID:        account.UserID,
			AlbumID:       r.AlbumID,
			ParentAlbumID: r.ParentAlbumID,
			AlbumName:     r.AlbumName,
			PhotoCount:    r.PhotoCount,
			ThumbnailURL:  r.ThumbnailURL,
			Etag:          r.Etag,
		}
		if exists {
			// Local artifact state survives unless the pinned thumbnail
			// source changed.
			if old.ThumbnailURL == r.ThumbnailURL {
				stored.ThumbnailPath = old.ThumbnailPath
				stored.ThumbnailFileName = old.ThumbnailFileName
			}
			if albumUnchanged(old, stored) {
				continue
			}
		}
		if err := c.storeAlbum(ctx, stored); err != nil {
			return err
		}
		stats.AlbumsStored++
	}
	return nil
}

func albumUnchanged(old, new Album) bool {
	return old.ParentAlbumID == new.ParentAlbumID &&
		old.AlbumName == new.AlbumName &&
		old.PhotoCount == new.PhotoCount &&
		old.ThumbnailURL == new.ThumbnailURL &&
		old.Etag == new.Etag
}

func (c *Cache) reconcilePhotos(ctx context.Context, account Account, remote []RemotePhoto, stats *ReconcileStats) error {
	local, err := c.photos(ctx, account.ID, account.UserID, "")
	if err != nil {
		return err
	}
	localByPos := make(map[photoPos]Photo, len(local))
	localByID := make(map[string][]Photo)
	for _, p := range local {
		pos := photoPos{p.AlbumID, p.PhotoID}
		localByPos[pos] = p
		localByID[p.PhotoID] = append(localByID[p.PhotoID], p)
	}
	remotePos := make(map[photoPos]bool, len(remote))
	for _, r := range remote {
		remotePos[photoPos{r.AlbumID, r.PhotoID}] = true
	}

	// Old positions consumed as move sources; excluded from deletion.
	consumed := make(map[photoPos]bool)

	for _, r := range remote {
		pos := photoPos{r.AlbumID, r.PhotoID}
		if old, ok := localByPos[pos]; ok {
			stored := mergeRemotePhoto(old, account, r)
			if stored == old {
				continue
			}
			if err := c.storePhoto(ctx, stored); err != nil {
				return err
			}
			stats.PhotosStored++
			continue
		}

		// New position. A matching photo id elsewhere whose own position
		// vanished remotely is a move; keep its downloaded artifacts.
		var source *Photo
		for _, cand := range localByID[r.PhotoID] {
			oldPos := photoPos{cand.AlbumID, cand.PhotoID}
			if !remotePos[oldPos] && !consumed[oldPos] {
				source = &cand
				consumed[oldPos] = true
				break
			}
		}
		if source != nil {
			stored := mergeRemotePhoto(*source, account, r)
			if err := c.movePhoto(ctx, *source, stored); err != nil {
				return err
			}
			stats.PhotosMoved++
			continue
		}

		stored := mergeRemotePhoto(Photo{
			AccountID: account.ID,
			UserID:    account.UserID,
			AlbumID:   r.AlbumID,
			PhotoID:   r.PhotoID,
		}, account, r)
		if err := c.storePhoto(ctx, stored); err != nil {
			return err
		}
		stats.PhotosStored++
	}

	for _, p := range local {
		pos := photoPos{p.AlbumID, p.PhotoID}
		if !remotePos[pos] && !consumed[pos] {
			if err := c.deletePhoto(ctx, p.Key()); err != nil {
				return err
			}
			stats.PhotosDeleted++
		}
	}
	return nil
}

// mergeRemotePhoto overlays the remote state onto the local row. Changed
// content, detected through the update timestamp or image source,
// invalidates the downloaded artifacts so the next access re-fetches.
func mergeRemotePhoto(old Photo, account Account, r RemotePhoto) Photo {
	p := Photo{
		AccountID:        account.ID,
		UserID:           account.UserID,
		AlbumID:          r.AlbumID,
		PhotoID:          r.PhotoID,
		FileName:         r.FileName,
		AlbumPath:        r.AlbumPath,
		Description:      r.Description,
		CreatedTimestamp: r.CreatedTimestamp,
		UpdatedTimestamp: r.UpdatedTimestamp,
		ThumbnailURL:     r.ThumbnailURL,
		ImageURL:         r.ImageURL,
		Width:            r.Width,
		Height:           r.Height,
		FileSize:         r.FileSize,
		FileType:         r.FileType,
		Etag:             r.Etag,
	}
	if old.UpdatedTimestamp == r.UpdatedTimestamp && old.ImageURL == r.ImageURL {
		p.ThumbnailPath = old.ThumbnailPath
		p.ImagePath = old.ImagePath
	}
	return p
}

// movePhoto re-homes a photo under a new album without touching its
// artifact files. Both albums' derived thumbnails are queued for repair.
func (c *Cache) movePhoto(ctx context.Context, old, new Photo) error {
	return c.withTx(ctx, func(ctx context.Context) error {
		if err := c.storePhoto(ctx, new); err != nil {
			return err
		}
		// Delete through raw SQL: deletePhoto would schedule the moved
		// artifacts for unlink.
		if _, err := c.db.Exec(ctx,
			`DELETE FROM photos WHERE accountId = ? AND userId = ? AND albumId = ? AND photoId = ?`,
			old.AccountID, old.UserID, old.AlbumID, old.PhotoID); err != nil {
			return err
		}
		c.schema.markAlbumDirty(AlbumKey{old.AccountID, old.UserID, old.AlbumID})
		c.schema.pending.DeletedPhotos = append(c.schema.pending.DeletedPhotos, old)
		return nil
	})
}
