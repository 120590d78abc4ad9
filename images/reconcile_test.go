package images

import (
	"context"
	"os"
	"testing"
)

type fakeLister struct {
	listings map[string]*Listing
}

func (l *fakeLister) ListAlbum(ctx context.Context, userID, albumID string) (*Listing, error) {
	if listing, ok := l.listings[albumID]; ok {
		return listing, nil
	}
	return &Listing{}, nil
}

func TestCache_Reconcile(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	account := Account{ID: 1, UserID: "alice", DisplayName: "Alice"}

	// Local state: album A holding P1 and P_old, plus an empty album C
	// that no longer exists remotely.
	if err := c.StoreUser(ctx, User{AccountID: 1, UserID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	for _, a := range []Album{
		{AccountID: 1, UserID: "alice", AlbumID: "A", AlbumName: "A"},
		{AccountID: 1, UserID: "alice", AlbumID: "C", AlbumName: "C"},
	} {
		if err := c.StoreAlbum(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range []Photo{
		{AccountID: 1, UserID: "alice", AlbumID: "A", PhotoID: "P1", FileName: "p1.jpg", UpdatedTimestamp: "t1", ImageURL: "u1", Etag: "e1"},
		{AccountID: 1, UserID: "alice", AlbumID: "A", PhotoID: "P_old", FileName: "old.jpg"},
	} {
		if err := c.StorePhoto(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	// Remote state: albums A and B, P1 still in A, P2 in B.
	listing := &Listing{
		Albums: []RemoteAlbum{
			{AlbumID: "A", AlbumName: "A", PhotoCount: 1},
			{AlbumID: "B", AlbumName: "B", PhotoCount: 1},
		},
		Photos: []RemotePhoto{
			{AlbumID: "A", PhotoID: "P1", FileName: "p1.jpg", UpdatedTimestamp: "t1", ImageURL: "u1", Etag: "e1"},
			{AlbumID: "B", PhotoID: "P2", FileName: "p2.jpg"},
		},
	}

	stats, err := c.reconcile(ctx, account, listing)
	if err != nil {
		t.Fatal(err)
	}
	want := ReconcileStats{AlbumsStored: 2, AlbumsDeleted: 1, PhotosStored: 1, PhotosDeleted: 1}
	if stats != want {
		t.Fatalf("stats=%+v, want %+v", stats, want)
	}

	albums, err := c.albums(ctx, 1, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(albums) != 2 || albums[0].AlbumID != "A" || albums[1].AlbumID != "B" {
		t.Fatalf("albums=%#v", albums)
	}
	photos, err := c.photos(ctx, 1, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(photos) != 2 || photos[0].PhotoID != "P1" || photos[1].PhotoID != "P2" {
		t.Fatalf("photos=%#v", photos)
	}

	// A second pass over the same listing applies nothing.
	if stats, err = c.reconcile(ctx, account, listing); err != nil {
		t.Fatal(err)
	} else if stats != (ReconcileStats{}) {
		t.Fatalf("second pass stats=%+v, want zero", stats)
	}
}

// Loose top-level photos arrive with an empty album id; the reconciler
// must re-home them under the synthetic root album rather than fail the
// whole pass.
func TestCache_Reconcile_RootLevelPhotos(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	account := Account{ID: 1, UserID: "alice"}

	listing := &Listing{
		Albums: []RemoteAlbum{{AlbumID: "A", AlbumName: "A", PhotoCount: 1}},
		Photos: []RemotePhoto{
			{AlbumID: "A", PhotoID: "P1", FileName: "p1.jpg"},
			{AlbumID: "", PhotoID: "rootpic", FileName: "rootpic.jpg"},
		},
	}

	stats, err := c.reconcile(ctx, account, listing)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PhotosStored != 2 || stats.AlbumsStored != 2 {
		t.Fatalf("stats=%+v, want two albums and two photos stored", stats)
	}

	p, err := c.photoByKey(ctx, PhotoKey{1, "alice", RootAlbumID, "rootpic"})
	if err != nil {
		t.Fatal(err)
	} else if p == nil {
		t.Fatal("root photo missing")
	}
	root, err := c.albumByKey(ctx, AlbumKey{1, "alice", RootAlbumID})
	if err != nil {
		t.Fatal(err)
	} else if root == nil || root.PhotoCount != 1 {
		t.Fatalf("root album=%#v", root)
	}

	// The synthetic album normalizes identically on the next pass.
	if stats, err = c.reconcile(ctx, account, listing); err != nil {
		t.Fatal(err)
	} else if stats != (ReconcileStats{}) {
		t.Fatalf("second pass stats=%+v, want zero", stats)
	}
}

func TestCache_Reconcile_MovePreservesArtifacts(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	account := Account{ID: 1, UserID: "alice"}

	thumb := writeArtifact(t, "p1-thumb.jpg")
	image := writeArtifact(t, "p1.jpg")

	if err := c.StoreUser(ctx, User{AccountID: 1, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"A", "B"} {
		if err := c.StoreAlbum(ctx, Album{AccountID: 1, UserID: "alice", AlbumID: id, AlbumName: id, PhotoCount: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.StorePhoto(ctx, Photo{
		AccountID: 1, UserID: "alice", AlbumID: "A", PhotoID: "P1",
		FileName: "p1.jpg", UpdatedTimestamp: "t1", ImageURL: "u1",
		ThumbnailPath: thumb, ImagePath: image,
	}); err != nil {
		t.Fatal(err)
	}

	// P1 reappears under album B with unchanged content.
	listing := &Listing{
		Albums: []RemoteAlbum{
			{AlbumID: "A", AlbumName: "A"},
			{AlbumID: "B", AlbumName: "B", PhotoCount: 1},
		},
		Photos: []RemotePhoto{
			{AlbumID: "B", PhotoID: "P1", FileName: "p1.jpg", UpdatedTimestamp: "t1", ImageURL: "u1"},
		},
	}

	stats, err := c.reconcile(ctx, account, listing)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PhotosMoved != 1 || stats.PhotosDeleted != 0 {
		t.Fatalf("stats=%+v, want one move and no deletes", stats)
	}

	p, err := c.photoByKey(ctx, PhotoKey{1, "alice", "B", "P1"})
	if err != nil {
		t.Fatal(err)
	} else if p == nil {
		t.Fatal("photo missing from destination album")
	}
	if p.ThumbnailPath != thumb || p.ImagePath != image {
		t.Fatalf("artifact paths lost in move: %#v", p)
	}
	if old, err := c.photoByKey(ctx, PhotoKey{1, "alice", "A", "P1"}); err != nil {
		t.Fatal(err)
	} else if old != nil {
		t.Fatal("photo remains in source album")
	}
	for _, path := range []string{thumb, image} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("artifact removed by move: %v", err)
		}
	}
}

func TestCache_Reconcile_ChangedContentInvalidatesArtifacts(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	account := Account{ID: 1, UserID: "alice"}

	thumb := writeArtifact(t, "p1-thumb.jpg")
	seedAccount(t, c, 1, "alice", "A")
	if err := c.StorePhoto(ctx, Photo{
		AccountID: 1, UserID: "alice", AlbumID: "A", PhotoID: "P1",
		UpdatedTimestamp: "t1", ThumbnailPath: thumb,
	}); err != nil {
		t.Fatal(err)
	}

	listing := &Listing{
		Albums: []RemoteAlbum{{AlbumID: "A", AlbumName: "A", PhotoCount: 1}},
		Photos: []RemotePhoto{{AlbumID: "A", PhotoID: "P1", UpdatedTimestamp: "t2"}},
	}
	if _, err := c.reconcile(ctx, account, listing); err != nil {
		t.Fatal(err)
	}

	p, err := c.photoByKey(ctx, PhotoKey{1, "alice", "A", "P1"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ThumbnailPath != "" {
		t.Fatalf("thumbnail path=%q, want cleared", p.ThumbnailPath)
	}
	if _, err := os.Stat(thumb); !os.IsNotExist(err) {
		t.Fatal("stale thumbnail must be removed after commit")
	}
}

func TestCache_Crawl(t *testing.T) {
	c := newTestCache(t)
	account := Account{
		ID:     1,
		UserID: "alice",
		Lister: &fakeLister{listings: map[string]*Listing{
			"": {Albums: []RemoteAlbum{{AlbumID: "a"}, {AlbumID: "b"}}},
			"a": {
				Albums: []RemoteAlbum{{AlbumID: "a/sub", ParentAlbumID: "a"}},
				Photos: []RemotePhoto{{AlbumID: "a", PhotoID: "p1"}, {AlbumID: "a", PhotoID: "p2"}},
			},
			"b":     {Photos: []RemotePhoto{{AlbumID: "b", PhotoID: "p3"}}},
			"a/sub": {Photos: []RemotePhoto{{AlbumID: "a/sub", PhotoID: "p4"}}},
		}},
	}

	listing, err := c.crawl(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Albums) != 3 || len(listing.Photos) != 4 {
		t.Fatalf("albums=%d photos=%d", len(listing.Albums), len(listing.Photos))
	}

	counts := make(map[string]int)
	for _, a := range listing.Albums {
		counts[a.AlbumID] = a.PhotoCount
	}
	if counts["a"] != 2 || counts["b"] != 1 || counts["a/sub"] != 1 {
		t.Fatalf("photo counts=%v", counts)
	}
}
