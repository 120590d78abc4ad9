package ocsync_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ocsync/ocsync"
)

type fakeCache struct {
	name    string
	opens   atomic.Int32
	syncs   atomic.Int32
	closes  atomic.Int32
	openErr error
	syncErr error
}

func (c *fakeCache) Name() string { return c.name }

func (c *fakeCache) Open(ctx context.Context) error {
	c.opens.Add(1)
	return c.openErr
}

func (c *fakeCache) Sync(ctx context.Context) error {
	c.syncs.Add(1)
	return c.syncErr
}

func (c *fakeCache) Close() error {
	c.closes.Add(1)
	return nil
}

func TestStore_Open(t *testing.T) {
	c0, c1 := &fakeCache{name: "images"}, &fakeCache{name: "posts"}
	s := ocsync.NewStore([]ocsync.Cache{c0, c1})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c0.opens.Load() + c1.opens.Load(); got != 2 {
		t.Fatalf("opens=%d, want 2", got)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := c0.closes.Load() + c1.closes.Load(); got != 2 {
		t.Fatalf("closes=%d, want 2", got)
	}
}

func TestStore_OpenFailureClosesOpened(t *testing.T) {
	c0 := &fakeCache{name: "images"}
	c1 := &fakeCache{name: "posts", openErr: errors.New("locked")}
	s := ocsync.NewStore([]ocsync.Cache{c0, c1})
	if err := s.Open(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	if got := c0.closes.Load(); got != 1 {
		t.Fatalf("closes=%d, want 1", got)
	}
}

func TestStore_SyncCache(t *testing.T) {
	c := &fakeCache{name: "images"}
	s := ocsync.NewStore([]ocsync.Cache{c})

	if err := s.SyncCache(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	st := s.Status()[0]
	if st.SyncCount != 1 {
		t.Fatalf("sync count=%d, want 1", st.SyncCount)
	}
	if st.SyncedAt.IsZero() {
		t.Fatal("expected synced-at timestamp")
	}
	if st.LastError != "" {
		t.Fatalf("unexpected last error %q", st.LastError)
	}

	// A failed pass records the error but keeps counting.
	c.syncErr = errors.New("remote unavailable")
	if err := s.SyncCache(context.Background(), c); err == nil {
		t.Fatal("expected sync error")
	}
	st = s.Status()[0]
	if st.SyncCount != 2 {
		t.Fatalf("sync count=%d, want 2", st.SyncCount)
	}
	if st.LastError != "remote unavailable" {
		t.Fatalf("last error=%q", st.LastError)
	}

	// A later success clears it.
	c.syncErr = nil
	if err := s.SyncCache(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if st = s.Status()[0]; st.LastError != "" {
		t.Fatalf("last error=%q, want cleared", st.LastError)
	}
}

func TestStore_Sync(t *testing.T) {
	c0 := &fakeCache{name: "images", syncErr: errors.New("boom")}
	c1 := &fakeCache{name: "posts"}
	s := ocsync.NewStore([]ocsync.Cache{c0, c1})

	// The first error is returned but every cache is still attempted.
	if err := s.Sync(context.Background()); err == nil || err.Error() != "boom" {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c1.syncs.Load(); got != 1 {
		t.Fatalf("posts syncs=%d, want 1", got)
	}
}

func TestStore_Status(t *testing.T) {
	c0, c1 := &fakeCache{name: "images"}, &fakeCache{name: "posts"}
	s := ocsync.NewStore([]ocsync.Cache{c0, c1})
	a := s.Status()
	if len(a) != 2 || a[0].Name != "images" || a[1].Name != "posts" {
		t.Fatalf("unexpected status: %#v", a)
	}
}
