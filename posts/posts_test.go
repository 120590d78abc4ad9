package posts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(tb testing.TB) *Cache {
	tb.Helper()
	c := NewCache(tb.TempDir(), nil, nil)
	if err := c.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

func writeArtifact(tb testing.TB, name string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, []byte("artifact"), 0o600); err != nil {
		tb.Fatal(err)
	}
	return path
}

func TestCache_StoreEvent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	e := Event{AccountID: 1, EventID: "e1", Subject: "mention", Text: "hello", Timestamp: "2026-08-30T10:00:00Z"}
	if err := c.StoreEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	a, err := c.Events(ctx, 1)
	if err != nil {
		t.Fatal(err)
	} else if len(a) != 1 || a[0] != e {
		t.Fatalf("events=%#v", a)
	}

	// Upsert by the same key replaces, never duplicates.
	e.Text = "hello again"
	if err := c.StoreEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	if a, err = c.Events(ctx, 1); err != nil {
		t.Fatal(err)
	} else if len(a) != 1 || a[0].Text != "hello again" {
		t.Fatalf("events=%#v", a)
	}

	if err := c.StoreEvent(ctx, Event{EventID: "e2"}); err == nil {
		t.Fatal("expected error for missing account id")
	}
}

func TestCache_Events_OrderedNewestFirst(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, e := range []Event{
		{AccountID: 1, EventID: "e1", Timestamp: "2026-08-28T10:00:00Z"},
		{AccountID: 1, EventID: "e2", Timestamp: "2026-08-30T10:00:00Z"},
		{AccountID: 1, EventID: "e3", Timestamp: "2026-08-29T10:00:00Z"},
	} {
		if err := c.StoreEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	a, err := c.Events(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 3 || a[0].EventID != "e2" || a[1].EventID != "e3" || a[2].EventID != "e1" {
		t.Fatalf("events=%#v", a)
	}
}

func TestCache_FlagEventForDeletion(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	e := Event{AccountID: 1, EventID: "e1", Subject: "mention"}
	if err := c.StoreEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	var got []ChangeSet
	c.OnChange(func(cs ChangeSet) { got = append(got, cs) })

	if err := c.FlagEventForDeletion(ctx, e.Key()); err != nil {
		t.Fatal(err)
	}

	// As far as the user can tell the event is gone.
	if a, err := c.Events(ctx, 1); err != nil {
		t.Fatal(err)
	} else if len(a) != 0 {
		t.Fatalf("events=%#v", a)
	}
	if len(got) != 1 || len(got[0].DeletedEvents) != 1 || got[0].DeletedEvents[0].EventID != "e1" {
		t.Fatalf("change sets=%#v", got)
	}

	// The tombstone row survives for acknowledgment.
	if row, err := c.eventByKey(ctx, e.Key()); err != nil {
		t.Fatal(err)
	} else if row == nil || !row.DeletedLocally {
		t.Fatalf("row=%#v, want tombstone", row)
	}

	// Flagging twice is a no-op, not a second change.
	if err := c.FlagEventForDeletion(ctx, e.Key()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("change sets=%d, want 1", len(got))
	}
}

// Handlers must be able to read the cache back synchronously without
// deadlocking against the committing task.
func TestCache_OnChangeHandlerReadsBack(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, e := range []Event{
		{AccountID: 1, EventID: "e1", Timestamp: "2026-08-29T10:00:00Z"},
		{AccountID: 1, EventID: "e2", Timestamp: "2026-08-30T10:00:00Z"},
	} {
		if err := c.StoreEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	var events []Event
	var readErr error
	c.OnChange(func(cs ChangeSet) {
		readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		events, readErr = c.Events(readCtx, 1)
	})

	if err := c.FlagEventForDeletion(ctx, EventKey{AccountID: 1, EventID: "e1"}); err != nil {
		t.Fatal(err)
	}
	if readErr != nil {
		t.Fatalf("handler read: %v", readErr)
	}
	if len(events) != 1 || events[0].EventID != "e2" {
		t.Fatalf("handler saw events=%#v", events)
	}
}

func TestCache_DeleteEvent_RemovesArtifact(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	image := writeArtifact(t, "e1.png")
	e := Event{AccountID: 1, EventID: "e1", ImagePath: image}
	if err := c.StoreEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteEvent(ctx, e.Key()); err != nil {
		t.Fatal(err)
	}
	if row, err := c.eventByKey(ctx, e.Key()); err != nil {
		t.Fatal(err)
	} else if row != nil {
		t.Fatalf("row remains: %#v", row)
	}
	if _, err := os.Stat(image); !os.IsNotExist(err) {
		t.Fatal("image artifact must be removed after commit")
	}
}

func TestCache_PurgeAccount(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, e := range []Event{
		{AccountID: 1, EventID: "e1"},
		{AccountID: 1, EventID: "e2", DeletedLocally: true},
		{AccountID: 2, EventID: "e1"},
	} {
		if err := c.StoreEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.PurgeAccount(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// Tombstones go too; only the other account survives.
	if a, err := c.events(ctx, 1, true); err != nil {
		t.Fatal(err)
	} else if len(a) != 0 {
		t.Fatalf("events remain: %#v", a)
	}
	if a, err := c.Events(ctx, 2); err != nil {
		t.Fatal(err)
	} else if len(a) != 1 {
		t.Fatalf("events=%#v", a)
	}
}
