package http_test

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/ocsync/ocsync"
	ocsynchttp "github.com/ocsync/ocsync/http"
)

func newOpenServer(t *testing.T, store *ocsync.Store) *ocsynchttp.Server {
	t.Helper()
	s := ocsynchttp.NewServer(store, "localhost:0")
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServer_Status(t *testing.T) {
	store := ocsync.NewStore(nil)
	s := newOpenServer(t, store)

	resp, err := http.Get(s.URL() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type=%q", ct)
	}
	var a []ocsync.CacheStatus
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	if len(a) != 0 {
		t.Fatalf("status=%#v", a)
	}

	resp, err = http.Post(s.URL()+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newOpenServer(t, ocsync.NewStore(nil))

	resp, err := http.Get(s.URL() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if buf, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if len(buf) == 0 {
		t.Fatal("expected metrics output")
	}
}

func TestServer_NotFound(t *testing.T) {
	s := newOpenServer(t, ocsync.NewStore(nil))

	resp, err := http.Get(s.URL() + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
