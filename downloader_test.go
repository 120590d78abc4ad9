package ocsync_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ocsync/ocsync"
)

func mustOpenDownloader(t *testing.T) *ocsync.Downloader {
	t.Helper()
	d := ocsync.NewDownloader()
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func download(t *testing.T, d *ocsync.Downloader, req ocsync.DownloadRequest) ocsync.DownloadResult {
	t.Helper()
	ch := make(chan ocsync.DownloadResult, 1)
	d.Enqueue(req, func(res ocsync.DownloadResult) { ch <- res })
	return <-ch
}

func TestDownloader(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); r.URL.Path == "/auth" && got != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	d := mustOpenDownloader(t)
	dir := t.TempDir()

	t.Run("OK", func(t *testing.T) {
		path := filepath.Join(dir, "a", "file.bin")
		res := download(t, d, ocsync.DownloadRequest{Token: "tok-1", URL: srv.URL + "/file", Path: path})
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		if res.Token != "tok-1" {
			t.Fatalf("token=%q, want tok-1", res.Token)
		}
		if buf, err := os.ReadFile(res.Path); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(buf, content) {
			t.Fatalf("file content mismatch: %d bytes", len(buf))
		}
	})

	t.Run("HeaderTemplate", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer token")
		res := download(t, d, ocsync.DownloadRequest{
			Token:  "tok-2",
			URL:    srv.URL + "/auth",
			Path:   filepath.Join(dir, "auth.bin"),
			Header: hdr,
		})
		if res.Err != nil {
			t.Fatal(res.Err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		path := filepath.Join(dir, "missing.bin")
		res := download(t, d, ocsync.DownloadRequest{Token: "tok-3", URL: srv.URL + "/missing", Path: path})
		if res.Err == nil {
			t.Fatal("expected error for missing artifact")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatal("no file may remain after a failed download")
		}
	})
}

func TestDownloader_MaxSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("y"), 1<<16))
	}))
	defer srv.Close()

	d := ocsync.NewDownloader()
	d.MaxSize = 1 << 10
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	path := filepath.Join(t.TempDir(), "big.bin")
	res := download(t, d, ocsync.DownloadRequest{Token: "big", URL: srv.URL, Path: path})
	if res.Err == nil || !strings.Contains(res.Err.Error(), "too large") {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("no file may remain after an oversize download")
	}
}

func TestDownloader_OpenValidatesConfig(t *testing.T) {
	d := ocsync.NewDownloader()
	d.Concurrency = ocsync.MaxDownloadConcurrency + 1
	if err := d.Open(); err == nil {
		t.Fatal("expected error for out-of-range concurrency")
	}

	d = ocsync.NewDownloader()
	d.IdleTimeout = ocsync.MinDownloadIdleTimeout / 2
	if err := d.Open(); err == nil {
		t.Fatal("expected error for out-of-range idle timeout")
	}
}

func TestDownloader_Close(t *testing.T) {
	d := ocsync.NewDownloader()
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	res := download(t, d, ocsync.DownloadRequest{Token: "late", URL: "http://localhost/x", Path: "x"})
	if res.Err != ocsync.ErrDownloaderClosed {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}
