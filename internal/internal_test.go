package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicFile_Commit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sub", "dir", "file.bin")

	f, err := CreateAtomicFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	// Nothing visible at the target before commit.
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("target must not exist before commit")
	}

	if err := f.Commit(); err != nil {
		t.Fatal(err)
	}
	if buf, err := os.ReadFile(target); err != nil {
		t.Fatal(err)
	} else if string(buf) != "hello" {
		t.Fatalf("content=%q", buf)
	}

	if err := f.Commit(); err == nil {
		t.Fatal("expected error on double commit")
	}
	f.Discard() // no-op after commit
}

func TestAtomicFile_Discard(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")

	f, err := CreateAtomicFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	f.Discard()

	// Neither the target nor the temporary sibling survives.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("leftover files: %v", entries)
	}
}

func TestReadCounter(t *testing.T) {
	rc := NewReadCounter(strings.NewReader("0123456789"))
	buf := make([]byte, 4)
	if _, err := rc.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := rc.Read(buf); err != nil {
		t.Fatal(err)
	}
	if rc.N() != 8 {
		t.Fatalf("n=%d, want 8", rc.N())
	}
}
