package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFSReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	want := []byte("persisted bytes")
	if err := os.WriteFile(path, want, 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	var fs OSFS
	f, err := fs.Open(path, Read)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	if f.Size() != int64(len(want)) {
		t.Fatalf("size = %d", f.Size())
	}
	got, err := io.ReadAll(f)
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("read back %q, err %v", got, err)
	}
	if f.Position() != int64(len(want)) {
		t.Fatalf("position = %d", f.Position())
	}
	f.Close()

	out := filepath.Join(dir, "out.bin")
	w, err := fs.Open(out, Write)
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	w.Write([]byte("hello"))
	if w.Size() != 5 {
		t.Fatalf("tracked size = %d", w.Size())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	saved, _ := os.ReadFile(out)
	if !bytes.Equal(saved, []byte("hello")) {
		t.Fatalf("written file = %q", saved)
	}
}

func TestOSFSRejectsDirectories(t *testing.T) {
	dir := t.TempDir()
	var fs OSFS
	if _, err := fs.Open(dir, Read); err == nil {
		t.Fatalf("directory opened for read")
	}
	if _, err := fs.Open(dir, Write); err == nil {
		t.Fatalf("directory opened for write")
	}
}

func TestOSFSMissingFile(t *testing.T) {
	var fs OSFS
	if _, err := fs.Open(filepath.Join(t.TempDir(), "nope"), Read); err == nil {
		t.Fatalf("missing file opened")
	}
}

func TestMemFSRoundTrip(t *testing.T) {
	fs := NewMemFS()
	fs.WriteFile("/a.bin", []byte("abc"))

	f, err := fs.Open("/a.bin", Read)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("read %q", got)
	}

	w, err := fs.Open("/b.bin", Write)
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	w.Write([]byte("xyz"))
	w.Close()
	saved, ok := fs.ReadFile("/b.bin")
	if !ok || !bytes.Equal(saved, []byte("xyz")) {
		t.Fatalf("saved = %q ok=%v", saved, ok)
	}
}

func TestMemFSSeekRewrite(t *testing.T) {
	fs := NewMemFS()
	w, _ := fs.Open("/s.bin", Write)
	w.Write([]byte("0123456789"))
	if _, err := w.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if w.Position() != 4 {
		t.Fatalf("position = %d", w.Position())
	}
	w.Write([]byte("XY"))
	w.Close()

	saved, _ := fs.ReadFile("/s.bin")
	if !bytes.Equal(saved, []byte("0123XY6789")) {
		t.Fatalf("seek rewrite = %q", saved)
	}
}

func TestMemFSRejectsDirectories(t *testing.T) {
	fs := NewMemFS()
	fs.Mkdir("/spool")
	if _, err := fs.Open("/spool", Read); err == nil {
		t.Fatalf("directory opened for read")
	}
	if _, err := fs.Open("/spool", Write); err == nil {
		t.Fatalf("directory opened for write")
	}
}

func TestMemFSWriteTruncates(t *testing.T) {
	fs := NewMemFS()
	fs.WriteFile("/t.bin", []byte("long old contents"))
	w, _ := fs.Open("/t.bin", Write)
	w.Write([]byte("new"))
	w.Close()
	saved, _ := fs.ReadFile("/t.bin")
	if !bytes.Equal(saved, []byte("new")) {
		t.Fatalf("truncate on write failed: %q", saved)
	}
}
