package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestWriteThenCloseProducesReadableGzip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "capture.cap.gz")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := w.Write([]byte("measurement bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "capture.cap.gz"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()

	buf := make([]byte, 64)
	n, err := gz.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("gzip Read: %v", err)
	}
	if string(buf[:n]) != "measurement bytes" {
		t.Fatalf("content = %q", buf[:n])
	}
}

func TestRollStartsAFreshFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "capture.cap.gz")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("before roll")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Roll(); err != nil {
		t.Fatalf("Roll: %v", err)
	}
	if _, err := w.Write([]byte("after roll")); err != nil {
		t.Fatalf("Write after roll: %v", err)
	}
}

func TestNewRejectsEmptyDir(t *testing.T) {
	if _, err := New("", "x.gz"); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "capture.cap.gz")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing after Close")
	}
}
