// Package capture persists intercepted proxy traffic to rotated,
// gzip-compressed files. It is a cmd/omlproxyd-level collaborator, never
// reached into by internal/bow or internal/sel.
//
// Each rotated file is named by running the configured template through
// time.Format, so one template yields a fresh timestamped file per roll.
package capture

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Writer captures raw bytes from one client channel to a gzip file whose
// name is derived from a Go time-format template (e.g.
// "client-20060102-150405.cap.gz"), rotated whenever Roll is called.
type Writer struct {
	mu       sync.Mutex
	dir      string
	template string
	f        *os.File
	gz       *gzip.Writer
}

// New creates a Writer rooted at dir, using template as a time.Format
// pattern for each rotated file's name.
func New(dir, template string) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("capture: empty directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "capture: mkdir")
	}
	w := &Writer{dir: dir, template: template}
	if err := w.roll(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends p to the current capture file, compressed.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gz == nil {
		return 0, errors.New("capture: writer closed")
	}
	return w.gz.Write(p)
}

// Roll closes the current file and opens a new one named from the current
// time.
func (w *Writer) Roll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roll()
}

func (w *Writer) roll() error {
	if w.gz != nil {
		w.gz.Close()
		w.f.Close()
	}
	name := filepath.Join(w.dir, time.Now().Format(w.template))
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "capture: open")
	}
	w.f = f
	w.gz = gzip.NewWriter(f)
	return nil
}

// Close flushes and closes the current capture file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gz == nil {
		return nil
	}
	gerr := w.gz.Close()
	ferr := w.f.Close()
	w.gz, w.f = nil, nil
	if gerr != nil {
		return gerr
	}
	return ferr
}
