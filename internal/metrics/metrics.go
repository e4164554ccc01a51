// Package metrics periodically snapshots writer/loop-level counters to a
// rotated CSV file: backoff level, bytes dropped, chain depth, active
// channel/timer counts.
package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mytestbed/oml-go/internal/logx"
)

// Snapshot is one row of counters, chosen so an operator can see at a
// glance whether an instance is backing off, dropping data, or idle.
type Snapshot struct {
	BackoffSeconds  uint8
	BytesDropped    uint64
	ChainDepth      int
	ActiveChannels  int
	ActiveTimers    int
}

func (s Snapshot) header() []string {
	return []string{"Unix", "BackoffSeconds", "BytesDropped", "ChainDepth", "ActiveChannels", "ActiveTimers"}
}

func (s Snapshot) row() []string {
	return []string{
		fmt.Sprint(time.Now().Unix()),
		fmt.Sprint(s.BackoffSeconds),
		fmt.Sprint(s.BytesDropped),
		fmt.Sprint(s.ChainDepth),
		fmt.Sprint(s.ActiveChannels),
		fmt.Sprint(s.ActiveTimers),
	}
}

// Recorder accumulates a running dropped-byte counter (atomically, so the
// producer goroutines pushing into many client Writers can call AddDropped
// concurrently) and periodically asks Collect for the rest of a Snapshot.
type Recorder struct {
	dropped uint64
	Collect func() Snapshot
}

// New creates a Recorder; Collect is called once per tick to fill in the
// non-cumulative fields of a Snapshot (BackoffSeconds, ChainDepth, etc.).
func New(collect func() Snapshot) *Recorder {
	return &Recorder{Collect: collect}
}

// AddDropped accumulates a QueueSaturated event's dropped byte count.
func (r *Recorder) AddDropped(n int) {
	atomic.AddUint64(&r.dropped, uint64(n))
}

// Current returns the latest Snapshot, with BytesDropped filled in from the
// cumulative counter.
func (r *Recorder) Current() Snapshot {
	s := Snapshot{}
	if r.Collect != nil {
		s = r.Collect()
	}
	s.BytesDropped = atomic.LoadUint64(&r.dropped)
	return s
}

// WriterStats is the view of one buffered writer a Snapshot aggregates.
type WriterStats interface {
	Active() bool
	BackoffSeconds() uint8
	ChainDepth() int
}

// WriterSet tracks the live writers feeding a Recorder's Collect hook,
// pruning closed ones on each snapshot so short-lived producer connections
// don't accumulate.
type WriterSet struct {
	mu      sync.Mutex
	writers map[WriterStats]struct{}
}

// NewWriterSet creates an empty WriterSet.
func NewWriterSet() *WriterSet {
	return &WriterSet{writers: make(map[WriterStats]struct{})}
}

// Add registers w; it stays tracked until it reports inactive.
func (ws *WriterSet) Add(w WriterStats) {
	ws.mu.Lock()
	ws.writers[w] = struct{}{}
	ws.mu.Unlock()
}

// Collect aggregates the tracked writers into a Snapshot: the worst backoff
// level across writers and the summed chain depth. It is shaped to slot
// straight into New's collect argument.
func (ws *WriterSet) Collect() Snapshot {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	var s Snapshot
	for w := range ws.writers {
		if !w.Active() {
			delete(ws.writers, w)
			continue
		}
		if b := w.BackoffSeconds(); b > s.BackoffSeconds {
			s.BackoffSeconds = b
		}
		s.ChainDepth += w.ChainDepth()
	}
	return s
}

// Run ticks every interval, appending one CSV row to path (whose file name
// part is a time.Format template), until stop is closed.
func Run(r *Recorder, path string, interval time.Duration, stop <-chan struct{}) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := appendRow(path, r.Current()); err != nil {
				logx.Warnf("metrics: %v", err)
			}
		}
	}
}

func appendRow(path string, s Snapshot) error {
	logdir, logfile := filepath.Split(path)
	name := logdir + time.Now().Format(logfile)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(s.header()); err != nil {
			return err
		}
	}
	if err := w.Write(s.row()); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
