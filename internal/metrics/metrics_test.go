package metrics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAddDroppedAccumulatesAcrossGoroutines(t *testing.T) {
	r := New(func() Snapshot { return Snapshot{ChainDepth: 3} })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AddDropped(7)
		}()
	}
	wg.Wait()

	got := r.Current()
	if got.BytesDropped != 70 {
		t.Fatalf("BytesDropped = %d, want 70", got.BytesDropped)
	}
	if got.ChainDepth != 3 {
		t.Fatalf("ChainDepth = %d, want 3 (from Collect)", got.ChainDepth)
	}
}

func TestRunAppendsRotatedCSVRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.csv")

	r := New(func() Snapshot { return Snapshot{} })
	r.AddDropped(5)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(r, path, 10*time.Millisecond, stop)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	<-done

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv read: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("got %d rows, want header + at least one data row", len(rows))
	}
	if rows[0][0] != "Unix" {
		t.Fatalf("header = %v", rows[0])
	}
}

func TestRunNoopWithoutPath(t *testing.T) {
	r := New(func() Snapshot { return Snapshot{} })
	stop := make(chan struct{})
	close(stop)
	Run(r, "", time.Second, stop) // must return immediately, not hang
}

type fakeWriterStats struct {
	active  bool
	backoff uint8
	depth   int
}

func (f *fakeWriterStats) Active() bool          { return f.active }
func (f *fakeWriterStats) BackoffSeconds() uint8 { return f.backoff }
func (f *fakeWriterStats) ChainDepth() int       { return f.depth }

func TestWriterSetCollectAggregatesAndPrunes(t *testing.T) {
	ws := NewWriterSet()
	live := &fakeWriterStats{active: true, backoff: 4, depth: 2}
	quiet := &fakeWriterStats{active: true, depth: 1}
	closed := &fakeWriterStats{active: false, backoff: 8, depth: 9}
	ws.Add(live)
	ws.Add(quiet)
	ws.Add(closed)

	s := ws.Collect()
	if s.BackoffSeconds != 4 {
		t.Fatalf("BackoffSeconds = %d, want 4 (worst live writer)", s.BackoffSeconds)
	}
	if s.ChainDepth != 3 {
		t.Fatalf("ChainDepth = %d, want 3 (summed over live writers)", s.ChainDepth)
	}

	ws.mu.Lock()
	_, stillTracked := ws.writers[closed]
	ws.mu.Unlock()
	if stillTracked {
		t.Fatal("closed writer was not pruned by Collect")
	}
}
