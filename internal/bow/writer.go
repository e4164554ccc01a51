// Package bow implements the Buffered Outbound Writer: a bounded,
// self-draining producer/consumer queue that accepts measurement bytes on
// many producer goroutines and delivers them in order to a single Sink,
// surviving Sink failures via exponential backoff and dropping oldest-tail
// data when capacity is exhausted.
//
// The queue is a circular singly-linked ring of *link values, each holding
// one *mbuf.Buffer; a single sync.Mutex and sync.Cond coordinate producers
// with one dedicated drain goroutine, joined on Close via sync.WaitGroup.
package bow

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mytestbed/oml-go/internal/logx"
	"github.com/mytestbed/oml-go/internal/mbuf"
	"github.com/mytestbed/oml-go/internal/sink"
)

// defaultChunkBytes is used when New is called with chunkBytes <= 0.
const defaultChunkBytes = 1024

// link is one node of the circular chain: an owned buffer, a target size for
// that buffer, and a "reading" flag set while the drain worker is actively
// draining it. Exactly one link may have reading == true at any instant.
type link struct {
	buf        *mbuf.Buffer
	targetSize int
	reading    bool
	next       *link
}

// backoffState tracks the Sink's reconnect backoff. A backoff of 0 means
// "connected, quiet"; any nonzero value means "not yet verified / backing
// off".
type backoffState struct {
	lastFailure time.Time
	backoff     uint8
}

// Writer is the Buffered Outbound Writer. The zero value is not usable; use
// New.
type Writer struct {
	mu   sync.Mutex
	cond *sync.Cond

	active bool
	sink   sink.Sink

	first  *link // stable entry point for the drain goroutine
	writer *link // current producer link

	available   int // links remaining that may still be allocated
	chainLength int // target size for each allocated link
	chainsTotal int // total links ever allocated, for Close's traversal

	meta *mbuf.Buffer

	backoff backoffState

	wg sync.WaitGroup

	// retryArmed is set while a backoff retry wakeup is pending, so a pass
	// that leaves data stranded behind the backoff gate arms at most one
	// timer at a time.
	retryArmed bool

	// now is overridable in tests for deterministic backoff timing.
	now func() time.Time

	// OnDrop, when set, is called with the number of bytes discarded each
	// time rollChain falls back to dropping the oldest-tail data under
	// capacity pressure. It runs with w.mu held, so it must not call back
	// into the Writer.
	OnDrop func(n int)
}

// New creates a Writer draining to sink s. chunkBytes <= 0 selects
// defaultChunkBytes; the link allotment is max(2, capacityBytes/chunkBytes).
func New(s sink.Sink, capacityBytes, chunkBytes int) (*Writer, error) {
	if s == nil {
		return nil, errors.New("bow: nil sink")
	}
	if chunkBytes <= 0 {
		chunkBytes = defaultChunkBytes
	}

	chunks := capacityBytes / chunkBytes
	if chunks < 2 {
		chunks = 2
	}

	w := &Writer{
		sink:        s,
		chainLength: chunkBytes,
		available:   chunks,
		meta:        mbuf.New(chunkBytes, 0),
		now:         time.Now,
		// Start at 1 so the first successful send logs a "connected" line.
		backoff: backoffState{backoff: 1},
	}
	w.cond = sync.NewCond(&w.mu)

	first := w.allocLink()
	first.next = first
	w.first = first
	w.writer = first
	w.active = true

	w.wg.Add(1)
	go w.drainLoop()

	return w, nil
}

// allocLink creates a new chain link and accounts for it in available /
// chainsTotal. Caller must hold w.mu.
func (w *Writer) allocLink() *link {
	w.available--
	w.chainsTotal++
	return &link{
		buf:        mbuf.New(w.chainLength, w.chainLength/10),
		targetSize: w.chainLength,
	}
}

// Push appends n bytes to the writer link, rolling to a new link if the
// current one lacks room, and wakes the drain goroutine. It returns false if
// the writer is inactive or the append could not be satisfied by any chain
// link.
func (w *Writer) Push(b []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pushLocked(b)
}

func (w *Writer) pushLocked(b []byte) bool {
	if !w.active {
		return false
	}

	cur := w.writer
	if cur == nil {
		return false
	}
	if cur.buf.WriteRemaining() < len(b) {
		cur = w.rollChain(cur)
		w.writer = cur
	}
	if _, err := cur.buf.Write(b); err != nil {
		return false
	}
	cur.buf.CommitMessage()

	w.cond.Signal()
	return true
}

// PushMeta appends to the meta buffer. It does not signal the drain
// goroutine: meta bytes only matter alongside a payload write, and signaling
// here could deadlock a worker currently blocked inside sink.Write while
// still holding w.mu.
func (w *Writer) PushMeta(b []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return false
	}
	if _, err := w.meta.Write(b); err != nil {
		return false
	}
	w.meta.CommitMessage()
	return true
}

// GetWriteBuf returns the current writer buffer, rolling to a new link if
// the current one has reached its target size. If exclusive is true, the
// caller holds w.mu until it calls UnlockBuf.
func (w *Writer) GetWriteBuf(exclusive bool) *mbuf.Buffer {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return nil
	}
	cur := w.writer
	if cur == nil {
		w.mu.Unlock()
		return nil
	}
	if cur.buf.Len() >= cur.targetSize {
		cur = w.rollChain(cur)
		w.writer = cur
	}
	buf := cur.buf
	if !exclusive {
		w.mu.Unlock()
	}
	return buf
}

// UnlockBuf signals the drain goroutine and releases the mutex taken by a
// prior exclusive GetWriteBuf call.
func (w *Writer) UnlockBuf() {
	w.cond.Signal()
	w.mu.Unlock()
}

// rollChain selects the next writer link per the chain-roll algorithm.
// Caller must hold w.mu.
func (w *Writer) rollChain(current *link) *link {
	next := current.next
	var target *link

	switch {
	case next.buf.MessageLength() == 0 && next.buf.PendingLength() == 0:
		// next is empty (read caught up to write): reuse it.
		next.buf.Clear()
		target = next
	case w.available > 0:
		// splice a freshly-allocated link between current and next.
		fresh := w.allocLink()
		fresh.next = next
		current.next = fresh
		target = fresh
	default:
		// Capacity exhausted: drop the oldest-tail data by reusing current,
		// keeping only its in-progress partial record.
		dropped := current.buf.Repack()
		logx.Warnf("bow: dropping %d bytes of buffered data (queue saturated)", dropped)
		if w.OnDrop != nil {
			w.OnDrop(dropped)
		}
		return current
	}

	// Carry any in-progress (uncommitted) record on current forward onto the
	// new link, preserving record atomicity across the roll.
	if pending := current.buf.PendingLength(); pending > 0 {
		target.buf.Write(current.buf.Pending())
		current.buf.ResetWrite()
	}
	return target
}

// Close marks the writer inactive, wakes and joins the drain goroutine
// (which finishes draining every outstanding link first), closes the sink
// and releases the chain. It may be called from any goroutine, and blocks
// the caller until the drain goroutine has exited: callers that must not
// block should run Close in their own goroutine.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	logx.Infof("%s: waiting for buffered queue to drain...", w.sink.Dest())
	w.cond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	if err := w.sink.Close(); err != nil {
		logx.Errorf("%s: error closing sink: %v", w.sink.Dest(), err)
	}
	w.closeChain()
}

// closeChain walks the ring starting at first, exactly chainsTotal times,
// detaching each link so the garbage collector can reclaim it. The explicit
// count is what terminates the traversal: the ring has no nil to run into,
// and first itself comes back around as a successor.
func (w *Writer) closeChain() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.first
	for i := 0; i < w.chainsTotal && cur != nil; i++ {
		next := cur.next
		cur.next = nil
		cur.buf = nil
		cur = next
	}
	w.first = nil
	w.writer = nil
}

// drainLoop is the dedicated drain goroutine. While active, wait for a
// signal then walk first -> next -> ... -> writer
// (inclusive) from scratch, processing any link with unsent message bytes;
// on shutdown, keep draining every link in that same range until each
// reports fully sent.
//
// The scan restarts at first on every wakeup, not just the first one: a
// shared backoff gate (see processLink) means one failing link can cause
// every link after it in a pass to bail out early too, without even
// attempting a send. If the scan instead resumed from wherever the last
// pass stopped, those skipped-but-not-fully-drained links would never be
// revisited (they are never empty, so rollChain's "next is empty" reuse
// branch would never pick them back up either), stranding their bytes
// forever. Restarting from first keeps retrying all of them every pass.
func (w *Writer) drainLoop() {
	defer w.wg.Done()

	w.mu.Lock()
	for w.active {
		w.cond.Wait()
		// No predicate re-check: the subsequent scan is idempotent even on
		// a spurious wakeup.
		for cur := w.first; ; cur = cur.next {
			if cur.buf.MessageLength() > 0 {
				w.processLink(cur)
			}
			if cur == w.writer {
				break
			}
		}
		// If the pass left committed bytes stranded behind the backoff
		// gate, schedule a wakeup for when the window elapses: without
		// it, a quiet producer would leave the data sitting until the
		// next Push or Close.
		if w.active && w.backoff.backoff > 0 && w.unsentLocked() {
			w.armRetryLocked()
		}
	}

	// Drain every link from first to writer to completion before exiting.
	// Unlike the producer-signalled main loop, there is no condition
	// variable to wait on here, so between backed-off retries we release
	// the mutex and sleep rather than spin-waiting for the backoff window
	// to elapse.
	for {
		allSent := true
		for cur := w.first; ; cur = cur.next {
			if cur.buf.MessageLength() > 0 && !w.processLink(cur) {
				allSent = false
			}
			if cur == w.writer {
				break
			}
		}
		if allSent {
			break
		}
		wait := w.backoffRemaining()
		w.mu.Unlock()
		time.Sleep(wait)
		w.mu.Lock()
	}
	w.mu.Unlock()
}

// Active reports whether the writer still accepts pushes, i.e. Close has
// not been called yet.
func (w *Writer) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// BackoffSeconds returns the current sink backoff level: 0 when connected
// and quiet, nonzero while the sink is unverified or failing.
func (w *Writer) BackoffSeconds() uint8 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff.backoff
}

// ChainDepth returns the number of chain links currently holding committed,
// unsent bytes, a live measure of how far the sink is behind the producers.
func (w *Writer) ChainDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.first == nil {
		return 0
	}
	depth := 0
	for cur := w.first; ; cur = cur.next {
		if cur.buf.MessageLength() > 0 {
			depth++
		}
		if cur == w.writer {
			break
		}
	}
	return depth
}

// unsentLocked reports whether any link between first and writer still
// holds committed, unsent message bytes. Caller must hold w.mu.
func (w *Writer) unsentLocked() bool {
	for cur := w.first; ; cur = cur.next {
		if cur.buf.MessageLength() > 0 {
			return true
		}
		if cur == w.writer {
			return false
		}
	}
}

// armRetryLocked schedules a single condition-variable wakeup for when the
// current backoff window has elapsed. Caller must hold w.mu.
func (w *Writer) armRetryLocked() {
	if w.retryArmed {
		return
	}
	w.retryArmed = true
	time.AfterFunc(w.backoffRemaining(), func() {
		w.mu.Lock()
		w.retryArmed = false
		w.cond.Signal()
		w.mu.Unlock()
	})
}

// backoffRemaining returns how long until the current backoff window
// elapses, with a small floor so a zero-backoff failure (e.g. a transient
// short write) still yields the CPU briefly. Caller must hold w.mu.
func (w *Writer) backoffRemaining() time.Duration {
	if w.backoff.backoff == 0 {
		return 10 * time.Millisecond
	}
	elapsed := w.now().Sub(w.backoff.lastFailure)
	remaining := time.Duration(w.backoff.backoff)*time.Second - elapsed
	if remaining < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	return remaining
}

// processLink attempts one send of link l's unsent message bytes to the
// sink, applying backoff. Caller must hold w.mu — the sink.Write call itself
// runs with the mutex held, by design: a deliberate serialization, since
// the sink must never re-enter the BOW from its write path. Returns true
// if the link was fully drained.
func (w *Writer) processLink(l *link) bool {
	l.reading = true
	size := l.buf.MessageLength()
	sent := 0

	now := w.now()
	if w.backoff.backoff > 0 && now.Sub(w.backoff.lastFailure) < time.Duration(w.backoff.backoff)*time.Second {
		return false
	}

	for sent < size {
		payload := l.buf.ReadSlice()[sent:]
		n, _ := w.sink.Write(payload, w.meta.ReadSlice())
		if n > 0 {
			sent += n
			if w.backoff.backoff != 0 {
				w.backoff.backoff = 0
				logx.Infof("%s: connected", w.sink.Dest())
			}
			continue
		}

		// Non-positive: rewind so a reconnecting sink resynchronizes from
		// the start of this link's committed prefix.
		l.buf.ResetRead()
		size = l.buf.MessageLength()
		sent = 0
		w.backoff.lastFailure = now
		if w.backoff.backoff == 0 {
			w.backoff.backoff = 1
		} else if w.backoff.backoff < 255 {
			if w.backoff.backoff > 127 {
				w.backoff.backoff = 255
			} else {
				w.backoff.backoff *= 2
			}
		}
		logx.Warnf("%s: error sending, backing off for %ds", w.sink.Dest(), w.backoff.backoff)
		return false
	}

	l.buf.AdvanceRead(sent)
	if l.buf.MessageLength() == 0 && l.buf.PendingLength() == 0 {
		l.buf.Clear()
		l.reading = false
		return true
	}
	return false
}
