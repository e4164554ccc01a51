// Package sel implements the Socket-driven Event Loop: a single-threaded,
// poll(2)-based reactor multiplexing file descriptor readiness and
// periodic timers, dispatching callbacks inline on the loop goroutine.
//
// The loop is an explicit *Loop so tests can run isolated instances;
// Default returns a package-level singleton for callers that want one
// reactor per process. Channels and timers live in plain slices, and the
// readiness multiplexer is golang.org/x/sys/unix.Poll.
package sel

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mytestbed/oml-go/internal/logx"
	"github.com/mytestbed/oml-go/internal/socket"
)

const (
	defFdsLength     = 10
	defSocketTimeout = 60 * time.Second
	maxReadBuffer    = 512
)

// Loop is the Socket-driven Event Loop. Run must be called from exactly one
// goroutine; registration methods and Stop may be called from that same
// goroutine (including from within a callback) or from any other goroutine
// — a self-pipe wakes a blocked poll promptly so Stop and new registrations
// take effect without waiting out a long timer-driven timeout.
type Loop struct {
	mu       sync.Mutex
	channels []*Channel
	timers   []*Timer

	fdsDirty bool
	pollFds  []unix.PollFd
	fdChans  []*Channel // fdChans[i] names the channel owning pollFds[i] (nil for the wake pipe)

	stopReason int32 // atomic; 0 means "not stopped"

	wakeR, wakeW int

	socketTimeout time.Duration

	now     time.Time
	readBuf [maxReadBuffer]byte
}

var (
	defaultLoopMu sync.Mutex
	defaultLoop   *Loop
)

// Default returns a process-wide singleton Loop, for API parity with the
// classic reactor's static `self`.
func Default() *Loop {
	defaultLoopMu.Lock()
	defer defaultLoopMu.Unlock()
	if defaultLoop == nil {
		defaultLoop = New()
	}
	return defaultLoop
}

// Init replaces the process-wide default loop with a fresh, empty instance.
// Loops created with New are unaffected; callers holding the previous
// Default loop keep a usable reference to it.
func Init() {
	defaultLoopMu.Lock()
	defaultLoop = New()
	defaultLoopMu.Unlock()
}

// New creates an explicit, isolated Loop, so tests can run independent
// loops concurrently instead of sharing process-global state.
func New() *Loop {
	l := &Loop{fdsDirty: true, now: time.Now(), socketTimeout: defSocketTimeout}
	r, w, err := newWakePipe()
	if err != nil {
		// A pipe() failure here means the process is out of descriptors;
		// there is no graceful degradation for a reactor that cannot wake
		// itself.
		panic(err)
	}
	l.wakeR, l.wakeW = r, w
	return l
}

// SetSocketTimeout overrides the idle duration after which a tracked
// channel with no traffic is reported StatusIdle. Zero or negative
// durations are ignored. Must be set before Run starts polling, or from
// within a callback on the loop's own goroutine.
func (l *Loop) SetSocketTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.socketTimeout = d
	l.mu.Unlock()
}

func newWakePipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func (l *Loop) wake() {
	var b [1]byte
	_, _ = unix.Write(l.wakeW, b[:])
}

// OnReadChannel registers sock for read-readiness, delivering bytes to cb.
// statusCb may be nil, selecting the default status handling.
func (l *Loop) OnReadChannel(sock socket.Socket, cb ReadCallback, statusCb StatusCallback, handle any) *Channel {
	ch := &Channel{
		name: sock.Name(), sock: sock, fd: sock.Fd(), isActive: true,
		readCb: cb, statusCb: statusCb, handle: handle,
		tracksIdle: true, lastActivity: time.Now(),
	}
	l.addChannel(ch)
	return ch
}

// OnMonitorChannel registers sock for read-readiness without having the
// loop consume bytes; the caller performs its own read in cb.
func (l *Loop) OnMonitorChannel(sock socket.Socket, cb MonitorCallback, statusCb StatusCallback, handle any) *Channel {
	ch := &Channel{
		name: sock.Name(), sock: sock, fd: sock.Fd(), isActive: true,
		monitorCb: cb, statusCb: statusCb, handle: handle,
		tracksIdle: true, lastActivity: time.Now(),
	}
	l.addChannel(ch)
	return ch
}

// OnStdin registers fd 0, with no backing Socket. A stdin channel never
// participates in idle reaping.
func (l *Loop) OnStdin(cb ReadCallback, handle any) *Channel {
	ch := &Channel{name: "stdin", fd: 0, isActive: true, readCb: cb, handle: handle}
	l.addChannel(ch)
	return ch
}

// OnOutChannel registers sock for write-readiness, delivering StatusWriteable
// events through statusCb (or the default handling if nil).
func (l *Loop) OnOutChannel(sock socket.Socket, statusCb StatusCallback, handle any) *Channel {
	ch := &Channel{
		name: sock.Name(), sock: sock, fd: sock.Fd(), isActive: true,
		statusCb: statusCb, handle: handle, wantWrite: true,
		tracksIdle: true, lastActivity: time.Now(),
	}
	l.addChannel(ch)
	return ch
}

func (l *Loop) addChannel(ch *Channel) {
	l.mu.Lock()
	l.channels = append(l.channels, ch)
	l.fdsDirty = true
	l.mu.Unlock()
	l.wake()
}

// Every registers a periodic timer firing every periodSeconds, starting one
// period from now.
func (l *Loop) Every(name string, periodSeconds float64, cb TimerCallback, handle any) *Timer {
	period := time.Duration(periodSeconds * float64(time.Second))
	t := &Timer{
		name: name, period: period, dueTime: time.Now().Add(period),
		cb: cb, handle: handle, isActive: true,
	}
	l.mu.Lock()
	l.timers = append(l.timers, t)
	l.mu.Unlock()
	l.wake()
	return t
}

// SocketActivate toggles a channel's participation in polling.
func (l *Loop) SocketActivate(ch *Channel, active bool) {
	l.mu.Lock()
	if ch.isActive != active {
		ch.isActive = active
		l.fdsDirty = true
	}
	l.mu.Unlock()
	l.wake()
}

// SocketRelease deactivates ch, marks it removable and clears its handle.
// Retirement (the actual removal, and the last callback the channel will
// ever receive) happens during the next end-of-iteration sweep.
func (l *Loop) SocketRelease(ch *Channel) {
	l.mu.Lock()
	ch.isActive = false
	ch.isRemovable = true
	ch.handle = nil
	l.fdsDirty = true
	l.mu.Unlock()
	l.wake()
}

// Stop initiates graceful shutdown: listening sockets are released,
// connected sockets are half-closed and marked shutting-down. Run continues
// until every channel has retired. reason must be nonzero; 0 is coerced to
// 1 with a warning.
func (l *Loop) Stop(reason int) {
	if reason == 0 {
		logx.Warnf("sel: stop(0) has no reason, defaulting to 1")
		reason = 1
	}
	if !atomic.CompareAndSwapInt32(&l.stopReason, 0, int32(reason)) {
		return
	}

	l.mu.Lock()
	for _, ch := range l.channels {
		if ch.sock == nil || !ch.isActive {
			continue
		}
		if ch.sock.IsListening() {
			ch.isActive = false
			ch.isRemovable = true
			l.fdsDirty = true
		} else {
			ch.isShuttingDown = true
			if err := ch.sock.Shutdown(); err != nil {
				logx.Warnf("sel: %s: shutdown during stop: %v", ch.name, err)
			}
		}
	}
	l.mu.Unlock()
	l.wake()
}

// Run enters the loop. It returns the stop reason once Stop has been called
// and no active sources remain.
func (l *Loop) Run() int {
	for {
		l.mu.Lock()
		if atomic.LoadInt32(&l.stopReason) != 0 && l.countActiveLocked() == 0 {
			reason := int(atomic.LoadInt32(&l.stopReason))
			l.mu.Unlock()
			return reason
		}

		timeoutMs := l.computeTimeoutLocked()
		if l.fdsDirty {
			l.rebuildFdsLocked()
		}
		fds := l.pollFds
		chans := l.fdChans
		l.mu.Unlock()

		if len(fds) <= 1 && timeoutMs < 0 {
			// Only the wake pipe is registered and no timer is pending: the
			// degenerate empty-loop case. Avoid a tight spin; callers are
			// expected to register at least a stop timer in any real
			// deployment.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		n, err := unix.Poll(fds, timeoutMs)
		l.now = time.Now()
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logx.Errorf("sel: poll: %v", err)
			continue
		}

		l.mu.Lock()
		if fds[0].Revents != 0 {
			l.drainWakePipeLocked()
		}
		if n > 0 {
			l.dispatchLocked(fds, chans)
		}
		l.idleSweepLocked()
		l.sweepRemovableLocked()
		if timeoutMs >= 0 {
			l.fireTimersLocked()
		}
		l.mu.Unlock()
	}
}

func (l *Loop) drainWakePipeLocked() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// ActiveChannels returns the number of channels currently participating in
// polling. Safe to call from any goroutine.
func (l *Loop) ActiveChannels() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ch := range l.channels {
		if ch.isActive {
			n++
		}
	}
	return n
}

// ActiveTimers returns the number of timers still scheduled to fire. Safe
// to call from any goroutine.
func (l *Loop) ActiveTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.timers {
		if t.isActive {
			n++
		}
	}
	return n
}

func (l *Loop) countActiveLocked() int {
	n := 0
	for _, ch := range l.channels {
		if ch.isActive || ch.isRemovable {
			n++
		}
	}
	return n
}

// computeTimeoutLocked returns the poll timeout in milliseconds: the minimum
// over active timer due times and idle-reap deadlines, or -1 when neither
// exists. Idle deadlines participate so a completely quiet socket still
// bounds the poll and gets reaped on time, instead of waiting for an
// unrelated event to wake the loop.
func (l *Loop) computeTimeoutLocked() int {
	timeout := -1
	now := time.Now()
	consider := func(remaining time.Duration) {
		if remaining < 0 {
			remaining = 0
		}
		ms := int(remaining / time.Millisecond)
		if timeout < 0 || ms < timeout {
			timeout = ms
		}
	}
	for _, t := range l.timers {
		if t.isActive {
			consider(t.dueTime.Sub(now))
		}
	}
	for _, ch := range l.channels {
		if ch.isActive && ch.tracksIdle && !ch.lastActivity.IsZero() {
			consider(ch.lastActivity.Add(l.socketTimeout).Sub(now))
		}
	}
	return timeout
}

// rebuildFdsLocked rebuilds the scratch poll array from active channels,
// doubling capacity as needed starting at defFdsLength, plus one fixed
// slot for the wake pipe.
func (l *Loop) rebuildFdsLocked() {
	need := 1
	for _, ch := range l.channels {
		if ch.isActive {
			need++
		}
	}
	if cap(l.pollFds) < need {
		newCap := defFdsLength
		if cap(l.pollFds) > newCap {
			newCap = cap(l.pollFds)
		}
		for newCap < need {
			newCap *= 2
		}
		l.pollFds = make([]unix.PollFd, 0, newCap)
		l.fdChans = make([]*Channel, 0, newCap)
	}
	l.pollFds = l.pollFds[:0]
	l.fdChans = l.fdChans[:0]

	l.pollFds = append(l.pollFds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	l.fdChans = append(l.fdChans, nil)

	for _, ch := range l.channels {
		if !ch.isActive {
			continue
		}
		var events int16 = unix.POLLIN
		if ch.wantWrite {
			events = unix.POLLOUT
		}
		l.pollFds = append(l.pollFds, unix.PollFd{Fd: int32(ch.fd), Events: events})
		l.fdChans = append(l.fdChans, ch)
	}
	l.fdsDirty = false
}

// dispatchLocked runs the per-fd event handling: a translation of the
// classic reactor's ERR/HUP/IN/else-shutting-down if-else-if chain,
// followed by the unconditional OUT/NVAL/idle checks.
func (l *Loop) dispatchLocked(fds []unix.PollFd, chans []*Channel) {
	for i := 1; i < len(fds); i++ {
		ch := chans[i]
		if ch == nil || !ch.isActive {
			continue
		}
		revents := fds[i].Revents
		if revents == 0 {
			continue
		}

		switch {
		case revents&unix.POLLERR != 0:
			// Best-effort read to pull the pending error off the socket.
			buf := make([]byte, 32)
			n, rerr := unix.Read(ch.fd, buf)
			if n <= 0 {
				status := StatusUnknown
				if rerr == unix.ECONNREFUSED {
					status = StatusConnRefused
				}
				l.deactivateLocked(ch)
				l.deliverStatus(ch, status, rerr)
			} else {
				logx.Errorf("sel: %s: expected error, read %d bytes instead", ch.name, n)
			}

		case revents&unix.POLLHUP != 0:
			l.deactivateLocked(ch)
			for {
				n, _ := unix.Read(ch.fd, l.readBuf[:])
				if n <= 0 {
					break
				}
				if ch.readCb != nil {
					ch.readCb(ch, ch.handle, l.readBuf[:n])
				}
			}
			l.deliverStatus(ch, StatusConnClosed, nil)

		case revents&unix.POLLIN != 0:
			if ch.readCb != nil {
				n, rerr := unix.Read(ch.fd, l.readBuf[:])
				if ch.tracksIdle {
					ch.lastActivity = l.now
				}
				switch {
				case n > 0:
					ch.readCb(ch, ch.handle, l.readBuf[:n])
				case n == 0 && ch.sock != nil:
					l.deactivateLocked(ch)
					l.deliverStatus(ch, StatusConnClosed, nil)
				case n < 0 || rerr != nil:
					if rerr == unix.ENOTSOCK {
						logx.Errorf("sel: %s: now invalid, removing", ch.name)
						l.removeChannelNowLocked(ch)
					} else if rerr != nil {
						logx.Errorf("sel: %s: read error: %v", ch.name, rerr)
					}
				}
			} else if ch.monitorCb != nil {
				ch.monitorCb(ch, ch.handle)
			}

		case ch.isShuttingDown:
			// Shutting down and nothing new appeared this iteration: the
			// buffers have flushed, mark removable.
			ch.isActive = false
			ch.isRemovable = true
			ch.handle = nil
			l.fdsDirty = true
		}

		if revents&unix.POLLOUT != 0 {
			l.deliverStatus(ch, StatusWriteable, nil)
			if ch.tracksIdle {
				ch.lastActivity = l.now
			}
		}

		if revents&unix.POLLNVAL != 0 {
			logx.Warnf("sel: %s: invalid descriptor, deactivating", ch.name)
			l.deactivateLocked(ch)
			l.deliverStatus(ch, StatusDropped, nil)
		}
	}
}

// idleSweepLocked delivers StatusIdle to every active tracked channel whose
// last activity predates the socket timeout. It runs once per iteration
// whether or not the poll reported events, so a completely quiet socket is
// still reaped. lastActivity is refreshed on delivery: a status callback
// that keeps the channel registered sees at most one IDLE per timeout
// window rather than one per poll return.
func (l *Loop) idleSweepLocked() {
	for _, ch := range l.channels {
		if !ch.isActive || !ch.tracksIdle || ch.lastActivity.IsZero() {
			continue
		}
		if l.now.Sub(ch.lastActivity) > l.socketTimeout {
			logx.Debugf("sel: %s: idle for %s, reaping", ch.name, l.now.Sub(ch.lastActivity))
			ch.lastActivity = l.now
			l.deliverStatus(ch, StatusIdle, nil)
		}
	}
}

func (l *Loop) deactivateLocked(ch *Channel) {
	if ch.isActive {
		ch.isActive = false
		l.fdsDirty = true
	}
}

// removeChannelNowLocked drops ch immediately (bypassing the removable
// sweep), for the ENOTSOCK case where the descriptor is already dead.
func (l *Loop) removeChannelNowLocked(ch *Channel) {
	l.deactivateLocked(ch)
	for i, c := range l.channels {
		if c == ch {
			l.channels = append(l.channels[:i], l.channels[i+1:]...)
			break
		}
	}
}

// deliverStatus calls ch's status callback, or applies the default status
// handling when none is registered.
func (l *Loop) deliverStatus(ch *Channel, status Status, err error) {
	if ch.statusCb != nil {
		ch.statusCb(ch, status, err, ch.handle)
		return
	}
	switch status {
	case StatusWriteable:
		// ignored by default
	case StatusConnClosed, StatusConnRefused, StatusDropped, StatusIdle:
		ch.isActive = false
		ch.isRemovable = true
		ch.handle = nil
		l.fdsDirty = true
	case StatusUnknown:
		logx.Warnf("sel: %s: unknown socket status", ch.name)
	}
}

// sweepRemovableLocked retires every channel marked removable. The loop
// never owns a Socket's lifecycle, so this only detaches the Channel from
// the loop's bookkeeping; it does not close the Socket.
func (l *Loop) sweepRemovableLocked() {
	kept := l.channels[:0]
	removed := false
	for _, ch := range l.channels {
		if ch.isRemovable {
			removed = true
			continue
		}
		kept = append(kept, ch)
	}
	l.channels = kept
	if removed {
		l.fdsDirty = true
	}
}

func (l *Loop) fireTimersLocked() {
	now := l.now
	for _, t := range l.timers {
		if !t.isActive || t.dueTime.After(now) {
			continue
		}
		if t.cb != nil {
			t.cb(t, t.handle)
		}
		if t.period > 0 {
			for {
				t.dueTime = t.dueTime.Add(t.period)
				if t.dueTime.After(now) {
					break
				}
				logx.Warnf("sel: timer '%s' skipped a period", t.name)
			}
		} else {
			t.isActive = false
		}
	}
}
