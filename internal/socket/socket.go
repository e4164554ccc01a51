// Package socket defines the Socket capability internal/sel consumes, plus
// FromConn and FromListener, which adapt a standard library net.Conn or
// net.Listener to it.
//
// net.Conn hides its descriptor behind the runtime poller, so FromConn
// extracts it once via syscall.RawConn.Control and dups it into an
// *os.File held open for the lifetime of use — the usual pattern for
// handing a raw descriptor to golang.org/x/sys-based code.
package socket

import (
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Socket is the capability object internal/sel registers channels against:
// a descriptor, a name for logging, disconnected/listening queries, a
// half-close, and a full close. The loop
// never owns a Socket's lifecycle; the registering caller does, and calls
// Close once it is done with the socket (e.g. after the channel retires).
type Socket interface {
	Fd() int
	Name() string
	IsDisconnected() bool
	IsListening() bool
	Shutdown() error
	Close() error
}

// connSocket adapts a net.Conn to Socket. The raw fd is extracted once, up
// front: net.Conn itself offers no stable fd accessor, since the runtime
// integrates fds with its own poller, so this module bypasses that poller
// entirely in favor of its own internal/sel reactor.
type connSocket struct {
	conn   net.Conn
	file   *os.File
	fd     int
	name   string
	closed bool
}

// FromConn wraps conn (expected to be *net.TCPConn, *net.UnixConn, or similar)
// for use with internal/sel. The returned Socket keeps conn's underlying file
// open for as long as the Socket is in use; callers must not also set a
// read/write deadline or otherwise rely on the runtime poller for this fd
// once handed to internal/sel, since both would race over readiness.
func FromConn(conn net.Conn) (Socket, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.Errorf("socket: %T does not expose a raw fd", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "socket: SyscallConn")
	}

	var fd int
	if err := rc.Control(func(rawFd uintptr) {
		fd = int(rawFd)
	}); err != nil {
		return nil, errors.Wrap(err, "socket: Control")
	}

	// Duplicate into an *os.File: conn's finalizer otherwise may close the fd
	// out from under internal/sel while a poll is in flight. The dup'd fd is
	// owned by this Socket.
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, errors.Wrap(err, "socket: dup")
	}
	name := conn.RemoteAddr()
	label := conn.LocalAddr().String()
	if name != nil {
		label = name.String()
	}
	file := os.NewFile(uintptr(dupFd), label)

	return &connSocket{conn: conn, file: file, fd: dupFd, name: label}, nil
}

func (s *connSocket) Fd() int       { return s.fd }
func (s *connSocket) Name() string  { return s.name }

func (s *connSocket) IsDisconnected() bool { return s.closed }

func (s *connSocket) IsListening() bool {
	_, ok := s.conn.(net.Listener)
	return ok
}

// listenerSocket adapts a net.Listener (which does not implement net.Conn,
// so FromConn cannot take it directly) to Socket for registration on
// internal/sel via OnMonitorChannel: the loop signals read-readiness on the
// listening fd, and the monitor callback calls Accept itself rather than
// Read — the way loop clients distinguish listening sockets from data
// sockets.
type listenerSocket struct {
	ln     net.Listener
	file   *os.File
	fd     int
	name   string
	closed bool
}

// FromListener wraps ln (expected to be *net.TCPListener or similar) for use
// with internal/sel as a monitor-only channel. As with FromConn, the raw fd
// is dup'd up front so the runtime poller and internal/sel never race over
// the same descriptor.
func FromListener(ln net.Listener) (Socket, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil, errors.Errorf("socket: %T does not expose a raw fd", ln)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "socket: SyscallConn")
	}

	var fd int
	if err := rc.Control(func(rawFd uintptr) {
		fd = int(rawFd)
	}); err != nil {
		return nil, errors.Wrap(err, "socket: Control")
	}

	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, errors.Wrap(err, "socket: dup")
	}
	name := ln.Addr().String()
	file := os.NewFile(uintptr(dupFd), name)

	return &listenerSocket{ln: ln, file: file, fd: dupFd, name: name}, nil
}

func (s *listenerSocket) Fd() int              { return s.fd }
func (s *listenerSocket) Name() string         { return s.name }
func (s *listenerSocket) IsDisconnected() bool { return s.closed }
func (s *listenerSocket) IsListening() bool    { return true }

// Shutdown on a listening socket just stops accepting new connections.
func (s *listenerSocket) Shutdown() error {
	s.closed = true
	return s.ln.Close()
}

// Close releases the dup'd fd and the original listener.
func (s *listenerSocket) Close() error {
	s.closed = true
	ferr := s.file.Close()
	lerr := s.ln.Close()
	if ferr != nil {
		return ferr
	}
	return lerr
}

// Shutdown half-closes the write side when the wrapped conn supports it
// (net.TCPConn.CloseWrite), leaving the read side open so any remaining
// inbound bytes can still be drained before the channel retires. Either
// way the socket reports IsDisconnected afterwards.
func (s *connSocket) Shutdown() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := s.conn.(writeCloser); ok {
		if err := wc.CloseWrite(); err != nil {
			return errors.Wrap(err, "socket: shutdown")
		}
		s.closed = true
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Close releases the dup'd fd and the original conn. Unlike Shutdown, this
// fully retires the socket; the registering caller invokes it once the
// channel has retired.
func (s *connSocket) Close() error {
	s.closed = true
	ferr := s.file.Close()
	cerr := s.conn.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
