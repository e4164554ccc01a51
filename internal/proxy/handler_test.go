package proxy

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mytestbed/oml-go/internal/sel"
	"github.com/mytestbed/oml-go/internal/socket"
)

type fakeCollector struct {
	mu       sync.Mutex
	received []byte
	closed   bool
}

func (s *fakeCollector) Write(payload, header []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, payload...)
	return len(payload), nil
}
func (s *fakeCollector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *fakeCollector) Dest() string { return "fake" }

func (s *fakeCollector) snapshot() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.received))
	copy(out, s.received)
	return out, s.closed
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return client, <-accepted
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestClientHandlerForwardsBytesToCollector grounds the fan-in core this
// package exists for: bytes read off a client channel reach the shared
// collector Sink via the Writer, without a dedicated forwarder thread.
func TestClientHandlerForwardsBytesToCollector(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := sel.New()
	collector := &fakeCollector{}

	var dropped int
	if _, err := NewClientHandler(loop, sock, collector, 1024, 64, nil, func(n int) { dropped += n }); err != nil {
		t.Fatalf("NewClientHandler: %v", err)
	}

	go loop.Run()
	defer loop.Stop(0)

	client.Write([]byte("measurement-record"))

	waitFor(t, time.Second, func() bool {
		got, _ := collector.snapshot()
		return string(got) == "measurement-record"
	})
}

// TestClientHandlerClosesWriterOnDisconnect checks that a client hangup
// closes the Writer (and thereby the collector sink) without blocking the
// loop goroutine itself.
func TestClientHandlerClosesWriterOnDisconnect(t *testing.T) {
	client, server := tcpPair(t)

	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := sel.New()
	collector := &fakeCollector{}

	if _, err := NewClientHandler(loop, sock, collector, 1024, 64, nil, nil); err != nil {
		t.Fatalf("NewClientHandler: %v", err)
	}

	go loop.Run()
	defer loop.Stop(0)

	client.Close()

	waitFor(t, time.Second, func() bool {
		_, closed := collector.snapshot()
		return closed
	})
}
