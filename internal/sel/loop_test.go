package sel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mytestbed/oml-go/internal/socket"
)

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
	server := <-accepted
	return client, server
}

func waitForTrue(t *testing.T, timeout time.Duration, cond func() bool) {
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

// TestOnReadChannelDeliversBytes checks that a channel registered with
// OnReadChannel hands off bytes in the order they arrive.
func TestOnReadChannelDeliversBytes(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := New()
	var mu sync.Mutex
	var got []byte
	loop.OnReadChannel(sock, func(source *Channel, handle any, data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	}, nil, nil)

	go loop.Run()
	defer loop.Stop(0)

	client.Write([]byte("hello"))

	waitForTrue(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "hello"
	})
}

// TestStatusConnClosedFiresOnPeerHangup checks that the default read
// dispatch delivers StatusConnClosed when the peer shuts down its write
// side (observed here as a zero-byte read / POLLHUP on our end).
func TestStatusConnClosedFiresOnPeerHangup(t *testing.T) {
	client, server := tcpPair(t)
	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := New()
	statusCh := make(chan Status, 1)
	loop.OnReadChannel(sock, func(source *Channel, handle any, data []byte) {}, func(source *Channel, status Status, err error, handle any) {
		select {
		case statusCh <- status:
		default:
		}
	}, nil)

	go loop.Run()
	defer loop.Stop(0)

	client.Close()

	select {
	case status := <-statusCh:
		if status != StatusConnClosed && status != StatusDropped {
			t.Fatalf("status = %v, want CONN_CLOSED or DROPPED", status)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delivered after peer closed")
	}
}

// TestOnStdinRegistersFd0Channel checks that OnStdin registers a channel
// with no backing Socket, labeled "stdin".
func TestOnStdinRegistersFd0Channel(t *testing.T) {
	loop := New()
	ch := loop.OnStdin(func(source *Channel, handle any, data []byte) {}, nil)
	if ch.Socket() != nil {
		t.Fatal("OnStdin channel should have a nil Socket")
	}
	if ch.Name() != "stdin" {
		t.Fatalf("Name() = %q, want stdin", ch.Name())
	}
}

// TestStopTakesEffectWhileBlockedInPoll checks that Stop wakes a Run
// blocked in poll(2) promptly, rather than waiting out a long timeout.
func TestStopTakesEffectWhileBlockedInPoll(t *testing.T) {
	loop := New()
	// A far-off timer gives Run a finite poll timeout, so it blocks in poll
	// instead of taking the empty-loop sleep path.
	loop.Every("far-off", 3600, func(source *Timer, handle any) {}, nil)
	done := make(chan int, 1)
	go func() { done <- loop.Run() }()

	// Give Run a moment to enter poll before stopping it.
	time.Sleep(20 * time.Millisecond)
	loop.Stop(7)

	select {
	case code := <-done:
		if code != 7 {
			t.Fatalf("Run() = %d, want 7", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after Stop")
	}
}

// TestEveryFiresTimer checks that a registered timer fires within its
// period even with no socket activity.
func TestEveryFiresTimer(t *testing.T) {
	loop := New()
	fired := make(chan struct{}, 1)
	loop.Every("tick", 0.01, func(source *Timer, handle any) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, nil)

	go loop.Run()
	defer loop.Stop(0)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

// TestIdleReapFiresAfterSocketTimeout drives an actual idle-reap: with
// SetSocketTimeout shrunk well below the 60s production default, a channel
// that sees no traffic within that window must receive a StatusIdle
// callback as its first status.
func TestIdleReapFiresAfterSocketTimeout(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := New()
	loop.SetSocketTimeout(30 * time.Millisecond)

	statusCh := make(chan Status, 1)
	loop.OnReadChannel(sock, func(source *Channel, handle any, data []byte) {}, func(source *Channel, status Status, err error, handle any) {
		select {
		case statusCh <- status:
		default:
		}
	}, nil)

	go loop.Run()
	defer loop.Stop(0)

	select {
	case status := <-statusCh:
		if status != StatusIdle {
			t.Fatalf("status = %v, want IDLE", status)
		}
	case <-time.After(time.Second):
		t.Fatal("no IDLE status delivered after socket timeout elapsed")
	}
}

// TestGracefulStopRetiresAllChannels drives the full teardown sequence: a
// Stop releases the listening channel outright and half-closes the
// connected one, and Run returns the stop reason once the peer's FIN has
// drained and every channel has retired.
func TestGracefulStopRetiresAllChannels(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	lnSock, err := socket.FromListener(ln)
	if err != nil {
		t.Fatalf("FromListener: %v", err)
	}

	client, server := tcpPair(t)
	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := New()
	loop.OnMonitorChannel(lnSock, func(source *Channel, handle any) {}, nil, nil)
	loop.OnReadChannel(sock, func(source *Channel, handle any, data []byte) {}, nil, nil)

	// The peer reads until it observes our half-close as EOF, then closes
	// its own end, which is what lets the shutting-down channel retire.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := client.Read(buf); err != nil {
				client.Close()
				return
			}
		}
	}()

	done := make(chan int, 1)
	go func() { done <- loop.Run() }()

	time.Sleep(20 * time.Millisecond)
	loop.Stop(2)

	select {
	case code := <-done:
		if code != 2 {
			t.Fatalf("Run() = %d, want 2", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after graceful stop")
	}
}

// TestSocketActivateDeactivateDoesNotPanic exercises the activate/deactivate
// wiring directly, independent of idle-reap (covered by
// TestIdleReapFiresAfterSocketTimeout above).
func TestSocketActivateDeactivateDoesNotPanic(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	sock, err := socket.FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}

	loop := New()
	ch := loop.OnReadChannel(sock, func(source *Channel, handle any, data []byte) {}, nil, nil)

	loop.SocketActivate(ch, false)
	if ch.IsActive() {
		t.Fatal("IsActive() = true after SocketActivate(false)")
	}
	loop.SocketActivate(ch, true)
	if !ch.IsActive() {
		t.Fatal("IsActive() = false after SocketActivate(true)")
	}
	loop.SocketRelease(ch)
}
