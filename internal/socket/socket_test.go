package socket

import (
	"net"
	"testing"
)

func TestFromConnExtractsFd(t *testing.T) {
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
	defer client.Close()

	server := <-accepted
	defer server.Close()

	sock, err := FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}
	defer sock.(*connSocket).Close()

	if sock.Fd() < 0 {
		t.Fatalf("Fd() = %d, want a valid descriptor", sock.Fd())
	}
	if sock.IsListening() {
		t.Fatal("IsListening() = true for a connected socket")
	}
	if sock.IsDisconnected() {
		t.Fatal("IsDisconnected() = true before any shutdown")
	}
	if sock.Name() == "" {
		t.Fatal("Name() is empty")
	}
}

func TestShutdownHalfClosesTCPConn(t *testing.T) {
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
	defer client.Close()

	server := <-accepted
	defer server.Close()

	sock, err := FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}
	defer sock.(*connSocket).Close()

	if err := sock.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !sock.IsDisconnected() {
		t.Fatal("IsDisconnected() = false after Shutdown")
	}

	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected client read to observe EOF after server shutdown")
	}
}
