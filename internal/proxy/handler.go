// Package proxy implements a proxy deployment: an event loop
// (internal/sel) accepting many inbound client channels, each fed directly
// into a dedicated buffered writer (internal/bow) draining to a shared
// downstream collector Sink (internal/sink).
//
// There is no dedicated forwarder goroutine per client and no pause/resume
// state polling: appending inbound bytes and rolling to a fresh buffer
// page when full is exactly what internal/bow.Writer.Push already does
// under its own condition variable, so ClientHandler just calls Push.
// Teardown likewise never blocks the reactor: Writer.Close joins the drain
// worker, so the status callback runs it in its own goroutine.
package proxy

import (
	"github.com/mytestbed/oml-go/internal/bow"
	"github.com/mytestbed/oml-go/internal/capture"
	"github.com/mytestbed/oml-go/internal/logx"
	"github.com/mytestbed/oml-go/internal/sel"
	"github.com/mytestbed/oml-go/internal/sink"
	"github.com/mytestbed/oml-go/internal/socket"
)

// ClientHandler binds one inbound client channel (registered on a
// *sel.Loop) to one outbound bow.Writer draining to the shared collector,
// with an optional capture.Writer recording the raw bytes intercepted.
type ClientHandler struct {
	sock    socket.Socket
	writer  *bow.Writer
	capture *capture.Writer
}

// NewClientHandler registers sock on loop, pushing every byte read from it
// into a freshly created Writer around collector (capacityBytes,
// chunkBytes — see bow.New), optionally also writing the intercepted bytes
// through cap.
func NewClientHandler(loop *sel.Loop, sock socket.Socket, collector sink.Sink, capacityBytes, chunkBytes int, cap *capture.Writer, onDrop func(int)) (*ClientHandler, error) {
	writer, err := bow.New(collector, capacityBytes, chunkBytes)
	if err != nil {
		return nil, err
	}
	writer.OnDrop = onDrop
	h := &ClientHandler{sock: sock, writer: writer, capture: cap}
	loop.OnReadChannel(sock, h.onRead, h.onStatus, nil)
	return h, nil
}

// Writer returns the outbound writer this handler pushes into, so callers
// can track it in a metrics.WriterSet.
func (h *ClientHandler) Writer() *bow.Writer { return h.writer }

// onRead appends the bytes to the outbound Writer (which itself handles
// rolling to a fresh buffer page when full) and mirrors them to the
// capture file if configured.
func (h *ClientHandler) onRead(source *sel.Channel, handle any, data []byte) {
	if h.capture != nil {
		if _, err := h.capture.Write(data); err != nil {
			logx.Warnf("proxy: %s: capture write: %v", source.Name(), err)
		}
	}
	if !h.writer.Push(data) {
		logx.Warnf("proxy: %s: push rejected (writer inactive or allocation failed)", source.Name())
	}
}

// onStatus tears the client down on any terminal status: flush the capture
// file, close the socket, and close the Writer in its own goroutine so the
// reactor never blocks waiting for the drain worker to finish.
func (h *ClientHandler) onStatus(source *sel.Channel, status sel.Status, err error, handle any) {
	switch status {
	case sel.StatusConnClosed, sel.StatusConnRefused, sel.StatusDropped, sel.StatusIdle:
		if h.capture != nil {
			if cerr := h.capture.Close(); cerr != nil {
				logx.Warnf("proxy: %s: capture close: %v", source.Name(), cerr)
			}
		}
		if cerr := h.sock.Close(); cerr != nil {
			logx.Warnf("proxy: %s: socket close: %v", source.Name(), cerr)
		}
		go h.writer.Close()
	}
}
