// Package sink's conn.go adapts any io.ReadWriteCloser transport (a raw
// net.Conn, or one decorated by NewCompStream/NewQPPStream/NewFramedStream) into the
// Sink capability internal/bow.Writer drains into.
package sink

import "io"

// connSink is the base Sink: it writes header (the BOW meta buffer) then
// payload as two successive Write calls on the underlying stream, returning
// the number of payload bytes accepted. A header write failure is reported
// as "nothing sent" so the caller's rewind-and-retry logic in
// internal/bow.Writer.processLink resends both header and payload next
// attempt; the header is idempotent on the wire by construction (a
// protocol version + stream id the collector re-records harmlessly).
type connSink struct {
	rwc  io.ReadWriteCloser
	dest string
}

// NewConnSink wraps rwc (already wrapped with whatever compression/QPP/
// framing decorators the caller wants) as a Sink labeled dest for logging.
func NewConnSink(rwc io.ReadWriteCloser, dest string) Sink {
	return &connSink{rwc: rwc, dest: dest}
}

func (s *connSink) Write(payload, header []byte) (int, error) {
	if len(header) > 0 {
		if _, err := s.rwc.Write(header); err != nil {
			return 0, err
		}
	}
	if len(payload) == 0 {
		return 0, nil
	}
	return s.rwc.Write(payload)
}

func (s *connSink) Close() error { return s.rwc.Close() }

func (s *connSink) Dest() string { return s.dest }
