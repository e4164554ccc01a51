// Package sink defines the Output Sink capability consumed by internal/bow,
// plus a handful of concrete sinks: a TCP/KCP dialer, a snappy compressor,
// a QPP obfuscator and a length-framed wrapper, all composable by
// decorating the underlying stream transport.
package sink

// Sink is the capability internal/bow.Writer drains chain links into.
// Write returns the number of bytes of payload actually accepted, or a
// non-positive value to signal "retry later". header is replayed on every
// call, so implementations must tolerate seeing the same header bytes
// repeatedly.
type Sink interface {
	// Write attempts to send payload, preceded on the wire by header (the
	// BOW's meta buffer). It returns the number of payload bytes sent, or a
	// value <= 0 if nothing could be sent this attempt.
	Write(payload, header []byte) (int, error)

	// Close releases the sink's underlying transport. Called exactly once,
	// by bow.Writer.Close, after the drain goroutine has exited.
	Close() error

	// Dest is a human-readable destination label used in log lines.
	Dest() string
}
