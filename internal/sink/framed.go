// framed.go wraps a stream transport with code.hybscloud.com/framer's
// length-prefixed message framing, so a Sink.Write call's (payload, header)
// pair round-trips as two discrete messages on the wire rather than relying
// solely on the meta-buffer replay trick: a transport where replay is
// unnecessary because each header is its own delimited frame, not a prefix
// the collector must re-skip.
package sink

import (
	"io"

	"code.hybscloud.com/framer"
)

// framedStream adapts framer's io.ReadWriter (message-framed over a stream
// transport) to io.ReadWriteCloser by delegating Close to the wrapped conn.
type framedStream struct {
	io.ReadWriter
	closer io.Closer
}

// NewFramedStream wraps rwc so every Write call is delimited by framer's
// length prefix on the wire, and every Read call returns exactly one
// previously-written message's bytes.
func NewFramedStream(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	return &framedStream{ReadWriter: framer.NewReadWriter(rwc, rwc, framer.WithReadTCP(), framer.WithWriteTCP()), closer: rwc}
}

func (f *framedStream) Close() error { return f.closer.Close() }
