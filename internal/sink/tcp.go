// tcp.go is the simplest Sink: a plain TCP dial, decorated per DialOptions.
package sink

import (
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/qpp"
)

// DialOptions controls the decoration chain a dialed transport is wrapped
// with before being handed to NewConnSink.
type DialOptions struct {
	Comp     bool   // snappy compression (NewCompStream)
	QPP      bool   // Quantum Permutation Pad obfuscation (NewQPPStream)
	QPPCount uint16 // prime pad count, required when QPP is true
	Key      string // pre-shared key; also the QPP PRNG seed
	Framed   bool   // length-prefixed message framing (NewFramedStream)
}

// decorate applies opts to rwc in a fixed order: compress, then obfuscate,
// then frame. rwc need only be an io.ReadWriteCloser, not a full net.Conn,
// so the same decoration chain applies to a raw TCP conn or an smux.Stream
// opened on a shared KCP session (kcp.go's NewStreamSink).
func decorate(rwc ioRWC, opts DialOptions) (ioRWC, error) {
	var out ioRWC = rwc
	if opts.Comp {
		out = NewCompStream(out)
	}
	if opts.QPP {
		if opts.QPPCount == 0 {
			return nil, errors.New("sink: QPP enabled with QPPCount == 0")
		}
		pad := qpp.NewQPP([]byte(opts.Key), opts.QPPCount)
		out = NewQPPStream(out, pad, []byte(opts.Key))
	}
	if opts.Framed {
		out = NewFramedStream(out)
	}
	return out, nil
}

// ioRWC is a local alias kept unexported to avoid importing io just for the
// one signature above being used across this file.
type ioRWC = interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DialTCP dials addr over TCP and returns a Sink decorated per opts.
func DialTCP(addr string, opts DialOptions) (Sink, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "sink: dial tcp")
	}
	rwc, err := decorate(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return NewConnSink(rwc, addr), nil
}
