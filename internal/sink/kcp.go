// kcp.go dials a collector over github.com/xtaci/kcp-go/v5. DialKCPSession
// exposes the *smux.Session so cmd/omlproxyd can open one stream per
// inbound client channel on a single shared downstream connection, rather
// than one transport connection per client.
package sink

import (
	"time"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"github.com/xtaci/tcpraw"
)

// KCPOptions is the subset of transport tuning the KCP/smux layer consumes.
type KCPOptions struct {
	Key         string
	Crypt       string
	DataShard   int
	ParityShard int
	MTU         int
	SndWnd      int
	RcvWnd      int
	NoDelay, Interval, Resend, NoCongestion int
	AckNodelay  bool
	TCP         bool // emulate TCP via tcpraw dual stack

	SmuxVer          int
	SmuxBuf          int
	StreamBuf        int
	FrameSize        int
	KeepAliveSeconds int
}

// DialKCPSession dials addr with the block cipher derived from opts.Key /
// opts.Crypt, applies the window/MTU/nodelay tuning, then opens an
// smux.Session on top — the shared downstream connection cmd/omlproxyd
// multiplexes per-client streams onto.
func DialKCPSession(addr string, opts KCPOptions) (*smux.Session, error) {
	block, _ := SelectBlockCrypt([]byte(opts.Key), opts.Crypt)

	conn, err := kcp.DialWithOptions(addr, block, opts.DataShard, opts.ParityShard)
	if err != nil {
		return nil, errors.Wrap(err, "sink: kcp dial")
	}
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(opts.NoDelay, opts.Interval, opts.Resend, opts.NoCongestion)
	conn.SetWindowSize(opts.SndWnd, opts.RcvWnd)
	conn.SetMtu(opts.MTU)
	conn.SetACKNoDelay(opts.AckNodelay)

	smuxConfig := smux.DefaultConfig()
	smuxConfig.Version = opts.SmuxVer
	smuxConfig.MaxReceiveBuffer = opts.SmuxBuf
	smuxConfig.MaxStreamBuffer = opts.StreamBuf
	smuxConfig.MaxFrameSize = opts.FrameSize
	smuxConfig.KeepAliveInterval = time.Duration(opts.KeepAliveSeconds) * time.Second
	if err := smux.VerifyConfig(smuxConfig); err != nil {
		return nil, errors.Wrap(err, "sink: smux config")
	}

	session, err := smux.Client(conn, smuxConfig)
	if err != nil {
		return nil, errors.Wrap(err, "sink: smux client")
	}
	return session, nil
}

// ListenKCP stands up a collector-side listener, optionally dual-stacked
// over tcpraw when opts.TCP is set.
func ListenKCP(addr string, opts KCPOptions) (*kcp.Listener, error) {
	block, _ := SelectBlockCrypt([]byte(opts.Key), opts.Crypt)
	if opts.TCP {
		conn, err := tcpraw.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "sink: tcpraw.Listen")
		}
		return kcp.ServeConn(block, opts.DataShard, opts.ParityShard, conn)
	}
	return kcp.ListenWithOptions(addr, block, opts.DataShard, opts.ParityShard)
}

// NewStreamSink opens a new smux stream on session and wraps it as a Sink
// decorated per opts, one per accepted client channel — this is how a
// single physical KCP connection backs many logical per-client Sinks:
// cmd/omlproxyd requires one socket per client logically but need not open
// one transport connection per client physically.
func NewStreamSink(session *smux.Session, opts DialOptions) (Sink, error) {
	stream, err := session.OpenStream()
	if err != nil {
		return nil, errors.Wrap(err, "sink: open smux stream")
	}
	rwc, err := decorate(stream, opts)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return NewConnSink(rwc, stream.RemoteAddr().String()), nil
}
