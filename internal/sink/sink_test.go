package sink

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/xtaci/qpp"
	"github.com/xtaci/smux"
)

func buildPad(t *testing.T, seed []byte, count int) *qpp.QuantumPermutationPad {
	t.Helper()
	return qpp.NewQPP(seed, uint16(count))
}

// pipeRWC is an in-memory io.ReadWriteCloser pair, letting decorate's
// compression/QPP/framing stack be exercised without a real socket.
type pipeRWC struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed bool
}

func newLoopback() (io.ReadWriteCloser, io.ReadWriteCloser) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &pipeRWC{r: ar, w: bw}, &pipeRWC{r: br, w: aw}
}

func (p *pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeRWC) Close() error {
	p.closed = true
	p.r.Close()
	return p.w.Close()
}

func TestCompStreamRoundTrip(t *testing.T) {
	a, b := newLoopback()
	ca := NewCompStream(a)
	cb := NewCompStream(b)
	defer ca.Close()
	defer cb.Close()

	msg := []byte("measurement payload, repeated repeated repeated repeated")
	go ca.Write(msg)

	buf := make([]byte, len(msg)*2)
	n, err := cb.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestQPPStreamRoundTrip(t *testing.T) {
	a, b := newLoopback()
	seed := []byte("a shared pre-shared secret of sufficient length")
	count := 61 // prime, satisfies ValidateQPPParams

	warnings, err := ValidateQPPParams(count, string(seed))
	if err != nil {
		t.Fatalf("ValidateQPPParams: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	padA := buildPad(t, seed, count)
	padB := buildPad(t, seed, count)
	qa := NewQPPStream(a, padA, seed)
	qb := NewQPPStream(b, padB, seed)
	defer qa.Close()
	defer qb.Close()

	msg := []byte("obfuscate me")
	go qa.Write(append([]byte{}, msg...))

	buf := make([]byte, len(msg))
	n, err := qb.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestValidateQPPParamsRejectsZeroCount(t *testing.T) {
	if _, err := ValidateQPPParams(0, "key"); err == nil {
		t.Fatal("expected error for QPPCount == 0")
	}
}

func TestValidateQPPParamsWarnsOnNonPrimeCount(t *testing.T) {
	warnings, err := ValidateQPPParams(64, "a shared pre-shared secret of sufficient length")
	if err != nil {
		t.Fatalf("ValidateQPPParams: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected a warning for a non-prime QPPCount")
	}
}

func TestConnSinkWritesHeaderThenPayload(t *testing.T) {
	rec := &recordingRWC{}
	s := NewConnSink(rec, "test-dest")
	defer s.Close()

	n, err := s.Write([]byte("payload"), []byte("HDR"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("payload") {
		t.Fatalf("n = %d, want %d", n, len("payload"))
	}
	if string(rec.writes[0]) != "HDR" || string(rec.writes[1]) != "payload" {
		t.Fatalf("writes = %q, want header then payload", rec.writes)
	}
	if s.Dest() != "test-dest" {
		t.Fatalf("Dest() = %q", s.Dest())
	}
}

// TestListenKCPAcceptsDialedSession stands up the collector-side listener
// and drives a full round trip through DialKCPSession and NewStreamSink:
// one smux stream opened on the shared session, header then payload
// arriving in order at the accepted end.
func TestListenKCPAcceptsDialedSession(t *testing.T) {
	opts := KCPOptions{
		Key: "round-trip-key", Crypt: "none",
		MTU: 1350, SndWnd: 128, RcvWnd: 512, Interval: 50,
		SmuxVer: 1, SmuxBuf: 4194304, StreamBuf: 2097152, FrameSize: 8192,
		KeepAliveSeconds: 10,
	}

	ln, err := ListenKCP("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("ListenKCP: %v", err)
	}
	defer ln.Close()

	want := "HDRpayload-bytes"
	got := make(chan string, 1)
	go func() {
		conn, err := ln.AcceptKCP()
		if err != nil {
			return
		}
		conn.SetStreamMode(true)
		cfg := smux.DefaultConfig()
		cfg.Version = opts.SmuxVer
		sess, err := smux.Server(conn, cfg)
		if err != nil {
			return
		}
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		stream.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		total := 0
		for total < len(want) {
			n, err := stream.Read(buf[total:])
			if n > 0 {
				total += n
			}
			if err != nil {
				break
			}
		}
		got <- string(buf[:total])
	}()

	session, err := DialKCPSession(ln.Addr().String(), opts)
	if err != nil {
		t.Fatalf("DialKCPSession: %v", err)
	}
	defer session.Close()

	s, err := NewStreamSink(session, DialOptions{})
	if err != nil {
		t.Fatalf("NewStreamSink: %v", err)
	}
	defer s.Close()

	if n, err := s.Write([]byte("payload-bytes"), []byte("HDR")); err != nil || n != len("payload-bytes") {
		t.Fatalf("Write = (%d, %v)", n, err)
	}

	select {
	case received := <-got:
		if received != want {
			t.Fatalf("collector read %q, want %q", received, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("collector never received the stream payload")
	}
}

type recordingRWC struct {
	writes [][]byte
}

func (r *recordingRWC) Read(p []byte) (int, error) { return 0, io.EOF }
func (r *recordingRWC) Write(p []byte) (int, error) {
	cp := append([]byte{}, p...)
	r.writes = append(r.writes, cp)
	return len(p), nil
}
func (r *recordingRWC) Close() error { return nil }
