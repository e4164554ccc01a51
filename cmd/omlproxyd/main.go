// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command omlproxyd is the proxy deployment: a Socket-driven Event Loop
// accepting many instrumented-application connections across one or more
// listeners, each immediately bound to its own Buffered Outbound Writer
// draining toward one downstream collector (one shared KCP/smux session, or
// one TCP connection per client).
//
// Each accepted client is wired through internal/proxy.ClientHandler;
// there is no per-client forwarder goroutine, and teardown never blocks
// the reactor (see internal/proxy's doc comment).
package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli"
	"github.com/xtaci/smux"

	"github.com/mytestbed/oml-go/internal/capture"
	"github.com/mytestbed/oml-go/internal/logx"
	"github.com/mytestbed/oml-go/internal/metrics"
	"github.com/mytestbed/oml-go/internal/proxy"
	"github.com/mytestbed/oml-go/internal/sel"
	"github.com/mytestbed/oml-go/internal/sink"
	"github.com/mytestbed/oml-go/internal/socket"
)

var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "omlproxyd"
	app.Usage = "measurement-transport proxy: many client listeners fanned into one collector session"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "c", Value: "omlproxyd.yaml", Usage: "yaml configuration file"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config, err := loadYAMLConfig(c.String("c"))
	if err != nil {
		return err
	}
	if len(config.Listeners) == 0 {
		return fmt.Errorf("omlproxyd: no listeners configured")
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if config.Pprof {
		go http.ListenAndServe(":6060", nil)
	}

	loop := sel.Default()
	loop.SetSocketTimeout(time.Duration(config.IdleTimeoutSeconds) * time.Second)

	writers := metrics.NewWriterSet()
	recorder := metrics.New(func() metrics.Snapshot {
		s := writers.Collect()
		s.ActiveChannels = loop.ActiveChannels()
		s.ActiveTimers = loop.ActiveTimers()
		return s
	})
	stopMetrics := make(chan struct{})
	go metrics.Run(recorder, config.MetricsLog, time.Duration(config.MetricsPeriod)*time.Second, stopMetrics)
	defer close(stopMetrics)

	cc := config.Collector
	dialOpts := sink.DialOptions{Comp: cc.Comp, QPP: cc.QPP, QPPCount: uint16(cc.QPPCount), Key: cc.Key, Framed: cc.Framed}
	if cc.QPP {
		warnings, err := sink.ValidateQPPParams(cc.QPPCount, cc.Key)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			logx.Warnf("%s", w)
		}
	}

	var session *smux.Session
	if cc.Transport == "kcp" {
		session, err = sink.DialKCPSession(cc.Addr, sink.KCPOptions{
			Key: cc.Key, Crypt: cc.Crypt,
			DataShard: cc.DataShard, ParityShard: cc.ParityShard,
			MTU: cc.MTU, SndWnd: cc.SndWnd, RcvWnd: cc.RcvWnd,
			NoDelay: cc.NoDelay, Interval: cc.Interval, Resend: cc.Resend, NoCongestion: cc.NoCongestion,
			AckNodelay: cc.AckNodelay, TCP: cc.TCPEmulate,
			SmuxVer: cc.SmuxVer, SmuxBuf: cc.SmuxBuf, StreamBuf: cc.StreamBuf,
			FrameSize: cc.FrameSize, KeepAliveSeconds: cc.KeepAlive,
		})
		if err != nil {
			return err
		}
	}

	newCollectorSink := func() (sink.Sink, error) {
		if session != nil {
			return sink.NewStreamSink(session, dialOpts)
		}
		return sink.DialTCP(cc.Addr, dialOpts)
	}

	for _, lc := range config.Listeners {
		ln, err := net.Listen("tcp", lc.Addr)
		if err != nil {
			return err
		}
		defer ln.Close()
		log.Println("omlproxyd listening:", lc.Name, ln.Addr())

		lnSock, err := socket.FromListener(ln)
		if err != nil {
			return err
		}
		name := lc.Name
		clientSeq := 0
		loop.OnMonitorChannel(lnSock, func(source *sel.Channel, handle any) {
			clientSeq++
			acceptOne(loop, ln, name, clientSeq, newCollectorSink, &config, recorder, writers)
		}, listenerStatus, nil)
	}

	log.Println("omlproxyd running, collector:", cc.Addr, "transport:", cc.Transport)
	code := loop.Run()
	log.Println("omlproxyd stopped, code:", code)
	return nil
}

// listenerStatus overrides the loop's default status handling for listening
// sockets: a monitor channel never refreshes its activity timestamp, so
// StatusIdle fires for a listener once per configured idle timeout window
// whether or not it accepted anything, but a listener is still live, not a
// dead channel, so it is ignored here instead of letting the default
// handling retire the channel.
func listenerStatus(source *sel.Channel, status sel.Status, err error, handle any) {
	switch status {
	case sel.StatusIdle:
	default:
		logx.Warnf("omlproxyd: %s: listener status %s: %v", source.Name(), status, err)
	}
}

// acceptOne accepts exactly one pending connection off ln (ln is
// non-blocking-readiness-signaled by the monitor channel, not drained by
// it), dials a fresh per-client sink over the shared collector session, and
// registers a proxy.ClientHandler for it on loop — the many-clients-onto-
// one-collector fan-in this deployment exists for. Each client gets its
// own capture.Writer (when configured), since proxy.ClientHandler.onStatus
// closes its capture writer
// on that client's own teardown; a writer shared across clients would be
// torn down by whichever client disconnects first.
func acceptOne(loop *sel.Loop, ln net.Listener, listenerName string, seq int, newCollectorSink func() (sink.Sink, error), config *Config, recorder *metrics.Recorder, writers *metrics.WriterSet) {
	conn, err := ln.Accept()
	if err != nil {
		logx.Warnf("omlproxyd: %s: accept: %v", listenerName, err)
		return
	}

	clientSock, err := socket.FromConn(conn)
	if err != nil {
		logx.Errorf("omlproxyd: %s: wrap client socket: %v", listenerName, err)
		conn.Close()
		return
	}

	collector, err := newCollectorSink()
	if err != nil {
		logx.Errorf("omlproxyd: %s: dial collector for %s: %v", listenerName, conn.RemoteAddr(), err)
		clientSock.Close()
		return
	}

	var cap *capture.Writer
	if config.CaptureDir != "" {
		dir := filepath.Join(config.CaptureDir, fmt.Sprintf("%s-%d", listenerName, seq))
		cap, err = capture.New(dir, config.CaptureTemplate)
		if err != nil {
			logx.Errorf("omlproxyd: %s: capture.New: %v", listenerName, err)
		}
	}

	h, err := proxy.NewClientHandler(loop, clientSock, collector, config.QueueCapacityBytes, config.ChunkBytes, cap, recorder.AddDropped)
	if err != nil {
		logx.Errorf("omlproxyd: %s: create handler for %s: %v", listenerName, conn.RemoteAddr(), err)
		collector.Close()
		clientSock.Close()
		return
	}
	writers.Add(h.Writer())

	if !config.Quiet {
		log.Println("client connected", listenerName, conn.RemoteAddr(), "->", collector.Dest())
	}
}
