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

// Command omlclient runs at the instrumented-process side: it listens on a
// local address, accepts connections from instrumented applications
// emitting measurement streams, and for each connection spins up a
// Buffered Outbound Writer draining to a remote collector.
//
// urfave/cli flags populate a Config, optionally overridden wholesale by a
// "-c config.json" file.
package main

import (
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/mytestbed/oml-go/internal/bow"
	"github.com/mytestbed/oml-go/internal/logx"
	"github.com/mytestbed/oml-go/internal/metrics"
	"github.com/mytestbed/oml-go/internal/sink"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "omlclient"
	app.Usage = "measurement-transport client: local listener -> buffered outbound writer -> collector"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listenaddr,l", Value: "127.0.0.1:3003", Usage: "local listen address for instrumented applications"},
		cli.StringFlag{Name: "collectoraddr,r", Value: "collector:3003", Usage: "downstream collector address"},
		cli.StringFlag{Name: "key", Value: "it's a secret", Usage: "pre-shared secret between client and collector", EnvVar: "OML_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.StringFlag{Name: "transport", Value: "tcp", Usage: "tcp or kcp"},
		cli.BoolFlag{Name: "comp", Usage: "enable snappy compression"},
		cli.BoolFlag{Name: "qpp", Usage: "enable Quantum Permutation Pads (QPP)"},
		cli.IntFlag{Name: "qppcount", Value: 61, Usage: "prime number of QPP pads to use"},
		cli.BoolFlag{Name: "framed", Usage: "enable length-prefixed message framing"},
		cli.IntFlag{Name: "queuecapacitybytes", Value: 1 << 20, Usage: "buffered outbound writer capacity, in bytes"},
		cli.IntFlag{Name: "chunkbytes", Value: 1024, Usage: "buffered outbound writer chunk size, in bytes"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "kcp reed-solomon datashard"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "kcp reed-solomon parityshard"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "kcp mtu"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "kcp send window"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "kcp receive window"},
		cli.IntFlag{Name: "nodelay", Value: 0, Usage: "kcp nodelay"},
		cli.IntFlag{Name: "interval", Value: 50, Usage: "kcp interval, in milliseconds"},
		cli.IntFlag{Name: "resend", Value: 0, Usage: "kcp fast resend"},
		cli.IntFlag{Name: "nc", Value: 0, Usage: "kcp disable congestion control"},
		cli.BoolFlag{Name: "acknodelay", Usage: "kcp force ack flush immediately"},
		cli.BoolFlag{Name: "tcpemulate", Usage: "emulate a TCP connection for the kcp transport"},
		cli.IntFlag{Name: "smuxver", Value: 2, Usage: "smux version"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "smux overall de-mux buffer, in bytes"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "smux per-stream receive buffer, in bytes"},
		cli.IntFlag{Name: "framesize", Value: 8192, Usage: "smux max frame size"},
		cli.IntFlag{Name: "keepalive", Value: 10, Usage: "seconds between smux keepalives"},
		cli.StringFlag{Name: "metricslog", Value: "", Usage: "collect metrics to file, aware of timeformat in golang, like: ./metrics-20060102.csv"},
		cli.IntFlag{Name: "metricsperiod", Value: 60, Usage: "metrics collection period, in seconds"},
		cli.StringFlag{Name: "log", Value: "", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-connection open/close messages"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from json file, overrides the command line"},
	}

	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		ListenAddr: c.String("listenaddr"), CollectorAddr: c.String("collectoraddr"),
		Key: c.String("key"), Crypt: c.String("crypt"), Transport: c.String("transport"),
		Comp: c.Bool("comp"), QPP: c.Bool("qpp"), QPPCount: c.Int("qppcount"), Framed: c.Bool("framed"),
		QueueCapacityBytes: c.Int("queuecapacitybytes"), ChunkBytes: c.Int("chunkbytes"),
		DataShard: c.Int("datashard"), ParityShard: c.Int("parityshard"), MTU: c.Int("mtu"),
		SndWnd: c.Int("sndwnd"), RcvWnd: c.Int("rcvwnd"),
		NoDelay: c.Int("nodelay"), Interval: c.Int("interval"), Resend: c.Int("resend"), NoCongestion: c.Int("nc"),
		AckNodelay: c.Bool("acknodelay"), TCPEmulate: c.Bool("tcpemulate"),
		SmuxVer: c.Int("smuxver"), SmuxBuf: c.Int("smuxbuf"), StreamBuf: c.Int("streambuf"),
		FrameSize: c.Int("framesize"), KeepAlive: c.Int("keepalive"),
		MetricsLog: c.String("metricslog"), MetricsPeriod: c.Int("metricsperiod"),
		Log: c.String("log"), Quiet: c.Bool("quiet"), Pprof: c.Bool("pprof"),
	}
	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return err
		}
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

	if config.QPP {
		warnings, err := sink.ValidateQPPParams(config.QPPCount, config.Key)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			logx.Warnf("%s", w)
		}
	}

	writers := metrics.NewWriterSet()
	recorder := metrics.New(writers.Collect)
	stopMetrics := make(chan struct{})
	go metrics.Run(recorder, config.MetricsLog, time.Duration(config.MetricsPeriod)*time.Second, stopMetrics)
	defer close(stopMetrics)
	installSigHandler(recorder)

	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Println("omlclient listening on:", listener.Addr())
	log.Println("collector:", config.CollectorAddr, "transport:", config.Transport)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go handleConn(conn, &config, recorder, writers)
	}
}

// handleConn is the instrumented-process side's producer context: it reads
// measurement bytes off one application connection and pushes them into a
// dedicated Writer draining to the collector — many producer contexts,
// one output stream per connection.
func handleConn(conn net.Conn, config *Config, recorder *metrics.Recorder, writers *metrics.WriterSet) {
	defer conn.Close()

	dialOpts := sink.DialOptions{Comp: config.Comp, QPP: config.QPP, QPPCount: uint16(config.QPPCount), Key: config.Key, Framed: config.Framed}

	var collector sink.Sink
	var err error
	switch config.Transport {
	case "kcp":
		collector, err = dialKCPCollector(config, dialOpts)
	default:
		collector, err = sink.DialTCP(config.CollectorAddr, dialOpts)
	}
	if err != nil {
		logx.Errorf("omlclient: %s: dial collector: %v", conn.RemoteAddr(), err)
		return
	}

	writer, err := bow.New(collector, config.QueueCapacityBytes, config.ChunkBytes)
	if err != nil {
		logx.Errorf("omlclient: %s: create writer: %v", conn.RemoteAddr(), err)
		collector.Close()
		return
	}
	defer writer.Close()
	writer.OnDrop = recorder.AddDropped
	writers.Add(writer)

	if !config.Quiet {
		log.Println("stream opened", "in:", conn.RemoteAddr(), "out:", collector.Dest())
		defer log.Println("stream closed", "in:", conn.RemoteAddr(), "out:", collector.Dest())
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !writer.Push(buf[:n]) {
				logx.Warnf("omlclient: %s: push rejected", conn.RemoteAddr())
			}
		}
		if err != nil {
			return
		}
	}
}

func dialKCPCollector(config *Config, dialOpts sink.DialOptions) (sink.Sink, error) {
	session, err := sink.DialKCPSession(config.CollectorAddr, sink.KCPOptions{
		Key: config.Key, Crypt: config.Crypt,
		DataShard: config.DataShard, ParityShard: config.ParityShard,
		MTU: config.MTU, SndWnd: config.SndWnd, RcvWnd: config.RcvWnd,
		NoDelay: config.NoDelay, Interval: config.Interval, Resend: config.Resend, NoCongestion: config.NoCongestion,
		AckNodelay: config.AckNodelay, TCP: config.TCPEmulate,
		SmuxVer: config.SmuxVer, SmuxBuf: config.SmuxBuf, StreamBuf: config.StreamBuf,
		FrameSize: config.FrameSize, KeepAliveSeconds: config.KeepAlive,
	})
	if err != nil {
		return nil, err
	}
	return sink.NewStreamSink(session, dialOpts)
}
