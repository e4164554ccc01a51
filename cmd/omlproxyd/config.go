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

package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes a whole omlproxyd instance: one or more client-facing
// listeners, each forwarding every accepted connection's bytes toward one
// downstream collector: over a single shared KCP/smux session when the
// transport is "kcp", or over one TCP connection per accepted client when
// it is "tcp". The proxy deployment is a fan-in (many client sockets -> one
// collector), so the shape is a slice of Listeners plus sibling sections rather than
// the flat flag-per-field form cmd/omlclient uses — a deployment
// description, hence YAML.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`

	Collector CollectorConfig `yaml:"collector"`

	QueueCapacityBytes int `yaml:"queue_capacity_bytes"`
	ChunkBytes         int `yaml:"chunk_bytes"`

	CaptureDir      string `yaml:"capture_dir"`
	CaptureTemplate string `yaml:"capture_template"`

	MetricsLog    string `yaml:"metrics_log"`
	MetricsPeriod int    `yaml:"metrics_period_seconds"`

	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	Log                string `yaml:"log"`
	Quiet              bool   `yaml:"quiet"`
	Pprof              bool   `yaml:"pprof"`
}

// ListenerConfig is one client-facing bind address.
type ListenerConfig struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

// CollectorConfig is the downstream transport every accepted client
// channel forwards to: the dial decorations (Comp/QPP/Key/Crypt) plus
// the KCP/smux tuning, collapsed into one block since every listener here
// uses the same collector. With the "kcp" transport all clients share one
// physical connection; with "tcp" each client dials its own.
type CollectorConfig struct {
	Addr      string `yaml:"addr"`
	Transport string `yaml:"transport"` // "tcp" or "kcp"
	Key       string `yaml:"key"`
	Crypt     string `yaml:"crypt"`

	Comp     bool   `yaml:"comp"`
	QPP      bool   `yaml:"qpp"`
	QPPCount int    `yaml:"qpp_count"`
	Framed   bool   `yaml:"framed"`

	DataShard    int  `yaml:"datashard"`
	ParityShard  int  `yaml:"parityshard"`
	MTU          int  `yaml:"mtu"`
	SndWnd       int  `yaml:"sndwnd"`
	RcvWnd       int  `yaml:"rcvwnd"`
	NoDelay      int  `yaml:"nodelay"`
	Interval     int  `yaml:"interval"`
	Resend       int  `yaml:"resend"`
	NoCongestion int  `yaml:"nc"`
	AckNodelay   bool `yaml:"acknodelay"`
	TCPEmulate   bool `yaml:"tcp_emulate"`

	SmuxVer   int `yaml:"smuxver"`
	SmuxBuf   int `yaml:"smuxbuf"`
	StreamBuf int `yaml:"streambuf"`
	FrameSize int `yaml:"framesize"`
	KeepAlive int `yaml:"keepalive"`
}

func defaultConfig() Config {
	return Config{
		QueueCapacityBytes: 1 << 20,
		ChunkBytes:         1024,
		CaptureTemplate:    "20060102-150405.cap.gz",
		MetricsPeriod:      60,
		IdleTimeoutSeconds: 120,
		Collector: CollectorConfig{
			Transport: "tcp",
			Crypt:     "aes",
			DataShard: 10, ParityShard: 3, MTU: 1350,
			SndWnd: 128, RcvWnd: 512, Interval: 50,
			SmuxVer: 2, SmuxBuf: 4194304, StreamBuf: 2097152, FrameSize: 8192, KeepAlive: 10,
		},
	}
}

func loadYAMLConfig(path string) (Config, error) {
	config := defaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return config, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&config); err != nil {
		return config, err
	}
	return config, nil
}
