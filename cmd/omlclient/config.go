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
	"encoding/json"
	"os"
)

// Config carries one field per command-line flag, JSON-tagged so a
// "-c config.json" file can override the whole set at once.
type Config struct {
	ListenAddr    string `json:"listenaddr"`
	CollectorAddr string `json:"collectoraddr"`
	Key           string `json:"key"`
	Crypt         string `json:"crypt"`
	Transport     string `json:"transport"` // "tcp" or "kcp"

	Comp     bool `json:"comp"`
	QPP      bool `json:"qpp"`
	QPPCount int  `json:"qppcount"`
	Framed   bool `json:"framed"`

	QueueCapacityBytes int `json:"queuecapacitybytes"`
	ChunkBytes         int `json:"chunkbytes"`

	DataShard    int  `json:"datashard"`
	ParityShard  int  `json:"parityshard"`
	MTU          int  `json:"mtu"`
	SndWnd       int  `json:"sndwnd"`
	RcvWnd       int  `json:"rcvwnd"`
	NoDelay      int  `json:"nodelay"`
	Interval     int  `json:"interval"`
	Resend       int  `json:"resend"`
	NoCongestion int  `json:"nc"`
	AckNodelay   bool `json:"acknodelay"`
	TCPEmulate   bool `json:"tcpemulate"`

	SmuxVer   int `json:"smuxver"`
	SmuxBuf   int `json:"smuxbuf"`
	StreamBuf int `json:"streambuf"`
	FrameSize int `json:"framesize"`
	KeepAlive int `json:"keepalive"`

	Log           string `json:"log"`
	MetricsLog    string `json:"metricslog"`
	MetricsPeriod int    `json:"metricsperiod"`
	Pprof         bool   `json:"pprof"`
	Quiet         bool   `json:"quiet"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
