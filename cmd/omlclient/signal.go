//go:build linux || darwin || freebsd

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
	"log"
	"os"
	"os/signal"
	"syscall"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/mytestbed/oml-go/internal/metrics"
)

// installSigHandler makes SIGUSR1 dump diagnostics instead of exiting, and
// ignores SIGPIPE (a dialed collector that hung up mid-write) rather than
// letting it kill the process, leaving internal/bow's own backoff to handle
// the failure. Both the Recorder's Snapshot and the KCP SNMP counters are
// dumped; deployments over plain TCP simply show zeroed SNMP values.
func installSigHandler(r *metrics.Recorder) {
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGUSR1)
		signal.Ignore(syscall.SIGPIPE)

		for range ch {
			log.Printf("oml metrics: %+v", r.Current())
			log.Printf("KCP SNMP: %+v", kcp.DefaultSnmp.Copy())
		}
	}()
}
