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

package sink

import (
	"fmt"
	"io"
	"math/big"

	"github.com/xtaci/qpp"
)

// qppPower is the permutation dimension used throughout.
const qppPower = 8

// ValidateQPPParams sanity-checks the pad count and seed length, returning
// warnings rather than logging directly so cmd/omlclient and cmd/omlproxyd
// can route them through internal/logx.
func ValidateQPPParams(count int, key string) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("sink: QPPCount must be greater than 0 when QPP is enabled")
	}

	var warnings []string
	minSeedLength := qpp.QPPMinimumSeedLength(qppPower)
	if len(key) < minSeedLength {
		warnings = append(warnings, fmt.Sprintf("QPP: 'key' has size of %d bytes, required %d bytes at least", len(key), minSeedLength))
	}
	minPads := qpp.QPPMinimumPads(qppPower)
	if count < minPads {
		warnings = append(warnings, fmt.Sprintf("QPP: QPPCount %d, required %d at least", count, minPads))
	}
	if new(big.Int).GCD(nil, nil, big.NewInt(int64(count)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, fmt.Sprintf("QPP: QPPCount %d, choose a prime number for security", count))
	}
	return warnings, nil
}

// qppStream is an io.ReadWriteCloser obfuscated with a Quantum Permutation
// Pad, each direction driven by its own PRNG seeded identically on both
// ends.
type qppStream struct {
	rwc   io.ReadWriteCloser
	pad   *qpp.QuantumPermutationPad
	wprng *qpp.Rand
	rprng *qpp.Rand
}

// NewQPPStream wraps rwc with QPP obfuscation using pad, seeded from seed
// (typically the pre-shared key).
func NewQPPStream(rwc io.ReadWriteCloser, pad *qpp.QuantumPermutationPad, seed []byte) io.ReadWriteCloser {
	return &qppStream{rwc: rwc, pad: pad, wprng: qpp.CreatePRNG(seed), rprng: qpp.CreatePRNG(seed)}
}

func (s *qppStream) Read(p []byte) (int, error) {
	n, err := s.rwc.Read(p)
	s.pad.DecryptWithPRNG(p[:n], s.rprng)
	return n, err
}

func (s *qppStream) Write(p []byte) (int, error) {
	s.pad.EncryptWithPRNG(p, s.wprng)
	return s.rwc.Write(p)
}

func (s *qppStream) Close() error { return s.rwc.Close() }
