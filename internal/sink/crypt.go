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

// crypt.go derives the block cipher used by DialKCPSession and ListenKCP
// from a pre-shared key:
// one SALT/pbkdf2.Key derivation plus a name -> kcp.BlockCrypt lookup
// table.
package sink

import (
	"crypto/sha1"

	kcp "github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

// salt is not a secret, only a fixed pbkdf2 salt shared by client and
// collector so both derive the same key from the same pre-shared
// passphrase.
const salt = "kcp-go"

type cryptMethod struct {
	keySize int
	build   func(key []byte) (kcp.BlockCrypt, error)
}

var cryptMethods = map[string]cryptMethod{
	"null":        {0, func(key []byte) (kcp.BlockCrypt, error) { return nil, nil }},
	"sm4":         {16, kcp.NewSM4BlockCrypt},
	"tea":         {16, kcp.NewTEABlockCrypt},
	"xor":         {0, kcp.NewSimpleXORBlockCrypt},
	"none":        {0, kcp.NewNoneBlockCrypt},
	"aes-128":     {16, kcp.NewAESBlockCrypt},
	"aes-192":     {24, kcp.NewAESBlockCrypt},
	"blowfish":    {0, kcp.NewBlowfishBlockCrypt},
	"twofish":     {0, kcp.NewTwofishBlockCrypt},
	"cast5":       {16, kcp.NewCast5BlockCrypt},
	"3des":        {24, kcp.NewTripleDESBlockCrypt},
	"xtea":        {16, kcp.NewXTEABlockCrypt},
	"salsa20":     {0, kcp.NewSalsa20BlockCrypt},
	"aes-128-gcm": {16, kcp.NewAESGCMCrypt},
}

// SelectBlockCrypt derives pass from key via pbkdf2-sha1 and builds the
// named cipher, falling back to aes on an unknown or failing name. It
// returns the effective cipher name so callers can log the final choice.
func SelectBlockCrypt(key []byte, method string) (kcp.BlockCrypt, string) {
	pass := pbkdf2.Key(key, []byte(salt), 4096, 32, sha1.New)

	m, ok := cryptMethods[method]
	if !ok {
		block, _ := kcp.NewAESBlockCrypt(pass)
		return block, "aes"
	}

	k := pass
	if m.keySize > 0 && len(pass) >= m.keySize {
		k = pass[:m.keySize]
	}
	block, err := m.build(k)
	if err != nil {
		block, _ = kcp.NewAESBlockCrypt(pass)
		return block, "aes"
	}
	return block, method
}
