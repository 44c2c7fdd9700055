// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dmcrypto holds the primitive operations used to protect direct
// messages: RSA-OAEP key wrapping, AES-CTR with a 64 bit counter, message
// encryption and the password based derivation of the encryption block
// hash.
//
// All functions are stateless and safe for concurrent use.
package dmcrypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// Reader is the source of randomness. Tests may replace it.
var Reader io.Reader = rand.Reader

// RandomBytes returns n bytes read from Reader.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(Reader, b); err != nil {
		return nil, fmt.Errorf("unable to read random bytes: %w", err)
	}
	return b, nil
}

// Zero overwrites b with zeroes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroBig(x *big.Int) {
	if x == nil {
		return
	}
	b := x.Bits()
	for i := range b {
		b[i] = 0
	}
	x.SetInt64(0)
}
