// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dmcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the size of every symmetric key.
	KeySize = 32

	// CounterSize is the size of the AES-CTR initial counter block.
	CounterSize = aes.BlockSize
)

var (
	ErrInvalidKeySize     = errors.New("invalid symmetric key size")
	ErrInvalidCounterSize = errors.New("invalid counter block size")
)

// ctr64 is an AES-CTR keystream where only the rightmost 64 bits of the
// counter block are incremented. Overflow wraps inside the low half and never
// carries into the high 64 bits.
type ctr64 struct {
	block cipher.Block
	ctr   [CounterSize]byte
	ks    [CounterSize]byte
	used  int
}

func newCTR64(block cipher.Block, counter []byte) *ctr64 {
	s := &ctr64{block: block, used: CounterSize}
	copy(s.ctr[:], counter)
	return s
}

func (s *ctr64) refill() {
	s.block.Encrypt(s.ks[:], s.ctr[:])
	low := binary.BigEndian.Uint64(s.ctr[8:])
	binary.BigEndian.PutUint64(s.ctr[8:], low+1)
	s.used = 0
}

func (s *ctr64) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("dmcrypto: output smaller than input")
	}
	for len(src) > 0 {
		if s.used == CounterSize {
			s.refill()
		}
		n := subtle.XORBytes(dst, src, s.ks[s.used:])
		dst, src = dst[n:], src[n:]
		s.used += n
	}
}

// SymmetricKey is an AES-256 key used in counter mode.
type SymmetricKey struct {
	raw   [KeySize]byte
	block cipher.Block
}

// NewSymmetricKey imports raw as a symmetric key. raw is copied.
func NewSymmetricKey(raw []byte) (*SymmetricKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeySize, len(raw))
	}
	k := &SymmetricKey{}
	copy(k.raw[:], raw)
	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, err
	}
	k.block = block
	return k, nil
}

// GenerateSymmetricKey returns a new random symmetric key.
func GenerateSymmetricKey() (*SymmetricKey, error) {
	raw, err := RandomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer Zero(raw)
	return NewSymmetricKey(raw)
}

// Bytes returns a copy of the raw key.
func (k *SymmetricKey) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k.raw[:])
	return b
}

// Equal returns true if both keys hold the same raw bytes.
func (k *SymmetricKey) Equal(other *SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k.raw[:], other.raw[:]) == 1
}

// XOR applies the keystream started at counter to src. Encryption and
// decryption are the same operation.
func (k *SymmetricKey) XOR(counter, src []byte) ([]byte, error) {
	if k.block == nil {
		return nil, ErrInvalidKeySize
	}
	if len(counter) != CounterSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCounterSize, len(counter))
	}
	dst := make([]byte, len(src))
	newCTR64(k.block, counter).XORKeyStream(dst, src)
	return dst, nil
}

// Zero wipes the raw key. The key is unusable afterwards.
func (k *SymmetricKey) Zero() {
	Zero(k.raw[:])
	k.block = nil
}
