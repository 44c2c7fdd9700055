// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/companyzero/arlekin/dmcrypto"
)

// NonceMaterialSize is the size of the random nonces of a sealed blob. Part k
// uses bytes [16k, 16k+16).
const NonceMaterialSize = ShardCount * dmcrypto.CounterSize

const lenPrefixSize = 4

var ErrInvalidSealedBlob = errors.New("invalid sealed blob")

// SealBytes encrypts b under the root shards.
//
// b is zero padded to a multiple of ShardCount and distributed round robin
// into ShardCount parts, so that part k holds bytes k, k+8, k+16 and so on.
// Each part is encrypted under shard k with the k-th slice of a fresh nonce.
// The blob is the little endian 32 bit length of b followed by the encrypted
// parts.
func SealBytes(b []byte, shards *RootShardSet) (blob, nonce []byte, err error) {
	if uint64(len(b)) > uint64(^uint32(0)) {
		return nil, nil, fmt.Errorf("sealed data too large: %d", len(b))
	}
	partLen := (len(b) + ShardCount - 1) / ShardCount

	nonce, err = dmcrypto.RandomBytes(NonceMaterialSize)
	if err != nil {
		return nil, nil, err
	}

	part := make([]byte, partLen)
	defer dmcrypto.Zero(part)
	blob = make([]byte, lenPrefixSize+partLen*ShardCount)
	binary.LittleEndian.PutUint32(blob, uint32(len(b)))
	for k := 0; k < ShardCount; k++ {
		for j := range part {
			if i := j*ShardCount + k; i < len(b) {
				part[j] = b[i]
			} else {
				part[j] = 0
			}
		}
		shard, err := shards.shard(k)
		if err != nil {
			return nil, nil, err
		}
		enc, err := shard.XOR(nonceSlot(nonce, k), part)
		if err != nil {
			return nil, nil, err
		}
		copy(blob[lenPrefixSize+k*partLen:], enc)
	}
	return blob, nonce, nil
}

// UnsealBytes reverses SealBytes.
func UnsealBytes(blob, nonce []byte, shards *RootShardSet) ([]byte, error) {
	if len(nonce) != NonceMaterialSize {
		return nil, fmt.Errorf("%w: nonce size %d", ErrInvalidSealedBlob, len(nonce))
	}
	if len(blob) < lenPrefixSize || (len(blob)-lenPrefixSize)%ShardCount != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidSealedBlob, len(blob))
	}
	l := int(binary.LittleEndian.Uint32(blob))
	partLen := (len(blob) - lenPrefixSize) / ShardCount
	if (l+ShardCount-1)/ShardCount != partLen {
		return nil, fmt.Errorf("%w: length %d does not match part size %d",
			ErrInvalidSealedBlob, l, partLen)
	}

	parts := make([][]byte, ShardCount)
	defer func() {
		for _, p := range parts {
			dmcrypto.Zero(p)
		}
	}()
	for k := 0; k < ShardCount; k++ {
		shard, err := shards.shard(k)
		if err != nil {
			return nil, err
		}
		enc := blob[lenPrefixSize+k*partLen : lenPrefixSize+(k+1)*partLen]
		parts[k], err = shard.XOR(nonceSlot(nonce, k), enc)
		if err != nil {
			return nil, err
		}
	}

	b := make([]byte, l)
	for i := range b {
		b[i] = parts[i%ShardCount][i/ShardCount]
	}
	return b, nil
}

func nonceSlot(nonce []byte, k int) []byte {
	return nonce[k*dmcrypto.CounterSize : (k+1)*dmcrypto.CounterSize]
}

// SealPrivateKey seals the PKCS #8 encoding of priv.
func SealPrivateKey(priv *rsa.PrivateKey, shards *RootShardSet) (blob, nonce []byte, err error) {
	der, err := dmcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	defer dmcrypto.Zero(der)
	return SealBytes(der, shards)
}

// UnsealPrivateKey reverses SealPrivateKey.
func UnsealPrivateKey(blob, nonce []byte, shards *RootShardSet) (*rsa.PrivateKey, error) {
	der, err := UnsealBytes(blob, nonce, shards)
	if err != nil {
		return nil, err
	}
	defer dmcrypto.Zero(der)
	priv, err := dmcrypto.ParsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unable to parse unsealed private key: %w", err)
	}
	return priv, nil
}
