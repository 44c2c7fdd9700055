// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dmcrypto

import (
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/argon2"
)

// EncryptionBlockHashSize is the size of the password derived secret. It
// holds one counter block per root shard.
const EncryptionBlockHashSize = 8 * CounterSize

// Argon2id parameters.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
)

// messageSalt builds the salt for the encryption block hash. Every byte of
// the little endian account salt is encoded as one code point.
func messageSalt(salt int64) []byte {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], uint64(salt))

	var b strings.Builder
	b.WriteString("arlekin")
	for _, c := range le {
		b.WriteRune(rune(c))
	}
	b.WriteString("message")
	return []byte(b.String())
}

// DeriveEncryptionBlockHash derives the encryption block hash from the
// account password and the server provided message encryption salt.
func DeriveEncryptionBlockHash(password []byte, salt int64) []byte {
	return argon2.IDKey(password, messageSalt(salt), argonTime, argonMemory,
		argonThreads, EncryptionBlockHashSize)
}
