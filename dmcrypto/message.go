// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dmcrypto

import (
	"errors"
	"fmt"
)

// NonceSize is the size of the per message nonce.
const NonceSize = CounterSize

var ErrInvalidNonce = errors.New("invalid message nonce")

// EncryptMessage encrypts plaintext under key with a fresh random nonce.
func EncryptMessage(key *SymmetricKey, plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce, err = RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = key.XOR(nonce, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ciphertext, nil
}

// DecryptMessage reverses EncryptMessage.
func DecryptMessage(key *SymmetricKey, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidNonce, len(nonce))
	}
	return key.XOR(nonce, ciphertext)
}
