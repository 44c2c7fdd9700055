// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dmcrypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

const (
	// DefaultRSABits is the size of device identity keys.
	DefaultRSABits = 4096

	// MinRSABits is the smallest accepted identity key size.
	MinRSABits = 2048
)

var ErrNotRSAKey = errors.New("key is not an RSA key")

// GenerateRSAKey creates a new identity keypair with public exponent 65537.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("rsa key size %d is smaller than %d", bits, MinRSABits)
	}
	return rsa.GenerateKey(Reader, bits)
}

// MarshalPublicKey encodes pub as DER SubjectPublicKeyInfo.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes a DER SubjectPublicKeyInfo RSA key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotRSAKey, k)
	}
	return pub, nil
}

// MarshalPrivateKey encodes priv as DER PKCS #8.
func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(priv)
}

// ParsePrivateKey decodes a DER PKCS #8 RSA key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotRSAKey, k)
	}
	return priv, nil
}

// WrapKey encrypts a message key for the holder of pub with RSA-OAEP
// (SHA-256, empty label).
func WrapKey(pub *rsa.PublicKey, key *SymmetricKey) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), Reader, pub, key.raw[:], nil)
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) (*SymmetricKey, error) {
	raw, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, err
	}
	defer Zero(raw)
	return NewSymmetricKey(raw)
}

// ZeroRSAKey wipes the private parts of priv.
func ZeroRSAKey(priv *rsa.PrivateKey) {
	if priv == nil {
		return
	}
	zeroBig(priv.D)
	for _, p := range priv.Primes {
		zeroBig(p)
	}
	zeroBig(priv.Precomputed.Dp)
	zeroBig(priv.Precomputed.Dq)
	zeroBig(priv.Precomputed.Qinv)
}
