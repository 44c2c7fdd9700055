// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/companyzero/arlekin/rpc"
	"github.com/decred/slog"
)

const (
	// ShardCount is the number of root shards protecting a private key.
	ShardCount = 8

	// EncryptionBlockHashSize is the size of the password derived secret.
	// Slot i uses bytes [16i, 16i+16) as its counter block.
	EncryptionBlockHashSize = ShardCount * dmcrypto.CounterSize

	// middleKeysSize is the size of each field of the middle key material.
	middleKeysSize = ShardCount * dmcrypto.KeySize
)

var (
	ErrInvalidBlockHash  = errors.New("invalid encryption block hash")
	ErrInvalidMiddleKeys = errors.New("invalid middle key material")
	ErrShardsDestroyed   = errors.New("root shards were destroyed")
)

// InitError is returned when the root shards cannot be derived. It blocks
// access to every encrypted channel until resolved.
type InitError struct {
	Err error
}

func (err InitError) Error() string {
	return fmt.Sprintf("unable to derive root shards: %v", err.Err)
}

func (err InitError) Unwrap() error {
	return err.Err
}

func (err InitError) Is(target error) bool {
	_, ok := target.(InitError)
	return ok
}

// RootShardSet is the set of symmetric keys that seal the device private
// keys.
type RootShardSet struct {
	shards [ShardCount]*dmcrypto.SymmetricKey
}

// NewRootShardSet builds a set from ShardCount raw keys.
func NewRootShardSet(raw [][]byte) (*RootShardSet, error) {
	if len(raw) != ShardCount {
		return nil, fmt.Errorf("need %d root shards, got %d", ShardCount, len(raw))
	}
	s := &RootShardSet{}
	for i := range raw {
		k, err := dmcrypto.NewSymmetricKey(raw[i])
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("root shard %d: %w", i, err)
		}
		s.shards[i] = k
	}
	return s, nil
}

// GenerateRootShardSet returns a set of fresh random shards.
func GenerateRootShardSet() (*RootShardSet, error) {
	s := &RootShardSet{}
	for i := range s.shards {
		k, err := dmcrypto.GenerateSymmetricKey()
		if err != nil {
			s.Destroy()
			return nil, err
		}
		s.shards[i] = k
	}
	return s, nil
}

// Len returns the number of usable shards.
func (s *RootShardSet) Len() int {
	var n int
	for _, k := range s.shards {
		if k != nil {
			n++
		}
	}
	return n
}

func (s *RootShardSet) shard(i int) (*dmcrypto.SymmetricKey, error) {
	if s == nil || s.shards[i] == nil {
		return nil, ErrShardsDestroyed
	}
	return s.shards[i], nil
}

// Destroy wipes every shard. The set is unusable afterwards.
func (s *RootShardSet) Destroy() {
	for i, k := range s.shards {
		if k != nil {
			k.Zero()
			s.shards[i] = nil
		}
	}
}

func checkBlockHash(hash []byte) error {
	if len(hash) != EncryptionBlockHashSize {
		return fmt.Errorf("%w: size %d, want %d", ErrInvalidBlockHash,
			len(hash), EncryptionBlockHashSize)
	}
	return nil
}

func counterSlot(hash []byte, i int) []byte {
	return hash[i*dmcrypto.CounterSize : (i+1)*dmcrypto.CounterSize]
}

// GenerateMiddleKeys creates new middle key material for hash. For every
// slot, a fresh root shard is encrypted under a fresh middle key using the
// slot's slice of hash as counter.
func GenerateMiddleKeys(hash []byte) (*rpc.MiddleKeys, error) {
	if err := checkBlockHash(hash); err != nil {
		return nil, err
	}

	mk := &rpc.MiddleKeys{
		Keys:          make([]byte, 0, middleKeysSize),
		EncryptedKeys: make([]byte, 0, middleKeysSize),
	}
	for i := 0; i < ShardCount; i++ {
		middle, err := dmcrypto.GenerateSymmetricKey()
		if err != nil {
			return nil, err
		}
		root, err := dmcrypto.RandomBytes(dmcrypto.KeySize)
		if err != nil {
			return nil, err
		}
		encRoot, err := middle.XOR(counterSlot(hash, i), root)
		dmcrypto.Zero(root)
		if err != nil {
			return nil, err
		}
		mk.Keys = append(mk.Keys, middle.Bytes()...)
		mk.EncryptedKeys = append(mk.EncryptedKeys, encRoot...)
		middle.Zero()
	}
	return mk, nil
}

// DeriveRootShards unlocks the root shards from the middle key material.
func DeriveRootShards(hash []byte, mk *rpc.MiddleKeys) (*RootShardSet, error) {
	if err := checkBlockHash(hash); err != nil {
		return nil, err
	}
	if mk == nil || len(mk.Keys) != middleKeysSize || len(mk.EncryptedKeys) != middleKeysSize {
		return nil, ErrInvalidMiddleKeys
	}

	const sz = dmcrypto.KeySize
	raw := make([][]byte, ShardCount)
	defer func() {
		for _, r := range raw {
			dmcrypto.Zero(r)
		}
	}()
	for i := 0; i < ShardCount; i++ {
		middle, err := dmcrypto.NewSymmetricKey(mk.Keys[i*sz : (i+1)*sz])
		if err != nil {
			return nil, err
		}
		raw[i], err = middle.XOR(counterSlot(hash, i), mk.EncryptedKeys[i*sz:(i+1)*sz])
		middle.Zero()
		if err != nil {
			return nil, err
		}
	}
	return NewRootShardSet(raw)
}

// MiddleKeysAPI is the server interface needed to derive the root shards.
type MiddleKeysAPI interface {
	GetMiddleKeys(ctx context.Context) (*rpc.MiddleKeys, error)
	PutMiddleKeys(ctx context.Context, mk rpc.MiddleKeys) (*rpc.MiddleKeys, error)
}

// DeriveShards fetches (creating if needed) the account's middle keys and
// derives the root shards for hash.
//
// Two devices may create middle keys concurrently. The material returned by
// the server after publishing is the one used, so the winner of that race is
// adopted by both. Every failure is returned as an InitError.
func DeriveShards(ctx context.Context, api MiddleKeysAPI, hash []byte, log slog.Logger) (*RootShardSet, error) {
	if log == nil {
		log = slog.Disabled
	}
	if err := checkBlockHash(hash); err != nil {
		return nil, InitError{Err: err}
	}

	mk, err := api.GetMiddleKeys(ctx)
	if errors.Is(err, rpc.ErrMiddleKeysNotFound) {
		log.Infof("Account has no middle keys. Creating new ones")
		var gen *rpc.MiddleKeys
		gen, err = GenerateMiddleKeys(hash)
		if err != nil {
			return nil, InitError{Err: err}
		}
		mk, err = api.PutMiddleKeys(ctx, *gen)
		if err == nil && len(mk.Keys) == 0 && len(mk.EncryptedKeys) == 0 {
			mk = gen
		}
	}
	if err != nil {
		return nil, InitError{Err: err}
	}

	shards, err := DeriveRootShards(hash, mk)
	if err != nil {
		return nil, InitError{Err: err}
	}
	log.Debugf("Derived %d root shards", shards.Len())
	return shards, nil
}
