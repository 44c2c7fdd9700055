// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault owns the device identity keys. Private keys are only kept
// in memory in decrypted form. At rest they are sealed under the root
// shards, which are derived from the account password and the server held
// middle keys.
package vault

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/companyzero/arlekin/internal/flight"
	"github.com/companyzero/arlekin/lrucache"
	"github.com/companyzero/arlekin/rpc"
	"github.com/decred/slog"
)

const defaultPrivateKeyCacheSize = 100

// UnsealError is returned when a sealed private key fetched from the server
// cannot be decrypted or decoded.
type UnsealError struct {
	Block rpc.EncryptionBlockID
	Err   error
}

func (err UnsealError) Error() string {
	return fmt.Sprintf("unable to unseal private key of block %d: %v", err.Block, err.Err)
}

func (err UnsealError) Unwrap() error {
	return err.Err
}

func (err UnsealError) Is(target error) bool {
	_, ok := target.(UnsealError)
	return ok
}

// API is the server interface used by the vault.
type API interface {
	PutEncryptionBlock(ctx context.Context, block rpc.PutEncryptionBlock) (rpc.EncryptionBlockID, error)
	GetPrivateKey(ctx context.Context, ch rpc.ChannelID, block rpc.EncryptionBlockID) (*rpc.SealedPrivateKey, error)
}

// Config is the configuration of a Vault.
type Config struct {
	API    API
	Shards *RootShardSet

	// RSABits is the size of new identity keys. Defaults to
	// dmcrypto.DefaultRSABits.
	RSABits int

	// PrivateKeyCacheSize is the number of decrypted private keys kept in
	// memory.
	PrivateKeyCacheSize int

	Log slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.RSABits == 0 {
		cfg.RSABits = dmcrypto.DefaultRSABits
	}
	if cfg.PrivateKeyCacheSize == 0 {
		cfg.PrivateKeyCacheSize = defaultPrivateKeyCacheSize
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
}

// Vault seals, unseals and caches device private keys. It is safe for
// concurrent use.
type Vault struct {
	cfg  Config
	log  slog.Logger
	keys *lrucache.Cache[rpc.EncryptionBlockID, *rsa.PrivateKey]
	sf   flight.Group[*rsa.PrivateKey]

	// mtx is held while the shards are used, while keys are stored and
	// while both are wiped.
	mtx       sync.Mutex
	destroyed bool
}

// New returns a new vault that seals keys with cfg.Shards.
func New(cfg Config) (*Vault, error) {
	cfg.setDefaults()
	if cfg.API == nil {
		return nil, errors.New("vault API not specified")
	}
	if cfg.Shards == nil || cfg.Shards.Len() != ShardCount {
		return nil, ErrShardsDestroyed
	}
	if cfg.RSABits < dmcrypto.MinRSABits {
		return nil, fmt.Errorf("rsa key size %d is too small", cfg.RSABits)
	}
	return &Vault{
		cfg:  cfg,
		log:  cfg.Log,
		keys: lrucache.New[rpc.EncryptionBlockID, *rsa.PrivateKey](cfg.PrivateKeyCacheSize),
	}, nil
}

// seal seals priv under the root shards.
func (v *Vault) seal(priv *rsa.PrivateKey) (blob, nonce []byte, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.destroyed {
		return nil, nil, ErrShardsDestroyed
	}
	return SealPrivateKey(priv, v.cfg.Shards)
}

// unseal unseals and caches the private key of block.
func (v *Vault) unseal(block rpc.EncryptionBlockID, sealed *rpc.SealedPrivateKey) (*rsa.PrivateKey, error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.destroyed {
		return nil, ErrShardsDestroyed
	}
	priv, err := UnsealPrivateKey(sealed.EncryptedPrivateKey, sealed.Nonce, v.cfg.Shards)
	if err != nil {
		return nil, UnsealError{Block: block, Err: err}
	}
	v.keys.Put(block, priv)
	return priv, nil
}

// store caches priv. If the vault was destroyed, priv is wiped instead and
// ErrShardsDestroyed returned.
func (v *Vault) store(block rpc.EncryptionBlockID, priv *rsa.PrivateKey) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.destroyed {
		dmcrypto.ZeroRSAKey(priv)
		return ErrShardsDestroyed
	}
	v.keys.Put(block, priv)
	return nil
}

// PublishNewBlock generates a new identity keypair, seals its private key
// and publishes it for the channel. On success the private key is cached
// under the id assigned by the server.
//
// If the server reports a block was created too recently for the channel,
// this returns (0, false, nil).
func (v *Vault) PublishNewBlock(ctx context.Context, ch rpc.ChannelID) (rpc.EncryptionBlockID, bool, error) {
	priv, err := dmcrypto.GenerateRSAKey(v.cfg.RSABits)
	if err != nil {
		return 0, false, err
	}
	blob, nonce, err := v.seal(priv)
	if err != nil {
		dmcrypto.ZeroRSAKey(priv)
		return 0, false, err
	}
	pub, err := dmcrypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		dmcrypto.ZeroRSAKey(priv)
		return 0, false, err
	}

	id, err := v.cfg.API.PutEncryptionBlock(ctx, rpc.PutEncryptionBlock{
		DirectChannelID:     ch,
		PublicKey:           pub,
		Nonce:               nonce,
		EncryptedPrivateKey: blob,
	})
	if errors.Is(err, rpc.ErrTooFast) {
		v.log.Debugf("Encryption block for channel %d created too recently", ch)
		dmcrypto.ZeroRSAKey(priv)
		return 0, false, nil
	}
	if err != nil {
		dmcrypto.ZeroRSAKey(priv)
		return 0, false, fmt.Errorf("unable to publish encryption block: %w", err)
	}

	if err := v.store(id, priv); err != nil {
		return 0, false, err
	}
	v.log.Infof("Published encryption block %d for channel %d", id, ch)
	return id, true, nil
}

// PrivateKey returns the decrypted private key of one of this account's
// blocks, fetching and unsealing it if it is not cached. Concurrent calls
// for the same block share a single fetch, which is only canceled once every
// caller waiting for it is done.
func (v *Vault) PrivateKey(ctx context.Context, ch rpc.ChannelID, block rpc.EncryptionBlockID) (*rsa.PrivateKey, error) {
	if priv, ok := v.keys.Get(block); ok {
		return priv, nil
	}

	return v.sf.Do(ctx, strconv.FormatInt(int64(block), 10), func(ctx context.Context) (*rsa.PrivateKey, error) {
		if priv, ok := v.keys.Peek(block); ok {
			return priv, nil
		}

		sealed, err := v.cfg.API.GetPrivateKey(ctx, ch, block)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch private key of block %d: %w", block, err)
		}
		priv, err := v.unseal(block, sealed)
		if err != nil {
			return nil, err
		}
		v.log.Debugf("Unsealed private key of block %d", block)
		return priv, nil
	})
}

// CacheStats returns the counters of the private key cache.
func (v *Vault) CacheStats() lrucache.Stats {
	return v.keys.Stats()
}

// Destroy wipes every cached private key, including the ones being unsealed
// by calls still in progress, and the root shards. The vault is unusable
// afterwards.
func (v *Vault) Destroy() {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.destroyed = true
	v.keys.Purge(func(_ rpc.EncryptionBlockID, priv *rsa.PrivateKey) {
		dmcrypto.ZeroRSAKey(priv)
	})
	v.cfg.Shards.Destroy()
}
