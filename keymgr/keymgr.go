// Package keymgr manages the symmetric keys that encrypt the messages of
// direct channels.
//
// Keys are generated by whichever participant first needs one, wrapped for
// every device block in the channel roster and published. Each device
// resolves keys lazily by id. The id 0 (rpc.LatestKeyID) resolves to the
// current key of the channel, creating one when none exists.
package keymgr

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/companyzero/arlekin/internal/flight"
	"github.com/companyzero/arlekin/lrucache"
	"github.com/companyzero/arlekin/rpc"
	"github.com/companyzero/arlekin/vault"
	"github.com/decred/slog"
)

const (
	defaultMessageKeyCacheSize = 512
	defaultLastUsedCacheSize   = 512
	defaultMaxRotationAttempts = 3
)

// API is the server interface used by the manager.
type API interface {
	GetEncryptedKey(ctx context.Context, ch rpc.ChannelID, id rpc.EncryptionKeyID) (*rpc.EncryptedKey, error)
	GetPublicKeys(ctx context.Context, ch rpc.ChannelID) ([]rpc.PublicKey, error)
	PutEncryptionKeys(ctx context.Context, keys rpc.PutEncryptionKeys) (*rpc.PutEncryptionKeysReply, error)
}

// Vault provides the device identity keys.
type Vault interface {
	PublishNewBlock(ctx context.Context, ch rpc.ChannelID) (rpc.EncryptionBlockID, bool, error)
	PrivateKey(ctx context.Context, ch rpc.ChannelID, block rpc.EncryptionBlockID) (*rsa.PrivateKey, error)
}

// Config is the configuration of a Manager.
type Config struct {
	API   API
	Vault Vault

	// MessageKeyCacheSize is the number of unwrapped keys kept in memory.
	MessageKeyCacheSize int

	// LastUsedCacheSize is the number of channels for which the current
	// key id is remembered.
	LastUsedCacheSize int

	// MaxRotationAttempts bounds the number of rotations performed while
	// resolving the current key of a channel.
	MaxRotationAttempts int

	// LatestKeyMaxAge is how long the remembered current key of a channel
	// is used before asking the server again. Zero means until evicted.
	LatestKeyMaxAge time.Duration

	// Now replaces time.Now. Used in tests.
	Now func() time.Time

	Log slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.MessageKeyCacheSize == 0 {
		cfg.MessageKeyCacheSize = defaultMessageKeyCacheSize
	}
	if cfg.LastUsedCacheSize == 0 {
		cfg.LastUsedCacheSize = defaultLastUsedCacheSize
	}
	if cfg.MaxRotationAttempts == 0 {
		cfg.MaxRotationAttempts = defaultMaxRotationAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
}

// Key is one generation of a channel's message key.
type Key struct {
	ID      rpc.EncryptionKeyID
	Channel rpc.ChannelID

	// Block is the encryption block the key was wrapped for when it was
	// fetched from the server.
	Block rpc.EncryptionBlockID

	key *dmcrypto.SymmetricKey
}

// Encrypt encrypts plaintext with a fresh nonce.
func (k *Key) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	return dmcrypto.EncryptMessage(k.key, plaintext)
}

// Decrypt decrypts ciphertext encrypted with nonce.
func (k *Key) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	return dmcrypto.DecryptMessage(k.key, nonce, ciphertext)
}

// Bytes returns a copy of the raw key.
func (k *Key) Bytes() []byte {
	return k.key.Bytes()
}

type cacheKey struct {
	ch rpc.ChannelID
	id rpc.EncryptionKeyID
}

// Stats are the counters of a Manager.
type Stats struct {
	Fetches            uint64
	Rotations          uint64
	RotationsAbandoned uint64
	KeyCache           lrucache.Stats
}

// Manager resolves, rotates and caches channel message keys. It is safe for
// concurrent use. Concurrent fetches of the same key and concurrent rotations
// of the same channel are collapsed, with each caller bound by its own
// context.
type Manager struct {
	cfg Config
	log slog.Logger

	keys     *lrucache.Cache[cacheKey, *Key]
	lastUsed *lrucache.Cache[rpc.ChannelID, rpc.EncryptionKeyID]

	resolveGroup flight.Group[*Key]
	rotateGroup  flight.Group[*Key]

	// mtx is held while keys are stored and while they are wiped.
	mtx       sync.Mutex
	destroyed bool

	fetches            atomic.Uint64
	rotations          atomic.Uint64
	rotationsAbandoned atomic.Uint64
}

// New returns a new manager.
func New(cfg Config) (*Manager, error) {
	cfg.setDefaults()
	if cfg.API == nil || cfg.Vault == nil {
		return nil, errors.New("key manager API and vault must be specified")
	}
	if cfg.MaxRotationAttempts < 0 {
		return nil, fmt.Errorf("invalid max rotation attempts %d", cfg.MaxRotationAttempts)
	}

	lastUsedOpts := []lrucache.Option[rpc.ChannelID, rpc.EncryptionKeyID]{
		lrucache.WithClock[rpc.ChannelID, rpc.EncryptionKeyID](cfg.Now),
	}
	if cfg.LatestKeyMaxAge > 0 {
		lastUsedOpts = append(lastUsedOpts,
			lrucache.WithMaxAge[rpc.ChannelID, rpc.EncryptionKeyID](cfg.LatestKeyMaxAge))
	}

	return &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		keys:     lrucache.New[cacheKey, *Key](cfg.MessageKeyCacheSize),
		lastUsed: lrucache.New[rpc.ChannelID, rpc.EncryptionKeyID](cfg.LastUsedCacheSize, lastUsedOpts...),
	}, nil
}

func (m *Manager) isDestroyed() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.destroyed
}

// cached returns the cached key for (ch, id) or nil.
func (m *Manager) cached(ch rpc.ChannelID, id rpc.EncryptionKeyID) *Key {
	if id.IsLatest() {
		var ok bool
		if id, ok = m.lastUsed.Get(ch); !ok {
			return nil
		}
	}
	k, _ := m.keys.Get(cacheKey{ch: ch, id: id})
	return k
}

// store caches k. When latest is true or k is newer than the remembered
// current key of the channel, k becomes the current key. If the manager was
// destroyed, k is wiped instead and ErrDestroyed returned.
func (m *Manager) store(k *Key, latest bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.destroyed {
		k.key.Zero()
		return ErrDestroyed
	}

	m.keys.Put(cacheKey{ch: k.Channel, id: k.ID}, k)
	if !latest {
		last, ok := m.lastUsed.Peek(k.Channel)
		latest = ok && k.ID > last
	}
	if latest {
		m.lastUsed.Put(k.Channel, k.ID)
	}
	return nil
}

// fetch fetches and unwraps key id from the server.
func (m *Manager) fetch(ctx context.Context, ch rpc.ChannelID, id rpc.EncryptionKeyID) (*Key, error) {
	m.fetches.Add(1)
	ek, err := m.cfg.API.GetEncryptedKey(ctx, ch, id)
	if err != nil {
		return nil, err
	}

	priv, err := m.cfg.Vault.PrivateKey(ctx, ch, ek.EncryptionBlockID)
	if errors.Is(err, vault.UnsealError{}) {
		return nil, UnwrapError{Channel: ch, KeyID: ek.EncryptionKeyID, Err: err}
	}
	if err != nil {
		return nil, err
	}
	sk, err := dmcrypto.UnwrapKey(priv, ek.EncryptedKey)
	if err != nil {
		return nil, UnwrapError{Channel: ch, KeyID: ek.EncryptionKeyID, Err: err}
	}

	k := &Key{ID: ek.EncryptionKeyID, Channel: ch, Block: ek.EncryptionBlockID, key: sk}
	if err := m.store(k, id.IsLatest()); err != nil {
		return nil, err
	}
	m.log.Debugf("Fetched key %d of channel %d (block %d)", k.ID, ch,
		ek.EncryptionBlockID)
	return k, nil
}

// fetchShared collapses concurrent fetches of the same key.
func (m *Manager) fetchShared(ctx context.Context, ch rpc.ChannelID, id rpc.EncryptionKeyID) (*Key, error) {
	return m.resolveGroup.Do(ctx, fmt.Sprintf("%d/%d", ch, id), func(ctx context.Context) (*Key, error) {
		if k := m.cached(ch, id); k != nil {
			return k, nil
		}
		return m.fetch(ctx, ch, id)
	})
}

// ResolveKey returns key id of the channel. The id rpc.LatestKeyID returns
// the current key, rotating (creating) one if the channel has none.
//
// A missing historical key returns KeyUnavailableError. A key that exists but
// cannot be unwrapped returns UnwrapError. Neither is retried.
func (m *Manager) ResolveKey(ctx context.Context, ch rpc.ChannelID, id rpc.EncryptionKeyID) (*Key, error) {
	for attempt := 0; ; attempt++ {
		if m.isDestroyed() {
			return nil, ErrDestroyed
		}
		if k := m.cached(ch, id); k != nil {
			return k, nil
		}

		k, err := m.fetchShared(ctx, ch, id)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, rpc.ErrKeyNotFound) {
			return nil, err
		}
		if !id.IsLatest() {
			return nil, KeyUnavailableError{Channel: ch, KeyID: id}
		}
		if attempt >= m.cfg.MaxRotationAttempts {
			return nil, fmt.Errorf("%w: channel %d after %d rotations",
				ErrRotationDidNotConverge, ch, attempt)
		}

		m.log.Debugf("Channel %d has no current key (attempt %d)", ch, attempt+1)
		if _, _, err := m.RotateKey(ctx, ch); err != nil {
			return nil, err
		}
	}
}

// RotateKey creates a new current key for the channel and publishes it
// wrapped for every block of the channel roster. An encryption block for
// this device is published first, in case it has none in the channel yet.
//
// If the server reports a key was created too recently, the rotation is
// abandoned and (nil, false, nil) is returned. Callers should then resolve
// the current key again. Concurrent rotations of the same channel are
// collapsed into one.
func (m *Manager) RotateKey(ctx context.Context, ch rpc.ChannelID) (*Key, bool, error) {
	if m.isDestroyed() {
		return nil, false, ErrDestroyed
	}
	k, err := m.rotateGroup.Do(ctx, ch.String(), func(ctx context.Context) (*Key, error) {
		return m.rotate(ctx, ch)
	})
	if err != nil {
		return nil, false, err
	}
	return k, k != nil, nil
}

func (m *Manager) rotate(ctx context.Context, ch rpc.ChannelID) (*Key, error) {
	if _, _, err := m.cfg.Vault.PublishNewBlock(ctx, ch); err != nil {
		return nil, err
	}

	roster, err := m.cfg.API.GetPublicKeys(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch public keys: %w", err)
	}

	sk, err := dmcrypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	keyData := make([]rpc.KeyData, 0, len(roster))
	for _, entry := range roster {
		pub, err := dmcrypto.ParsePublicKey(entry.PublicKey)
		if err != nil {
			m.log.Warnf("Skipping invalid public key of block %d in "+
				"channel %d: %v", entry.EncryptionBlockID, ch, err)
			continue
		}
		wrapped, err := dmcrypto.WrapKey(pub, sk)
		if err != nil {
			sk.Zero()
			return nil, err
		}
		keyData = append(keyData, rpc.KeyData{
			EncryptionBlockID: entry.EncryptionBlockID,
			EncryptedKey:      wrapped,
		})
	}
	if len(keyData) == 0 {
		sk.Zero()
		return nil, ErrNoRecipients
	}

	reply, err := m.cfg.API.PutEncryptionKeys(ctx, rpc.PutEncryptionKeys{
		DirectChannelID: ch,
		KeyData:         keyData,
	})
	if errors.Is(err, rpc.ErrTooFast) {
		sk.Zero()
		m.rotationsAbandoned.Add(1)
		m.log.Debugf("Rotation of channel %d abandoned: key created too recently", ch)
		return nil, nil
	}
	if err != nil {
		sk.Zero()
		return nil, fmt.Errorf("unable to publish encryption key: %w", err)
	}

	k := &Key{ID: reply.EncryptionKeyID, Channel: ch, Block: reply.EncryptionBlockID, key: sk}
	if err := m.store(k, true); err != nil {
		return nil, err
	}
	m.rotations.Add(1)
	m.log.Infof("Rotated channel %d to key %d (%d recipients)", ch, k.ID,
		len(keyData))
	return k, nil
}

// ForgetLatest drops the remembered current key of the channel so the next
// resolution of rpc.LatestKeyID asks the server.
func (m *Manager) ForgetLatest(ch rpc.ChannelID) {
	m.lastUsed.Remove(ch)
}

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Fetches:            m.fetches.Load(),
		Rotations:          m.rotations.Load(),
		RotationsAbandoned: m.rotationsAbandoned.Load(),
		KeyCache:           m.keys.Stats(),
	}
}

// Destroy wipes every cached key, including the ones fetched or rotated by
// calls still in progress. The manager is unusable afterwards.
func (m *Manager) Destroy() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.destroyed = true
	m.keys.Purge(func(_ cacheKey, k *Key) { k.key.Zero() })
	m.lastUsed.Purge(nil)
}
