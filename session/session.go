// Copyright (c) 2016,2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session ties the vault, the key manager and the server client into
// the lifecycle of a logged in account: unlock, send and receive direct
// messages, rotate keys when the server asks for it and wipe every secret on
// teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/companyzero/arlekin/apiclient"
	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/companyzero/arlekin/internal/jsonfile"
	"github.com/companyzero/arlekin/internal/lockfile"
	"github.com/companyzero/arlekin/keymgr"
	"github.com/companyzero/arlekin/rpc"
	"github.com/companyzero/arlekin/vault"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// API is the server interface used by a session. It is implemented by
// *apiclient.Client.
type API interface {
	vault.MiddleKeysAPI
	vault.API
	keymgr.API

	GetMessages(ctx context.Context, ch rpc.ChannelID, before rpc.MessageID) ([]rpc.Message, error)
	PutMessage(ctx context.Context, msg rpc.PutMessage) (*rpc.PutMessageReply, error)
	AckMessages(ctx context.Context, ch rpc.ChannelID, lastRead rpc.MessageID) error
}

// Config is the configuration of a Session.
type Config struct {
	API API

	// StateDir is where the unlock state is persisted. When empty,
	// nothing is persisted and TryLoad never unlocks.
	StateDir string

	// RSABits is the size of new identity keys.
	RSABits int

	PrivateKeyCacheSize int
	MessageKeyCacheSize int
	LastUsedCacheSize   int
	MaxRotationAttempts int
	LatestKeyMaxAge     time.Duration

	// StatsInterval is the interval between stats log lines printed by
	// Run. Zero disables them.
	StatsInterval time.Duration

	// Registerer is where the session metrics are registered. May be nil.
	Registerer prometheus.Registerer

	// Logger is a function that generates loggers for each of the
	// session's subsystems.
	Logger func(subsys string) slog.Logger
}

func (cfg *Config) logger(subsys string) slog.Logger {
	if cfg.Logger == nil {
		return slog.Disabled
	}
	return cfg.Logger(subsys)
}

// ChannelMessage is a received message. Exactly one of Text and Err is set.
type ChannelMessage struct {
	Channel rpc.ChannelID
	ID      rpc.MessageID
	Author  rpc.UserID
	KeyID   rpc.EncryptionKeyID
	Edited  bool
	Text    string

	// Err is set when the message could not be decrypted. It is either a
	// keymgr.KeyUnavailableError or a DecryptError when the message is
	// permanently unreadable. Other errors are transient.
	Err error
}

// Unreadable returns true if the message can never be decrypted.
func (m *ChannelMessage) Unreadable() bool {
	var terr TranslatableError
	return errors.As(m.Err, &terr)
}

// unlocked is the state that only exists while the session is unlocked.
type unlocked struct {
	vault *vault.Vault
	keys  *keymgr.Manager
	lock  *lockfile.LockFile
}

// Session is the key management session of one account. It is safe for
// concurrent use.
type Session struct {
	cfg   Config
	log   slog.Logger
	stats *stats

	// mtx guards st. Operations hold it for reading while they run,
	// Unlock and Teardown hold it for writing.
	mtx sync.RWMutex
	st  *unlocked

	// lastStats holds the counters of the last torn down manager.
	lastStats atomic.Pointer[Stats]

	pendingMtx sync.Mutex
	pending    map[rpc.ChannelID]struct{}
	pendingC   chan struct{}

	optimisticID atomic.Int64
}

// New returns a new locked session.
func New(cfg Config) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("session API not specified")
	}
	s := &Session{
		cfg:      cfg,
		log:      cfg.logger("SESS"),
		pending:  make(map[rpc.ChannelID]struct{}),
		pendingC: make(chan struct{}, 1),
	}
	s.lastStats.Store(&Stats{})
	s.stats = newStats(cfg.Registerer, s.Stats)
	return s, nil
}

// acquire returns the unlocked state with the read lock held. The caller
// must call s.mtx.RUnlock() when err is nil.
func (s *Session) acquire() (*unlocked, error) {
	s.mtx.RLock()
	if s.st == nil {
		s.mtx.RUnlock()
		return nil, ErrSessionLocked
	}
	return s.st, nil
}

// IsUnlocked returns true if the session holds key material.
func (s *Session) IsUnlocked() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.st != nil
}

// Unlock derives the root shards of the account from the encryption block
// hash and makes the session ready to send and receive messages. When the
// session has a state dir, the dir is locked and the hash is persisted.
func (s *Session) Unlock(ctx context.Context, hash []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.st != nil {
		return ErrAlreadyUnlocked
	}

	var lock *lockfile.LockFile
	if s.cfg.StateDir != "" {
		var err error
		if lock, err = lockfile.Create(ctx, s.lockPath()); err != nil {
			return fmt.Errorf("unable to lock state dir: %w", err)
		}
	}
	releaseLock := func() {
		if lock == nil {
			return
		}
		if err := lock.Close(); err != nil {
			s.log.Warnf("Unable to release lock file: %v", err)
		}
	}

	shards, err := vault.DeriveShards(ctx, s.cfg.API, hash, s.cfg.logger("VALT"))
	if err != nil {
		releaseLock()
		return err
	}
	v, err := vault.New(vault.Config{
		API:                 s.cfg.API,
		Shards:              shards,
		RSABits:             s.cfg.RSABits,
		PrivateKeyCacheSize: s.cfg.PrivateKeyCacheSize,
		Log:                 s.cfg.logger("VALT"),
	})
	if err != nil {
		shards.Destroy()
		releaseLock()
		return err
	}
	keys, err := keymgr.New(keymgr.Config{
		API:                 s.cfg.API,
		Vault:               v,
		MessageKeyCacheSize: s.cfg.MessageKeyCacheSize,
		LastUsedCacheSize:   s.cfg.LastUsedCacheSize,
		MaxRotationAttempts: s.cfg.MaxRotationAttempts,
		LatestKeyMaxAge:     s.cfg.LatestKeyMaxAge,
		Log:                 s.cfg.logger("KMGR"),
	})
	if err != nil {
		v.Destroy()
		releaseLock()
		return err
	}

	var queued []rpc.ChannelID
	if lock != nil {
		if err := s.saveState(hash); err != nil {
			keys.Destroy()
			v.Destroy()
			releaseLock()
			return err
		}
		if queued, err = s.loadPending(); err != nil {
			s.log.Warnf("%v", err)
		}
	}

	s.st = &unlocked{vault: v, keys: keys, lock: lock}
	s.log.Infof("Session unlocked")
	if len(queued) > 0 {
		s.pendingMtx.Lock()
		for _, ch := range queued {
			s.pending[ch] = struct{}{}
		}
		s.pendingMtx.Unlock()
		s.log.Infof("Restored %d queued rotations", len(queued))
		s.wakeRotations()
	}
	return nil
}

// UnlockWithPassword derives the encryption block hash from the password and
// the account salt and unlocks the session with it.
func (s *Session) UnlockWithPassword(ctx context.Context, password []byte, salt int64) error {
	hash := dmcrypto.DeriveEncryptionBlockHash(password, salt)
	defer dmcrypto.Zero(hash)
	return s.Unlock(ctx, hash)
}

// TryLoad unlocks the session from the state persisted by a previous Unlock.
// It returns false if there is no saved state.
func (s *Session) TryLoad(ctx context.Context) (bool, error) {
	if s.cfg.StateDir == "" {
		return false, nil
	}
	hash, err := s.loadState()
	if errors.Is(err, jsonfile.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer dmcrypto.Zero(hash)
	if err := s.Unlock(ctx, hash); err != nil {
		return false, err
	}
	return true, nil
}

// Teardown wipes every secret held in memory and returns the session to the
// locked state. It waits for running operations to finish. Persisted state
// is kept.
func (s *Session) Teardown() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.st == nil {
		return
	}

	last := s.snapshot(s.st)
	s.lastStats.Store(&last)
	s.st.keys.Destroy()
	s.st.vault.Destroy()
	if s.st.lock != nil {
		if err := s.st.lock.Close(); err != nil {
			s.log.Warnf("Unable to release lock file: %v", err)
		}
	}
	s.st = nil

	s.pendingMtx.Lock()
	clear(s.pending)
	s.pendingMtx.Unlock()
	s.log.Infof("Session locked")
}

// Logout tears down the session and removes the persisted state, including
// the rotation queue.
func (s *Session) Logout() error {
	s.Teardown()
	if s.cfg.StateDir == "" {
		return nil
	}
	return s.removeState()
}

// Send encrypts text with the current key of the channel, creating one if
// needed, and stores it in the server. It returns the id assigned by the
// server.
//
// When the server asks for the key to be replaced, the rotation is queued and
// performed by Run or RotatePending. The queue is persisted in the state dir,
// so a later session of the same account performs it when unlocked.
func (s *Session) Send(ctx context.Context, ch rpc.ChannelID, text string) (rpc.MessageID, error) {
	if !utf8.ValidString(text) {
		return 0, ErrInvalidText
	}
	st, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer s.mtx.RUnlock()

	// A second attempt is done if the remembered current key was unknown
	// to the server.
	for attempt := 0; ; attempt++ {
		k, err := st.keys.ResolveKey(ctx, ch, rpc.LatestKeyID)
		if err != nil {
			return 0, err
		}
		nonce, ct, err := k.Encrypt([]byte(text))
		if err != nil {
			return 0, err
		}

		reply, err := s.cfg.API.PutMessage(ctx, rpc.PutMessage{
			DirectChannelID: ch,
			EncryptionKeyID: k.ID,
			Nonce:           nonce,
			EncryptedText:   ct,
		})
		if errors.Is(err, rpc.ErrKeyNotFound) && attempt == 0 {
			s.log.Warnf("Server rejected key %d of channel %d", k.ID, ch)
			st.keys.ForgetLatest(ch)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("unable to send message: %w", err)
		}

		s.stats.sent()
		if reply.SendNewEncryptionKey {
			s.queueRotation(ch)
		}
		s.log.Debugf("Sent message %d to channel %d with key %d",
			reply.DirectMessageID, ch, k.ID)
		return reply.DirectMessageID, nil
	}
}

// NextOptimisticID returns a new local id for a message that is being sent.
// Local ids are negative and never repeat.
func (s *Session) NextOptimisticID() rpc.MessageID {
	return rpc.MessageID(-s.optimisticID.Add(1))
}

func (s *Session) queueRotation(ch rpc.ChannelID) {
	s.pendingMtx.Lock()
	_, dup := s.pending[ch]
	s.pending[ch] = struct{}{}
	if !dup {
		s.savePendingLocked()
	}
	s.pendingMtx.Unlock()
	if dup {
		return
	}

	s.stats.rotationQueued()
	s.log.Debugf("Queued rotation of channel %d", ch)
	select {
	case s.pendingC <- struct{}{}:
	default:
	}
}

// PendingRotations returns the channels queued for rotation.
func (s *Session) PendingRotations() []rpc.ChannelID {
	s.pendingMtx.Lock()
	defer s.pendingMtx.Unlock()
	return maps.Keys(s.pending)
}

// RotatePending rotates the key of every channel queued for rotation.
// Channels whose rotation fails are queued again and the last error is
// returned. The persisted queue is updated once every rotation was tried.
func (s *Session) RotatePending(ctx context.Context) error {
	st, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.mtx.RUnlock()

	s.pendingMtx.Lock()
	chans := maps.Keys(s.pending)
	clear(s.pending)
	s.pendingMtx.Unlock()

	var lastErr error
	for _, ch := range chans {
		k, rotated, err := st.keys.RotateKey(ctx, ch)
		switch {
		case err != nil:
			s.log.Warnf("Unable to rotate key of channel %d: %v", ch, err)
			s.pendingMtx.Lock()
			s.pending[ch] = struct{}{}
			s.pendingMtx.Unlock()
			lastErr = err
		case rotated:
			s.log.Debugf("Channel %d rotated to key %d", ch, k.ID)
		default:
			s.log.Debugf("Rotation of channel %d skipped: key is recent", ch)
		}
	}

	s.pendingMtx.Lock()
	s.savePendingLocked()
	s.pendingMtx.Unlock()
	return lastErr
}

// Rotate replaces the current key of the channel now. It returns false if the
// server refused because the current key is too recent.
func (s *Session) Rotate(ctx context.Context, ch rpc.ChannelID) (rpc.EncryptionKeyID, bool, error) {
	st, err := s.acquire()
	if err != nil {
		return 0, false, err
	}
	defer s.mtx.RUnlock()

	k, rotated, err := st.keys.RotateKey(ctx, ch)
	if err != nil || !rotated {
		return 0, false, err
	}
	return k.ID, true, nil
}

// Run performs the queued rotations and prints the session stats until ctx
// is done.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-s.pendingC:
			}
			err := s.RotatePending(gctx)
			if errors.Is(err, ErrSessionLocked) || errors.Is(err, keymgr.ErrDestroyed) {
				continue
			}
			if err != nil && gctx.Err() == nil {
				// Retry failed rotations later.
				select {
				case <-gctx.Done():
				case <-time.After(time.Second):
					s.wakeRotations()
				}
			}
		}
	})
	if s.cfg.StatsInterval > 0 {
		g.Go(func() error {
			return s.stats.runPrinter(gctx, s.cfg.StatsInterval, s.Stats, s.log)
		})
	}
	return g.Wait()
}

func (s *Session) wakeRotations() {
	s.pendingMtx.Lock()
	n := len(s.pending)
	s.pendingMtx.Unlock()
	if n == 0 {
		return
	}
	select {
	case s.pendingC <- struct{}{}:
	default:
	}
}

// receive decrypts msg. The read lock must be held.
func (s *Session) receive(ctx context.Context, st *unlocked, ch rpc.ChannelID, msg rpc.Message) ChannelMessage {
	cm := ChannelMessage{
		Channel: ch,
		ID:      msg.DirectMessageID,
		Author:  msg.AuthorUserID,
		KeyID:   msg.EncryptionKeyID,
		Edited:  msg.Edited,
	}
	decryptErr := func(err error) DecryptError {
		return DecryptError{Channel: ch, Message: msg.DirectMessageID,
			KeyID: msg.EncryptionKeyID, Err: err}
	}

	if msg.EncryptionKeyID.IsLatest() {
		cm.Err = decryptErr(errNoKeyID)
		s.stats.received(false)
		return cm
	}

	k, err := st.keys.ResolveKey(ctx, ch, msg.EncryptionKeyID)
	var pt []byte
	switch {
	case errors.Is(err, keymgr.UnwrapError{}):
		err = decryptErr(err)
	case err != nil:
	default:
		pt, err = k.Decrypt(msg.Nonce, msg.EncryptedText)
		if err != nil {
			err = decryptErr(err)
		} else if !utf8.Valid(pt) {
			err = decryptErr(errInvalidUTF8)
		}
	}
	if err != nil {
		cm.Err = err
		s.stats.received(false)
		s.log.Debugf("Unable to read message %d of channel %d: %v",
			msg.DirectMessageID, ch, err)
		return cm
	}

	cm.Text = string(pt)
	s.stats.received(true)
	return cm
}

// Receive decrypts a message of the channel. Failures are reported in the
// Err field of the returned message.
func (s *Session) Receive(ctx context.Context, ch rpc.ChannelID, msg rpc.Message) ChannelMessage {
	st, err := s.acquire()
	if err != nil {
		return ChannelMessage{Channel: ch, ID: msg.DirectMessageID,
			Author: msg.AuthorUserID, KeyID: msg.EncryptionKeyID, Err: err}
	}
	defer s.mtx.RUnlock()
	return s.receive(ctx, st, ch, msg)
}

// ReceiveNotification decodes and decrypts the payload of a new message
// notification pushed by the server.
func (s *Session) ReceiveNotification(ctx context.Context, payload []byte) (ChannelMessage, error) {
	var n rpc.ReceivedDirectMessage
	if err := json.Unmarshal(payload, &n); err != nil {
		return ChannelMessage{}, fmt.Errorf("unable to decode notification: %w", err)
	}
	if n.DirectChannelID == 0 || n.DirectMessageID <= 0 {
		return ChannelMessage{}, fmt.Errorf("invalid notification for message %d "+
			"of channel %d", n.DirectMessageID, n.DirectChannelID)
	}
	return s.Receive(ctx, n.DirectChannelID, n.Message()), nil
}

// FetchMessages fetches and decrypts a page of the channel history. Only
// messages older than before are returned. A zero before returns the most
// recent page. Messages are sorted from oldest to newest.
func (s *Session) FetchMessages(ctx context.Context, ch rpc.ChannelID, before rpc.MessageID) ([]ChannelMessage, error) {
	if before.IsOptimistic() {
		return nil, ErrOptimisticID
	}
	st, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer s.mtx.RUnlock()

	msgs, err := s.cfg.API.GetMessages(ctx, ch, before)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch messages: %w", err)
	}
	res := make([]ChannelMessage, len(msgs))
	for i := range msgs {
		res[i] = s.receive(ctx, st, ch, msgs[i])
	}
	return res, nil
}

// AckRead marks every message of the channel up to lastRead as read.
func (s *Session) AckRead(ctx context.Context, ch rpc.ChannelID, lastRead rpc.MessageID) error {
	if lastRead.IsOptimistic() {
		return ErrOptimisticID
	}
	return s.cfg.API.AckMessages(ctx, ch, lastRead)
}

func (s *Session) snapshot(st *unlocked) Stats {
	res := Stats{
		MessagesSent:     s.stats.msgsSentAtomic.Load(),
		MessagesReceived: s.stats.msgsRecvAtomic.Load(),
		Undecryptable:    s.stats.undecryptableAtomic.Load(),
		RotationsQueued:  s.stats.rotationsQueuedAtomic.Load(),
	}
	if api, ok := s.cfg.API.(interface{ Stats() apiclient.Stats }); ok {
		as := api.Stats()
		res.Requests, res.Retries = as.Requests, as.Retries
	}
	if st == nil {
		last := s.lastStats.Load()
		res.Rotations = last.Rotations
		res.RotationsAbandoned = last.RotationsAbandoned
		res.KeyCacheHits, res.KeyCacheMisses = last.KeyCacheHits, last.KeyCacheMisses
		res.PrivKeyCacheHits, res.PrivKeyCacheMisses = last.PrivKeyCacheHits, last.PrivKeyCacheMisses
		return res
	}
	ks := st.keys.Stats()
	vs := st.vault.CacheStats()
	res.Rotations = ks.Rotations
	res.RotationsAbandoned = ks.RotationsAbandoned
	res.KeyCacheHits, res.KeyCacheMisses = ks.KeyCache.Hits, ks.KeyCache.Misses
	res.PrivKeyCacheHits, res.PrivKeyCacheMisses = vs.Hits, vs.Misses
	return res
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.snapshot(s.st)
}
