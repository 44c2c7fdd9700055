// Copyright (c) 2016,2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/companyzero/arlekin/internal/jsonfile"
	"github.com/companyzero/arlekin/rpc"
	"github.com/companyzero/arlekin/vault"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	stateFileName = "session.json"
	lockFileName  = "session.lock"
	rotationsName = "rotations.json"

	stateVersion = 1
)

// savedState is the unlock state persisted in the state dir.
type savedState struct {
	Version   int       `json:"version"`
	BlockHash []byte    `json:"blockHash"`
	SavedAt   time.Time `json:"savedAt"`
}

// savedRotations are the channels queued for rotation and not yet rotated.
type savedRotations struct {
	Channels []rpc.ChannelID `json:"channels"`
}

func (s *Session) statePath() string {
	return filepath.Join(s.cfg.StateDir, stateFileName)
}

func (s *Session) lockPath() string {
	return filepath.Join(s.cfg.StateDir, lockFileName)
}

func (s *Session) saveState(hash []byte) error {
	st := savedState{
		Version:   stateVersion,
		BlockHash: hash,
		SavedAt:   time.Now().UTC(),
	}
	if err := jsonfile.Write(s.statePath(), st, s.log); err != nil {
		return fmt.Errorf("unable to save session state: %w", err)
	}
	return nil
}

// loadState returns the persisted block hash. It returns jsonfile.ErrNotFound
// when there is no saved state.
func (s *Session) loadState() ([]byte, error) {
	st, err := jsonfile.Read[savedState](s.statePath())
	if err != nil {
		return nil, err
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported session state version %d", st.Version)
	}
	if len(st.BlockHash) != vault.EncryptionBlockHashSize {
		return nil, vault.ErrInvalidBlockHash
	}
	return st.BlockHash, nil
}

func (s *Session) rotationsPath() string {
	return filepath.Join(s.cfg.StateDir, rotationsName)
}

// savePendingLocked persists the rotation queue. It must be called with
// pendingMtx held.
func (s *Session) savePendingLocked() {
	if s.cfg.StateDir == "" {
		return
	}
	var err error
	if len(s.pending) == 0 {
		err = jsonfile.RemoveIfExists(s.rotationsPath())
	} else {
		chans := maps.Keys(s.pending)
		slices.Sort(chans)
		err = jsonfile.Write(s.rotationsPath(), savedRotations{Channels: chans}, s.log)
	}
	if err != nil {
		s.log.Warnf("Unable to save rotation queue: %v", err)
	}
}

// loadPending returns the persisted rotation queue.
func (s *Session) loadPending() ([]rpc.ChannelID, error) {
	saved, err := jsonfile.Read[savedRotations](s.rotationsPath())
	if errors.Is(err, jsonfile.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load rotation queue: %w", err)
	}
	return saved.Channels, nil
}

func (s *Session) removeState() error {
	if err := jsonfile.RemoveIfExists(s.rotationsPath()); err != nil {
		return err
	}
	return jsonfile.RemoveIfExists(s.statePath())
}
