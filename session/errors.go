// Copyright (c) 2016,2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"

	"github.com/companyzero/arlekin/rpc"
)

// TranslationKeyUnableToRead is the localization key of the marker displayed
// in place of messages that cannot be read.
const TranslationKeyUnableToRead = "encryptionUnableToRead"

var (
	// ErrSessionLocked is returned by operations that need key material
	// while the session is locked.
	ErrSessionLocked = errors.New("session is locked")

	// ErrAlreadyUnlocked is returned by Unlock on an unlocked session.
	ErrAlreadyUnlocked = errors.New("session is already unlocked")

	// ErrInvalidText is returned when sending text that is not valid
	// UTF-8.
	ErrInvalidText = errors.New("message text is not valid utf-8")

	// ErrOptimisticID is returned when a local message id is used where a
	// server assigned one is needed.
	ErrOptimisticID = errors.New("message id was not assigned by the server")

	// ErrNoStateDir is returned by operations on the persisted state when
	// the session has no state dir.
	ErrNoStateDir = errors.New("session has no state dir")

	errInvalidUTF8 = errors.New("plaintext is not valid utf-8")
	errNoKeyID     = errors.New("message has no encryption key id")
)

// TranslatableError is an error that has a localized marker.
type TranslatableError interface {
	error
	TranslationKey() string
}

// DecryptError is returned for messages whose key is available but whose
// contents cannot be decrypted. These messages are permanently unreadable.
type DecryptError struct {
	Channel rpc.ChannelID
	Message rpc.MessageID
	KeyID   rpc.EncryptionKeyID
	Err     error
}

func (err DecryptError) Error() string {
	return fmt.Sprintf("unable to decrypt message %d of channel %d with key %d: %v",
		err.Message, err.Channel, err.KeyID, err.Err)
}

func (err DecryptError) Unwrap() error {
	return err.Err
}

func (err DecryptError) Is(target error) bool {
	_, ok := target.(DecryptError)
	return ok
}

func (err DecryptError) TranslationKey() string {
	return TranslationKeyUnableToRead
}
