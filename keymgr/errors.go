package keymgr

import (
	"errors"
	"fmt"

	"github.com/companyzero/arlekin/rpc"
)

var (
	// ErrRotationDidNotConverge is returned when the current key of a
	// channel is still missing after the maximum number of rotations.
	ErrRotationDidNotConverge = errors.New("key rotation did not converge")

	// ErrNoRecipients is returned when a channel roster has no usable
	// public key.
	ErrNoRecipients = errors.New("channel has no usable recipient keys")

	// ErrDestroyed is returned by a manager after Destroy.
	ErrDestroyed = errors.New("key manager destroyed")
)

// KeyUnavailableError is returned when a specific historical key of a
// channel does not exist. Messages encrypted with it are permanently
// unreadable.
type KeyUnavailableError struct {
	Channel rpc.ChannelID
	KeyID   rpc.EncryptionKeyID
}

func (err KeyUnavailableError) Error() string {
	return fmt.Sprintf("encryption key %d of channel %d is unavailable",
		err.KeyID, err.Channel)
}

func (err KeyUnavailableError) Is(target error) bool {
	_, ok := target.(KeyUnavailableError)
	return ok
}

// UnwrapError is returned when a wrapped key exists but cannot be decrypted
// by this device.
type UnwrapError struct {
	Channel rpc.ChannelID
	KeyID   rpc.EncryptionKeyID
	Err     error
}

func (err UnwrapError) Error() string {
	return fmt.Sprintf("unable to unwrap key %d of channel %d: %v",
		err.KeyID, err.Channel, err.Err)
}

func (err UnwrapError) Unwrap() error {
	return err.Err
}

func (err UnwrapError) Is(target error) bool {
	_, ok := target.(UnwrapError)
	return ok
}

// TranslationKey is the localization key of the marker displayed in place of
// messages that cannot be read.
func (err KeyUnavailableError) TranslationKey() string {
	return "encryptionUnableToRead"
}
