// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// rpc contains all structures exchanged with the messaging server by the
// direct channel encryption core.
//
// All payloads are JSON. Binary fields are []byte and therefore travel as
// standard base64 strings.
package rpc

import "strconv"

// Server paths, relative to the API root (usually "/api/v1/").
const (
	PathGetMiddleKeys   = "channels/direct/encryption/getmiddlekeys"
	PathPutMiddleKeys   = "channels/direct/encryption/putmiddlekeys"
	PathEncryptionBlock = "channels/direct/encryption"
	PathGetPublicKeys   = "channels/direct/encryption/getpublickeys"
	PathGetPrivateKey   = "channels/direct/encryption/getprivatekey"
	PathGetEncryptedKey = "channels/direct/encryption/keys/getencryptedkey"
	PathEncryptionKeys  = "channels/direct/encryption/keys"
	PathMessages        = "channels/direct/messages"
	PathAckMessages     = "channels/direct/messages/ack"
	PathRefreshToken    = "accounts/auth/refreshtoken"

	QueryDirectChannelID       = "directChannelId"
	QueryBeforeDirectMessageID = "beforeDirectMessageId"
)

// UserID identifies an account.
type UserID int64

// ChannelID identifies a direct channel between two accounts.
type ChannelID int64

func (id ChannelID) String() string { return strconv.FormatInt(int64(id), 10) }

// EncryptionBlockID identifies one device's identity keypair. Ids are
// assigned by the server and scoped to the owning account.
type EncryptionBlockID int64

// EncryptionKeyID identifies one generation of a channel's message key.
type EncryptionKeyID int64

// LatestKeyID requests whatever key is current for the channel.
const LatestKeyID EncryptionKeyID = 0

// IsLatest returns true if id is the "current key" sentinel.
func (id EncryptionKeyID) IsLatest() bool { return id == LatestKeyID }

// MessageID identifies a direct message. Ids are increasing per channel.
type MessageID int64

// IsOptimistic returns true for locally generated ids of messages that the
// server has not acknowledged yet.
func (id MessageID) IsOptimistic() bool { return id < 0 }

func (id MessageID) String() string { return strconv.FormatInt(int64(id), 10) }

// Platform is the kind of device that published an encryption block.
type Platform uint32

const (
	PlatformNative Platform = 0
)

// MiddleKeys is the server persisted material used to unlock the root shards.
// Both fields are the concatenation of one 32 byte blob per shard slot.
type MiddleKeys struct {
	Keys          []byte `json:"keys"`
	EncryptedKeys []byte `json:"encryptedKeys"`
}

// PutEncryptionBlock publishes a new device keypair for a channel.
type PutEncryptionBlock struct {
	DirectChannelID     ChannelID `json:"directChannelId"`
	PublicKey           []byte    `json:"publicKey"`
	Nonce               []byte    `json:"nonce"`
	EncryptedPrivateKey []byte    `json:"encryptedPrivateKey"`
}

type PutEncryptionBlockReply struct {
	EncryptionBlockID EncryptionBlockID `json:"encryptionBlockId"`
}

type GetPublicKeys struct {
	DirectChannelID ChannelID `json:"directChannelId"`
}

// PublicKey is one entry of a channel's recipient roster.
type PublicKey struct {
	Platform          Platform          `json:"platform"`
	EncryptionBlockID EncryptionBlockID `json:"encryptionBlockId"`
	PublicKey         []byte            `json:"publicKey"`
}

type GetPublicKeysReply struct {
	PublicKeys []PublicKey `json:"publicKeys"`
}

type GetPrivateKey struct {
	DirectChannelID   ChannelID         `json:"directChannelId"`
	EncryptionBlockID EncryptionBlockID `json:"encryptionBlockId"`
}

// SealedPrivateKey is a device private key encrypted at rest.
type SealedPrivateKey struct {
	Nonce               []byte `json:"nonce"`
	EncryptedPrivateKey []byte `json:"encryptedPrivateKey"`
}

type GetEncryptedKey struct {
	DirectChannelID ChannelID       `json:"directChannelId"`
	EncryptionKeyID EncryptionKeyID `json:"encryptionKeyId"`
}

// EncryptedKey is a message key wrapped for one of the caller's blocks.
type EncryptedKey struct {
	EncryptionBlockID EncryptionBlockID `json:"encryptionBlockId"`
	EncryptionKeyID   EncryptionKeyID   `json:"encryptionKeyId"`
	EncryptedKey      []byte            `json:"encryptedKey"`
}

// KeyData is a message key wrapped for one recipient block.
type KeyData struct {
	EncryptionBlockID EncryptionBlockID `json:"encryptionBlockId"`
	EncryptedKey      []byte            `json:"encryptedKey"`
}

type PutEncryptionKeys struct {
	DirectChannelID ChannelID `json:"directChannelId"`
	KeyData         []KeyData `json:"keyData"`
}

type PutEncryptionKeysReply struct {
	EncryptionBlockID EncryptionBlockID `json:"encryptionBlockId"`
	EncryptionKeyID   EncryptionKeyID   `json:"encryptionKeyId"`
}

// Message is a direct message as stored by the server.
type Message struct {
	DirectMessageID MessageID       `json:"directMessageId"`
	AuthorUserID    UserID          `json:"authorUserId"`
	EncryptionKeyID EncryptionKeyID `json:"encryptionKeyId"`
	Nonce           []byte          `json:"nonce"`
	EncryptedText   []byte          `json:"encryptedText"`
	Edited          bool            `json:"edited"`
}

type GetMessagesReply struct {
	Messages []Message `json:"messages"`
}

type PutMessage struct {
	DirectChannelID ChannelID       `json:"directChannelId"`
	EncryptionKeyID EncryptionKeyID `json:"encryptionKeyId"`
	Nonce           []byte          `json:"nonce"`
	EncryptedText   []byte          `json:"encryptedText"`
}

type PutMessageReply struct {
	DirectMessageID MessageID `json:"directMessageId"`

	// SendNewEncryptionKey is set when the server wants the key used for
	// this message replaced.
	SendNewEncryptionKey bool `json:"sendNewEncryptionKey"`
}

type AckMessages struct {
	DirectChannelID         ChannelID `json:"directChannelId"`
	LastReadDirectMessageID MessageID `json:"lastReadDirectMessageId"`
}

// ReceivedDirectMessage is the payload of the push notification sent to
// participants when a new message is stored in a channel.
type ReceivedDirectMessage struct {
	DirectChannelID ChannelID       `json:"directChannelId"`
	DirectMessageID MessageID       `json:"directMessageId"`
	AuthorUserID    UserID          `json:"authorUserId"`
	EncryptionKeyID EncryptionKeyID `json:"encryptionKeyId"`
	Nonce           []byte          `json:"nonce"`
	EncryptedText   []byte          `json:"encryptedText"`
}

// Message converts the notification into the stored message form.
func (r ReceivedDirectMessage) Message() Message {
	return Message{
		DirectMessageID: r.DirectMessageID,
		AuthorUserID:    r.AuthorUserID,
		EncryptionKeyID: r.EncryptionKeyID,
		Nonce:           r.Nonce,
		EncryptedText:   r.EncryptedText,
	}
}

// UnauthorizedReply is the body of a 401 response.
type UnauthorizedReply struct {
	IsExpired bool `json:"isExpired"`
}

// RefreshToken is both the request and reply of the token refresh call.
type RefreshToken struct {
	RefreshToken string `json:"refreshToken"`
}
