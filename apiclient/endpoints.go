package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/companyzero/arlekin/rpc"
)

// GetMiddleKeys fetches the account's middle keys. It returns an error
// matching rpc.ErrMiddleKeysNotFound if none were published yet.
func (c *Client) GetMiddleKeys(ctx context.Context) (*rpc.MiddleKeys, error) {
	var reply rpc.MiddleKeys
	if err := c.do(ctx, http.MethodPost, rpc.PathGetMiddleKeys, nil, nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// PutMiddleKeys publishes the account's middle keys and returns the material
// the server holds afterwards.
func (c *Client) PutMiddleKeys(ctx context.Context, mk rpc.MiddleKeys) (*rpc.MiddleKeys, error) {
	var reply rpc.MiddleKeys
	if err := c.do(ctx, http.MethodPut, rpc.PathPutMiddleKeys, nil, mk, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// PutEncryptionBlock publishes a device keypair for a channel. It returns an
// error matching rpc.ErrTooFast if one was published too recently.
func (c *Client) PutEncryptionBlock(ctx context.Context, block rpc.PutEncryptionBlock) (rpc.EncryptionBlockID, error) {
	var reply rpc.PutEncryptionBlockReply
	if err := c.do(ctx, http.MethodPut, rpc.PathEncryptionBlock, nil, block, &reply); err != nil {
		return 0, err
	}
	return reply.EncryptionBlockID, nil
}

// GetPublicKeys returns the public keys of every participant block of the
// channel.
func (c *Client) GetPublicKeys(ctx context.Context, ch rpc.ChannelID) ([]rpc.PublicKey, error) {
	var reply rpc.GetPublicKeysReply
	req := rpc.GetPublicKeys{DirectChannelID: ch}
	if err := c.do(ctx, http.MethodPost, rpc.PathGetPublicKeys, nil, req, &reply); err != nil {
		return nil, err
	}
	return reply.PublicKeys, nil
}

// GetPrivateKey fetches one of the caller's sealed private keys.
func (c *Client) GetPrivateKey(ctx context.Context, ch rpc.ChannelID, block rpc.EncryptionBlockID) (*rpc.SealedPrivateKey, error) {
	var reply rpc.SealedPrivateKey
	req := rpc.GetPrivateKey{DirectChannelID: ch, EncryptionBlockID: block}
	if err := c.do(ctx, http.MethodPost, rpc.PathGetPrivateKey, nil, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetEncryptedKey fetches a message key wrapped for one of the caller's
// blocks. It returns an error matching rpc.ErrKeyNotFound if the key does not
// exist.
func (c *Client) GetEncryptedKey(ctx context.Context, ch rpc.ChannelID, key rpc.EncryptionKeyID) (*rpc.EncryptedKey, error) {
	var reply rpc.EncryptedKey
	req := rpc.GetEncryptedKey{DirectChannelID: ch, EncryptionKeyID: key}
	if err := c.do(ctx, http.MethodPost, rpc.PathGetEncryptedKey, nil, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// PutEncryptionKeys publishes a new message key for the channel. It returns
// an error matching rpc.ErrTooFast if another key was created too recently.
func (c *Client) PutEncryptionKeys(ctx context.Context, keys rpc.PutEncryptionKeys) (*rpc.PutEncryptionKeysReply, error) {
	var reply rpc.PutEncryptionKeysReply
	if err := c.do(ctx, http.MethodPut, rpc.PathEncryptionKeys, nil, keys, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetMessages returns the page of channel messages preceding before.
func (c *Client) GetMessages(ctx context.Context, ch rpc.ChannelID, before rpc.MessageID) ([]rpc.Message, error) {
	query := url.Values{}
	query.Set(rpc.QueryDirectChannelID, strconv.FormatInt(int64(ch), 10))
	query.Set(rpc.QueryBeforeDirectMessageID, strconv.FormatInt(int64(before), 10))
	var reply rpc.GetMessagesReply
	if err := c.do(ctx, http.MethodGet, rpc.PathMessages, query, nil, &reply); err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

// PutMessage stores a new encrypted message.
func (c *Client) PutMessage(ctx context.Context, msg rpc.PutMessage) (*rpc.PutMessageReply, error) {
	var reply rpc.PutMessageReply
	if err := c.do(ctx, http.MethodPut, rpc.PathMessages, nil, msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AckMessages marks every message up to lastRead as read.
func (c *Client) AckMessages(ctx context.Context, ch rpc.ChannelID, lastRead rpc.MessageID) error {
	req := rpc.AckMessages{DirectChannelID: ch, LastReadDirectMessageID: lastRead}
	return c.do(ctx, http.MethodPost, rpc.PathAckMessages, nil, req, nil)
}
