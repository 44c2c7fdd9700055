// Package testserver is an in-memory implementation of the messaging server
// endpoints used by the direct channel encryption core. It is meant for
// tests only: nothing is persisted and the access checks are minimal.
package testserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/arlekin/rpc"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
)

const apiRoot = "/api/v1/"

// DefaultPageSize is the number of messages returned per history page.
const DefaultPageSize = 50

var errForbidden = errors.New("forbidden")

// statusErr forces a reply with a given HTTP status.
type statusErr int

func (err statusErr) Error() string { return http.StatusText(int(err)) }

// Config is the configuration of a Server.
type Config struct {
	// TooFastWindow is the minimum interval between two encryption blocks
	// of the same account in a channel and between two keys of the same
	// channel. Zero disables the check.
	TooFastWindow time.Duration

	// RotateAfter flags the reply to a sent message to request a new key
	// once the current key encrypted that many messages. Zero disables it.
	RotateAfter int

	PageSize int

	// OnMessage is called for every stored message with the notification
	// pushed to the channel participants.
	OnMessage func(rpc.ReceivedDirectMessage)

	Now func() time.Time
	Log slog.Logger
}

type block struct {
	id       rpc.EncryptionBlockID
	owner    rpc.UserID
	platform rpc.Platform
	pub      []byte
	nonce    []byte
	sealed   []byte
}

type encKey struct {
	id      rpc.EncryptionKeyID
	creator rpc.UserID
	wrapped map[rpc.EncryptionBlockID][]byte
	uses    int
}

type channel struct {
	mtx         sync.Mutex
	id          rpc.ChannelID
	members     []rpc.UserID
	blocks      []*block
	keys        []*encKey
	messages    []rpc.Message
	lastRead    map[rpc.UserID]rpc.MessageID
	lastBlockAt map[rpc.UserID]time.Time
	lastKeyAt   time.Time
}

func (c *channel) isMember(u rpc.UserID) bool {
	for _, m := range c.members {
		if m == u {
			return true
		}
	}
	return false
}

func (c *channel) key(id rpc.EncryptionKeyID) *encKey {
	if id.IsLatest() {
		if len(c.keys) == 0 {
			return nil
		}
		return c.keys[len(c.keys)-1]
	}
	for _, k := range c.keys {
		if k.id == id {
			return k
		}
	}
	return nil
}

type injectedFailure struct {
	status int
	count  int
}

// Server is the in-memory server.
type Server struct {
	cfg Config
	log slog.Logger
	srv *httptest.Server

	nextID atomic.Int64

	tokens   *xsync.MapOf[string, rpc.UserID]
	middle   *xsync.MapOf[rpc.UserID, rpc.MiddleKeys]
	channels *xsync.MapOf[rpc.ChannelID, *channel]
	hits     *xsync.MapOf[string, *atomic.Int64]

	failMtx  sync.Mutex
	failures map[string]*injectedFailure
}

// New starts a new server. It must be closed with Close.
func New(cfg Config) *Server {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		tokens:   xsync.NewMapOf[string, rpc.UserID](),
		middle:   xsync.NewMapOf[rpc.UserID, rpc.MiddleKeys](),
		channels: xsync.NewMapOf[rpc.ChannelID, *channel](),
		hits:     xsync.NewMapOf[string, *atomic.Int64](),
		failures: make(map[string]*injectedFailure),
	}

	mux := http.NewServeMux()
	s.route(mux, http.MethodPost, rpc.PathGetMiddleKeys, s.getMiddleKeys)
	s.route(mux, http.MethodPut, rpc.PathPutMiddleKeys, s.putMiddleKeys)
	s.route(mux, http.MethodPut, rpc.PathEncryptionBlock, s.putEncryptionBlock)
	s.route(mux, http.MethodPost, rpc.PathGetPublicKeys, s.getPublicKeys)
	s.route(mux, http.MethodPost, rpc.PathGetPrivateKey, s.getPrivateKey)
	s.route(mux, http.MethodPost, rpc.PathGetEncryptedKey, s.getEncryptedKey)
	s.route(mux, http.MethodPut, rpc.PathEncryptionKeys, s.putEncryptionKeys)
	s.route(mux, http.MethodGet, rpc.PathMessages, s.getMessages)
	s.route(mux, http.MethodPut, rpc.PathMessages, s.putMessage)
	s.route(mux, http.MethodPost, rpc.PathAckMessages, s.ackMessages)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the API root to use as a client base URL.
func (s *Server) URL() string {
	return s.srv.URL + apiRoot
}

// Close shuts down the server.
func (s *Server) Close() {
	s.srv.Close()
}

func (s *Server) newID() int64 {
	return s.nextID.Add(1)
}

// AddUser registers a new account authenticated by token.
func (s *Server) AddUser(token string) rpc.UserID {
	id := rpc.UserID(s.newID())
	s.tokens.Store(token, id)
	return id
}

// AddChannel creates a direct channel between the given accounts.
func (s *Server) AddChannel(members ...rpc.UserID) rpc.ChannelID {
	id := rpc.ChannelID(s.newID())
	s.channels.Store(id, &channel{
		id:          id,
		members:     members,
		lastRead:    make(map[rpc.UserID]rpc.MessageID),
		lastBlockAt: make(map[rpc.UserID]time.Time),
	})
	return id
}

// Hits returns how many requests were received for a path, including rejected
// ones. name is either a path (for example rpc.PathGetEncryptedKey) or a
// method and path pair ("GET channels/direct/messages").
func (s *Server) Hits(name string) int64 {
	if c, ok := s.hits.Load(name); ok {
		return c.Load()
	}
	return 0
}

// ResetHits zeroes every request counter.
func (s *Server) ResetHits() {
	s.hits.Range(func(_ string, c *atomic.Int64) bool {
		c.Store(0)
		return true
	})
}

// FailNext makes the next count requests to path fail with status.
func (s *Server) FailNext(path string, status, count int) {
	s.failMtx.Lock()
	s.failures[path] = &injectedFailure{status: status, count: count}
	s.failMtx.Unlock()
}

func (s *Server) injectedFailure(path string) int {
	s.failMtx.Lock()
	defer s.failMtx.Unlock()
	f := s.failures[path]
	if f == nil || f.count == 0 {
		return 0
	}
	f.count--
	return f.status
}

// KeyIDs returns the ids of every key of the channel, oldest first.
func (s *Server) KeyIDs(ch rpc.ChannelID) []rpc.EncryptionKeyID {
	c, ok := s.channels.Load(ch)
	if !ok {
		return nil
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ids := make([]rpc.EncryptionKeyID, len(c.keys))
	for i, k := range c.keys {
		ids[i] = k.id
	}
	return ids
}

// BlockCount returns the number of encryption blocks published by user in
// the channel.
func (s *Server) BlockCount(ch rpc.ChannelID, user rpc.UserID) int {
	c, ok := s.channels.Load(ch)
	if !ok {
		return 0
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var n int
	for _, b := range c.blocks {
		if b.owner == user {
			n++
		}
	}
	return n
}

// HasMiddleKeys returns true if the user published middle keys.
func (s *Server) HasMiddleKeys(user rpc.UserID) bool {
	_, ok := s.middle.Load(user)
	return ok
}

// Messages returns every stored message of the channel.
func (s *Server) Messages(ch rpc.ChannelID) []rpc.Message {
	c, ok := s.channels.Load(ch)
	if !ok {
		return nil
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]rpc.Message(nil), c.messages...)
}

// LastRead returns the last message acknowledged by user in the channel.
func (s *Server) LastRead(ch rpc.ChannelID, user rpc.UserID) rpc.MessageID {
	c, ok := s.channels.Load(ch)
	if !ok {
		return 0
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastRead[user]
}

type handlerFunc func(user rpc.UserID, r *http.Request) (interface{}, error)

func (s *Server) route(mux *http.ServeMux, method, path string, h handlerFunc) {
	mux.HandleFunc(method+" "+apiRoot+path, func(w http.ResponseWriter, r *http.Request) {
		for _, name := range []string{path, method + " " + path} {
			c, _ := s.hits.LoadOrCompute(name, func() *atomic.Int64 {
				return new(atomic.Int64)
			})
			c.Add(1)
		}

		if status := s.injectedFailure(path); status != 0 {
			w.WriteHeader(status)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := s.tokens.Load(token)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, rpc.UnauthorizedReply{})
			return
		}

		reply, err := h(user, r)
		var berr rpc.BusinessError
		var serr statusErr
		switch {
		case errors.As(err, &berr):
			s.log.Debugf("%s %s (user %d): %v", method, path, user, berr)
			writeJSON(w, http.StatusBadRequest, rpc.ErrorData{Errors: berr.Errors})
		case errors.Is(err, errForbidden):
			w.WriteHeader(http.StatusForbidden)
		case errors.As(err, &serr):
			w.WriteHeader(int(serr))
		case err != nil:
			s.log.Errorf("%s %s: %v", method, path, err)
			w.WriteHeader(http.StatusInternalServerError)
		case reply == nil:
			w.WriteHeader(http.StatusOK)
		default:
			writeJSON(w, http.StatusOK, reply)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, statusErr(http.StatusUnprocessableEntity)
	}
	return v, nil
}

// memberChannel returns the channel if user is one of its members.
func (s *Server) memberChannel(user rpc.UserID, ch rpc.ChannelID) (*channel, error) {
	c, ok := s.channels.Load(ch)
	if !ok || !c.isMember(user) {
		return nil, errForbidden
	}
	return c, nil
}

func (s *Server) getMiddleKeys(user rpc.UserID, r *http.Request) (interface{}, error) {
	mk, ok := s.middle.Load(user)
	if !ok {
		return nil, rpc.NewBusinessError(rpc.FieldGeneral,
			rpc.CodeMiddleKeysNotFound, "middleKeysNotFound")
	}
	return mk, nil
}

func (s *Server) putMiddleKeys(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.MiddleKeys](r)
	if err != nil {
		return nil, err
	}
	// The first writer wins.
	mk, _ := s.middle.LoadOrStore(user, req)
	return mk, nil
}

func (s *Server) tooFast(last time.Time) bool {
	return s.cfg.TooFastWindow > 0 && !last.IsZero() &&
		s.cfg.Now().Sub(last) < s.cfg.TooFastWindow
}

func errTooFast() error {
	return rpc.NewBusinessError(rpc.FieldDirectChannelID, rpc.CodeTooFast, "tooFast")
}

func (s *Server) putEncryptionBlock(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.PutEncryptionBlock](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if s.tooFast(c.lastBlockAt[user]) {
		return nil, errTooFast()
	}
	b := &block{
		id:       rpc.EncryptionBlockID(s.newID()),
		owner:    user,
		platform: rpc.PlatformNative,
		pub:      req.PublicKey,
		nonce:    req.Nonce,
		sealed:   req.EncryptedPrivateKey,
	}
	c.blocks = append(c.blocks, b)
	c.lastBlockAt[user] = s.cfg.Now()
	return rpc.PutEncryptionBlockReply{EncryptionBlockID: b.id}, nil
}

func (s *Server) getPublicKeys(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.GetPublicKeys](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	reply := rpc.GetPublicKeysReply{PublicKeys: make([]rpc.PublicKey, 0, len(c.blocks))}
	for _, b := range c.blocks {
		reply.PublicKeys = append(reply.PublicKeys, rpc.PublicKey{
			Platform:          b.platform,
			EncryptionBlockID: b.id,
			PublicKey:         b.pub,
		})
	}
	return reply, nil
}

func (s *Server) getPrivateKey(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.GetPrivateKey](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, b := range c.blocks {
		if b.id != req.EncryptionBlockID {
			continue
		}
		if b.owner != user {
			return nil, errForbidden
		}
		return rpc.SealedPrivateKey{Nonce: b.nonce, EncryptedPrivateKey: b.sealed}, nil
	}
	return nil, errForbidden
}

func errKeyNotFound() error {
	return rpc.NewBusinessError(rpc.FieldEncryptionKeyID, rpc.CodeKeyNotFound, "keyNotFound")
}

func (s *Server) getEncryptedKey(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.GetEncryptedKey](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	k := c.key(req.EncryptionKeyID)
	if k == nil {
		return nil, errKeyNotFound()
	}

	// Prefer the most recent block of the caller the key was wrapped for.
	for i := len(c.blocks) - 1; i >= 0; i-- {
		b := c.blocks[i]
		if b.owner != user {
			continue
		}
		if wrapped, ok := k.wrapped[b.id]; ok {
			return rpc.EncryptedKey{
				EncryptionBlockID: b.id,
				EncryptionKeyID:   k.id,
				EncryptedKey:      wrapped,
			}, nil
		}
	}
	return nil, errKeyNotFound()
}

func (s *Server) putEncryptionKeys(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.PutEncryptionKeys](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if s.tooFast(c.lastKeyAt) {
		return nil, errTooFast()
	}
	k := &encKey{
		id:      rpc.EncryptionKeyID(s.newID()),
		creator: user,
		wrapped: make(map[rpc.EncryptionBlockID][]byte, len(req.KeyData)),
	}
	for _, kd := range req.KeyData {
		k.wrapped[kd.EncryptionBlockID] = kd.EncryptedKey
	}
	c.keys = append(c.keys, k)
	c.lastKeyAt = s.cfg.Now()

	reply := rpc.PutEncryptionKeysReply{EncryptionKeyID: k.id}
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if c.blocks[i].owner == user {
			reply.EncryptionBlockID = c.blocks[i].id
			break
		}
	}
	return reply, nil
}

func (s *Server) getMessages(user rpc.UserID, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	chID, err := strconv.ParseInt(q.Get(rpc.QueryDirectChannelID), 10, 64)
	if err != nil {
		return nil, statusErr(http.StatusUnprocessableEntity)
	}
	var before int64
	if v := q.Get(rpc.QueryBeforeDirectMessageID); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, statusErr(http.StatusUnprocessableEntity)
		}
	}
	c, err := s.memberChannel(user, rpc.ChannelID(chID))
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	msgs := make([]rpc.Message, 0, s.cfg.PageSize)
	for i := len(c.messages) - 1; i >= 0 && len(msgs) < s.cfg.PageSize; i-- {
		m := c.messages[i]
		if before > 0 && m.DirectMessageID >= rpc.MessageID(before) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].DirectMessageID < msgs[j].DirectMessageID
	})
	return rpc.GetMessagesReply{Messages: msgs}, nil
}

func (s *Server) putMessage(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.PutMessage](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	k := c.key(req.EncryptionKeyID)
	if k == nil || req.EncryptionKeyID.IsLatest() {
		c.mtx.Unlock()
		return nil, errKeyNotFound()
	}
	k.uses++
	msg := rpc.Message{
		DirectMessageID: rpc.MessageID(s.newID()),
		AuthorUserID:    user,
		EncryptionKeyID: k.id,
		Nonce:           req.Nonce,
		EncryptedText:   req.EncryptedText,
	}
	c.messages = append(c.messages, msg)
	isLatest := c.keys[len(c.keys)-1] == k
	reply := rpc.PutMessageReply{
		DirectMessageID:      msg.DirectMessageID,
		SendNewEncryptionKey: isLatest && s.cfg.RotateAfter > 0 && k.uses >= s.cfg.RotateAfter,
	}
	c.mtx.Unlock()

	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(rpc.ReceivedDirectMessage{
			DirectChannelID: c.id,
			DirectMessageID: msg.DirectMessageID,
			AuthorUserID:    msg.AuthorUserID,
			EncryptionKeyID: msg.EncryptionKeyID,
			Nonce:           msg.Nonce,
			EncryptedText:   msg.EncryptedText,
		})
	}
	return reply, nil
}

func (s *Server) ackMessages(user rpc.UserID, r *http.Request) (interface{}, error) {
	req, err := decode[rpc.AckMessages](r)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChannel(user, req.DirectChannelID)
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if req.LastReadDirectMessageID > c.lastRead[user] {
		c.lastRead[user] = req.LastReadDirectMessageID
	}
	return nil, nil
}

// Corrupt flips every bit of the ciphertext of a stored message. Used to
// simulate tampering.
func (s *Server) Corrupt(ch rpc.ChannelID, id rpc.MessageID) error {
	c, ok := s.channels.Load(ch)
	if !ok {
		return fmt.Errorf("unknown channel %d", ch)
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for i := range c.messages {
		if c.messages[i].DirectMessageID != id {
			continue
		}
		b := append([]byte(nil), c.messages[i].EncryptedText...)
		for j := range b {
			b[j] ^= 0xff
		}
		c.messages[i].EncryptedText = b
		return nil
	}
	return fmt.Errorf("unknown message %d", id)
}

// InjectMessage stores a raw message in the channel as if it had been sent
// by author. It is used to simulate messages encrypted with unknown keys.
func (s *Server) InjectMessage(ch rpc.ChannelID, msg rpc.Message) rpc.MessageID {
	c, ok := s.channels.Load(ch)
	if !ok {
		return 0
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	msg.DirectMessageID = rpc.MessageID(s.newID())
	c.messages = append(c.messages, msg)
	return msg.DirectMessageID
}
