package vault

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/companyzero/arlekin/internal/assert"
	"github.com/companyzero/arlekin/internal/testutils"
	"github.com/companyzero/arlekin/rpc"
)

const testRSABits = dmcrypto.MinRSABits

type mockAPI struct {
	mtx sync.Mutex

	middle     *rpc.MiddleKeys
	middleWins *rpc.MiddleKeys // Returned by PutMiddleKeys when set.
	getMiddle  int
	putMiddle  int

	blocks    map[rpc.EncryptionBlockID]rpc.PutEncryptionBlock
	nextBlock rpc.EncryptionBlockID
	tooFast   bool
	getPriv   int
	privGate  chan struct{}
	failWith  error
}

func newMockAPI() *mockAPI {
	return &mockAPI{blocks: make(map[rpc.EncryptionBlockID]rpc.PutEncryptionBlock)}
}

func (m *mockAPI) GetMiddleKeys(ctx context.Context) (*rpc.MiddleKeys, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.getMiddle++
	if m.failWith != nil {
		return nil, m.failWith
	}
	if m.middle == nil {
		return nil, rpc.NewBusinessError(rpc.FieldGeneral, rpc.CodeMiddleKeysNotFound, "")
	}
	mk := *m.middle
	return &mk, nil
}

func (m *mockAPI) PutMiddleKeys(ctx context.Context, mk rpc.MiddleKeys) (*rpc.MiddleKeys, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.putMiddle++
	if m.middleWins != nil {
		m.middle = m.middleWins
	} else if m.middle == nil {
		m.middle = &mk
	}
	res := *m.middle
	return &res, nil
}

func (m *mockAPI) PutEncryptionBlock(ctx context.Context, block rpc.PutEncryptionBlock) (rpc.EncryptionBlockID, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.tooFast {
		return 0, rpc.NewBusinessError(rpc.FieldDirectChannelID, rpc.CodeTooFast, "")
	}
	m.nextBlock++
	m.blocks[m.nextBlock] = block
	return m.nextBlock, nil
}

func (m *mockAPI) GetPrivateKey(ctx context.Context, ch rpc.ChannelID, id rpc.EncryptionBlockID) (*rpc.SealedPrivateKey, error) {
	m.mtx.Lock()
	m.getPriv++
	gate := m.privGate
	block, ok := m.blocks[id]
	m.mtx.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.New("unknown block")
	}
	return &rpc.SealedPrivateKey{Nonce: block.Nonce, EncryptedPrivateKey: block.EncryptedPrivateKey}, nil
}

func testShards(t *testing.T) *RootShardSet {
	t.Helper()
	shards, err := GenerateRootShardSet()
	assert.NilErr(t, err)
	return shards
}

// TestSealRoundTrip asserts unsealing a sealed blob returns the original
// bytes for every length.
func TestSealRoundTrip(t *testing.T) {
	rng := testutils.NewRand(t)
	shards := testShards(t)
	for l := 0; l < 300; l++ {
		b := testutils.RandomBytes(t, rng, l)
		blob, nonce, err := SealBytes(b, shards)
		assert.NilErr(t, err)
		if len(nonce) != NonceMaterialSize {
			t.Fatalf("unexpected nonce size %d", len(nonce))
		}
		wantBlobLen := 4 + (l+7)/8*8
		if len(blob) != wantBlobLen {
			t.Fatalf("unexpected blob size %d, want %d", len(blob), wantBlobLen)
		}
		got, err := UnsealBytes(blob, nonce, shards)
		assert.NilErr(t, err)
		assert.BytesEqual(t, got, b)
	}
}

// TestSealDistributesRoundRobin asserts part k holds the bytes at positions
// k mod 8.
func TestSealDistributesRoundRobin(t *testing.T) {
	shards := testShards(t)
	b := make([]byte, 20)
	for i := range b {
		b[i] = byte(i + 1)
	}
	blob, nonce, err := SealBytes(b, shards)
	assert.NilErr(t, err)
	assert.DeepEqual(t, blob[:4], []byte{20, 0, 0, 0})

	const partLen = 3
	for k := 0; k < ShardCount; k++ {
		enc := blob[4+k*partLen : 4+(k+1)*partLen]
		part, err := shards.shards[k].XOR(nonce[k*16:(k+1)*16], enc)
		assert.NilErr(t, err)
		for j := 0; j < partLen; j++ {
			var want byte
			if i := j*8 + k; i < len(b) {
				want = b[i]
			}
			if part[j] != want {
				t.Fatalf("part %d byte %d: got %d, want %d", k, j, part[j], want)
			}
		}
	}
}

// TestShardIndependence asserts corrupting one sealed part only affects the
// bytes held by that part and does not affect a different shard set.
func TestShardIndependence(t *testing.T) {
	rng := testutils.NewRand(t)
	shardsA, shardsB := testShards(t), testShards(t)
	b := testutils.RandomBytes(t, rng, 1000)

	blobA, nonceA, err := SealBytes(b, shardsA)
	assert.NilErr(t, err)
	blobB, nonceB, err := SealBytes(b, shardsB)
	assert.NilErr(t, err)

	const corrupt = 3
	partLen := (len(blobA) - 4) / ShardCount
	for j := 0; j < partLen; j++ {
		blobA[4+corrupt*partLen+j] ^= 0xff
	}

	gotA, err := UnsealBytes(blobA, nonceA, shardsA)
	assert.NilErr(t, err)
	for i := range b {
		changed := gotA[i] != b[i]
		if changed != (i%ShardCount == corrupt) {
			t.Fatalf("byte %d: unexpected changed=%v", i, changed)
		}
	}

	gotB, err := UnsealBytes(blobB, nonceB, shardsB)
	assert.NilErr(t, err)
	assert.BytesEqual(t, gotB, b)

	// A blob sealed under A does not unseal under B.
	blobA2, nonceA2, err := SealBytes(b, shardsA)
	assert.NilErr(t, err)
	gotAB, err := UnsealBytes(blobA2, nonceA2, shardsB)
	assert.NilErr(t, err)
	assert.BytesDiffer(t, gotAB, b)
}

func TestPrivateKeySealRoundTrip(t *testing.T) {
	shards := testShards(t)
	priv, err := dmcrypto.GenerateRSAKey(testRSABits)
	assert.NilErr(t, err)

	blob, nonce, err := SealPrivateKey(priv, shards)
	assert.NilErr(t, err)
	got, err := UnsealPrivateKey(blob, nonce, shards)
	assert.NilErr(t, err)
	assert.BoolIs(t, got.Equal(priv), true)

	// Corrupting one part makes the key unusable.
	partLen := (len(blob) - 4) / ShardCount
	for j := 0; j < partLen; j++ {
		blob[4+j] ^= 0xff
	}
	_, err = UnsealPrivateKey(blob, nonce, shards)
	assert.NonNilErr(t, err)
}

func TestUnsealInvalidBlob(t *testing.T) {
	shards := testShards(t)
	blob, nonce, err := SealBytes([]byte("0123456789"), shards)
	assert.NilErr(t, err)

	tests := []struct {
		name  string
		blob  []byte
		nonce []byte
	}{
		{name: "short nonce", blob: blob, nonce: nonce[:64]},
		{name: "no prefix", blob: blob[:3], nonce: nonce},
		{name: "uneven parts", blob: blob[:len(blob)-1], nonce: nonce},
		{name: "length mismatch", blob: append([]byte{0xff, 0, 0, 0}, blob[4:]...), nonce: nonce},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnsealBytes(tc.blob, tc.nonce, shards)
			assert.ErrorIs(t, err, ErrInvalidSealedBlob)
		})
	}
}

// TestDeriveShardsCreatesMiddleKeys asserts an account without middle keys
// gets them created on first unlock with an all zero block hash.
func TestDeriveShardsCreatesMiddleKeys(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	hash := make([]byte, EncryptionBlockHashSize)
	log := testutils.TestLoggerSys(t, "VALT")

	shards, err := DeriveShards(ctx, api, hash, log)
	assert.NilErr(t, err)
	assert.DeepEqual(t, shards.Len(), ShardCount)
	assert.DeepEqual(t, api.putMiddle, 1)

	// A second unlock fetches the same material and derives the same
	// shards.
	shards2, err := DeriveShards(ctx, api, hash, log)
	assert.NilErr(t, err)
	assert.DeepEqual(t, api.putMiddle, 1)
	assert.DeepEqual(t, api.getMiddle, 2)
	for i := 0; i < ShardCount; i++ {
		assert.BoolIs(t, shards.shards[i].Equal(shards2.shards[i]), true)
	}

	// The root shards are not the middle keys.
	for i := 0; i < ShardCount; i++ {
		assert.BytesDiffer(t, shards.shards[i].Bytes(), api.middle.Keys[i*32:(i+1)*32])
	}
}

// TestDeriveShardsAdoptsRaceWinner asserts the material returned by the
// server after publishing is the one used.
func TestDeriveShardsAdoptsRaceWinner(t *testing.T) {
	ctx := context.Background()
	rng := testutils.NewRand(t)
	hash := testutils.RandomBytes(t, rng, EncryptionBlockHashSize)
	winner, err := GenerateMiddleKeys(hash)
	assert.NilErr(t, err)

	api := newMockAPI()
	api.middleWins = winner
	shards, err := DeriveShards(ctx, api, hash, nil)
	assert.NilErr(t, err)

	want, err := DeriveRootShards(hash, winner)
	assert.NilErr(t, err)
	for i := 0; i < ShardCount; i++ {
		assert.BoolIs(t, shards.shards[i].Equal(want.shards[i]), true)
	}
}

func TestDeriveShardsWrongHash(t *testing.T) {
	rng := testutils.NewRand(t)
	hash := testutils.RandomBytes(t, rng, EncryptionBlockHashSize)
	mk, err := GenerateMiddleKeys(hash)
	assert.NilErr(t, err)

	good, err := DeriveRootShards(hash, mk)
	assert.NilErr(t, err)
	hash[0] ^= 1
	bad, err := DeriveRootShards(hash, mk)
	assert.NilErr(t, err)

	// Only the first slot uses the modified byte.
	assert.BoolIs(t, good.shards[0].Equal(bad.shards[0]), false)
	assert.BoolIs(t, good.shards[1].Equal(bad.shards[1]), true)
}

func TestDeriveShardsErrors(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()

	_, err := DeriveShards(ctx, api, make([]byte, 64), nil)
	assert.ErrorIs(t, err, InitError{})
	assert.ErrorIs(t, err, ErrInvalidBlockHash)

	api.failWith = errors.New("boom")
	_, err = DeriveShards(ctx, api, make([]byte, EncryptionBlockHashSize), nil)
	assert.ErrorIs(t, err, InitError{})

	api.failWith = nil
	api.middle = &rpc.MiddleKeys{Keys: make([]byte, 32), EncryptedKeys: make([]byte, 32)}
	_, err = DeriveShards(ctx, api, make([]byte, EncryptionBlockHashSize), nil)
	assert.ErrorIs(t, err, ErrInvalidMiddleKeys)
}

func testVault(t *testing.T, api *mockAPI) *Vault {
	t.Helper()
	v, err := New(Config{
		API:     api,
		Shards:  testShards(t),
		RSABits: testRSABits,
		Log:     testutils.TestLoggerSys(t, "VALT"),
	})
	assert.NilErr(t, err)
	return v
}

func TestPublishNewBlock(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	v := testVault(t, api)

	id, created, err := v.PublishNewBlock(ctx, 10)
	assert.NilErr(t, err)
	assert.BoolIs(t, created, true)

	// The published public key matches the cached private key, which is
	// returned without fetching.
	priv, err := v.PrivateKey(ctx, 10, id)
	assert.NilErr(t, err)
	assert.DeepEqual(t, api.getPriv, 0)
	pub, err := dmcrypto.ParsePublicKey(api.blocks[id].PublicKey)
	assert.NilErr(t, err)
	assert.BoolIs(t, pub.Equal(&priv.PublicKey), true)
	assert.DeepEqual(t, api.blocks[id].DirectChannelID, rpc.ChannelID(10))

	// The sealed blob unseals to the same key.
	got, err := UnsealPrivateKey(api.blocks[id].EncryptedPrivateKey, api.blocks[id].Nonce, v.cfg.Shards)
	assert.NilErr(t, err)
	assert.BoolIs(t, got.Equal(priv), true)
}

func TestPublishNewBlockTooFast(t *testing.T) {
	api := newMockAPI()
	api.tooFast = true
	v := testVault(t, api)
	id, created, err := v.PublishNewBlock(context.Background(), 10)
	assert.NilErr(t, err)
	assert.BoolIs(t, created, false)
	assert.DeepEqual(t, id, rpc.EncryptionBlockID(0))
	assert.DeepEqual(t, v.CacheStats().Len, 0)
}

func TestPrivateKeyFetchOnce(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	publisher := testVault(t, api)
	id, _, err := publisher.PublishNewBlock(ctx, 1)
	assert.NilErr(t, err)

	// A different vault with the same shards (another device of the same
	// account after unlock) must fetch and unseal.
	v, err := New(Config{API: api, Shards: publisher.cfg.Shards, RSABits: testRSABits})
	assert.NilErr(t, err)

	api.privGate = make(chan struct{})
	const n = 5
	res := make(chan []byte, n)
	for i := 0; i < n; i++ {
		go func() {
			priv, err := v.PrivateKey(ctx, 1, id)
			if err != nil {
				res <- nil
				return
			}
			res <- priv.N.Bytes()
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(api.privGate)

	want, _ := publisher.PrivateKey(ctx, 1, id)
	for i := 0; i < n; i++ {
		got := assert.ChanWritten(t, res)
		if !bytes.Equal(got, want.N.Bytes()) {
			t.Fatalf("unexpected key returned")
		}
	}
	assert.DeepEqual(t, api.getPriv, 1)

	// Now cached.
	_, err = v.PrivateKey(ctx, 1, id)
	assert.NilErr(t, err)
	assert.DeepEqual(t, api.getPriv, 1)
}

func TestPrivateKeyUnsealError(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	publisher := testVault(t, api)
	id, _, err := publisher.PublishNewBlock(ctx, 1)
	assert.NilErr(t, err)

	// A vault with different shards cannot unseal the key.
	other := testVault(t, api)
	_, err = other.PrivateKey(ctx, 1, id)
	assert.ErrorIs(t, err, UnsealError{})
}

func TestVaultDestroy(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	v := testVault(t, api)
	id, _, err := v.PublishNewBlock(ctx, 1)
	assert.NilErr(t, err)
	priv, err := v.PrivateKey(ctx, 1, id)
	assert.NilErr(t, err)

	v.Destroy()
	assert.DeepEqual(t, priv.D.Sign(), 0)
	assert.DeepEqual(t, v.cfg.Shards.Len(), 0)
	assert.DeepEqual(t, v.CacheStats().Len, 0)

	_, _, err = v.PublishNewBlock(ctx, 1)
	assert.ErrorIs(t, err, ErrShardsDestroyed)
}

// TestPrivateKeyCanceledCaller asserts a caller giving up on a shared fetch
// does not fail the callers still waiting for it.
func TestPrivateKeyCanceledCaller(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	publisher := testVault(t, api)
	id, _, err := publisher.PublishNewBlock(ctx, 1)
	assert.NilErr(t, err)
	v, err := New(Config{API: api, Shards: publisher.cfg.Shards, RSABits: testRSABits})
	assert.NilErr(t, err)

	gate := make(chan struct{})
	api.mtx.Lock()
	api.privGate = gate
	api.mtx.Unlock()

	ctxA, cancelA := context.WithCancel(ctx)
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := v.PrivateKey(ctxA, 1, id)
		errA <- err
	}()
	errB := make(chan error, 1)
	go func() {
		_, err := v.PrivateKey(ctx, 1, id)
		errB <- err
	}()
	assert.ChanNotWritten(t, errB, 100*time.Millisecond)

	cancelA()
	assert.ErrorIs(t, assert.ChanWritten(t, errA), context.Canceled)
	close(gate)
	assert.NilErr(t, assert.ChanWritten(t, errB))

	api.mtx.Lock()
	getPriv := api.getPriv
	api.mtx.Unlock()
	assert.DeepEqual(t, getPriv, 1)
}

// TestDestroyDuringUnseal asserts a key unsealed after Destroy is not
// cached.
func TestDestroyDuringUnseal(t *testing.T) {
	ctx := context.Background()
	api := newMockAPI()
	publisher := testVault(t, api)
	id, _, err := publisher.PublishNewBlock(ctx, 1)
	assert.NilErr(t, err)
	v, err := New(Config{API: api, Shards: publisher.cfg.Shards, RSABits: testRSABits})
	assert.NilErr(t, err)

	gate := make(chan struct{})
	api.mtx.Lock()
	api.privGate = gate
	api.mtx.Unlock()

	errC := make(chan error, 1)
	go func() {
		_, err := v.PrivateKey(ctx, 1, id)
		errC <- err
	}()
	assert.ChanNotWritten(t, errC, 50*time.Millisecond)

	v.Destroy()
	close(gate)
	assert.ErrorIs(t, assert.ChanWritten(t, errC), ErrShardsDestroyed)
	assert.DeepEqual(t, v.CacheStats().Len, 0)
}
