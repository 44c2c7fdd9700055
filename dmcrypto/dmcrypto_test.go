package dmcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"testing"

	"github.com/companyzero/arlekin/internal/assert"
	"github.com/companyzero/arlekin/internal/testutils"
)

// TestCTR64MatchesStdlibWithoutOverflow asserts the 64 bit counter stream is
// identical to the standard 128 bit counter when the low half does not wrap.
func TestCTR64MatchesStdlibWithoutOverflow(t *testing.T) {
	rng := testutils.NewRand(t)
	for i := 0; i < 50; i++ {
		raw := testutils.RandomBytes(t, rng, KeySize)
		counter := testutils.RandomBytes(t, rng, CounterSize)
		counter[8] = 0 // Keep the low half far from overflow.
		src := testutils.RandomBytes(t, rng, rng.Intn(1024)+1)

		key, err := NewSymmetricKey(raw)
		assert.NilErr(t, err)
		got, err := key.XOR(counter, src)
		assert.NilErr(t, err)

		block, _ := aes.NewCipher(raw)
		want := make([]byte, len(src))
		cipher.NewCTR(block, counter).XORKeyStream(want, src)
		assert.BytesEqual(t, got, want)
	}
}

// TestCTR64WrapsLowHalf asserts the counter increment never carries into
// the high 64 bits.
func TestCTR64WrapsLowHalf(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, KeySize)
	key, err := NewSymmetricKey(raw)
	assert.NilErr(t, err)

	counter := make([]byte, CounterSize)
	for i := 0; i < 8; i++ {
		counter[i] = 0xaa
		counter[8+i] = 0xff
	}
	zeros := make([]byte, 2*CounterSize)
	got, err := key.XOR(counter, zeros)
	assert.NilErr(t, err)

	block, _ := aes.NewCipher(raw)
	want := make([]byte, 2*CounterSize)
	block.Encrypt(want[:CounterSize], counter)
	next := bytes.Repeat([]byte{0xaa}, 8)
	next = append(next, make([]byte, 8)...)
	block.Encrypt(want[CounterSize:], next)
	assert.BytesEqual(t, got, want)
}

func TestCTR64Streaming(t *testing.T) {
	// Feeding the stream in uneven chunks yields the same output as a
	// single call.
	rng := testutils.NewRand(t)
	raw := testutils.RandomBytes(t, rng, KeySize)
	counter := testutils.RandomBytes(t, rng, CounterSize)
	src := testutils.RandomBytes(t, rng, 1000)
	block, _ := aes.NewCipher(raw)

	want := make([]byte, len(src))
	newCTR64(block, counter).XORKeyStream(want, src)

	got := make([]byte, len(src))
	s := newCTR64(block, counter)
	for i := 0; i < len(src); {
		n := rng.Intn(40) + 1
		if i+n > len(src) {
			n = len(src) - i
		}
		s.XORKeyStream(got[i:i+n], src[i:i+n])
		i += n
	}
	assert.BytesEqual(t, got, want)
}

func TestSymmetricKeySizes(t *testing.T) {
	for _, sz := range []int{0, 16, 24, 31, 33} {
		_, err := NewSymmetricKey(make([]byte, sz))
		assert.ErrorIs(t, err, ErrInvalidKeySize)
	}

	key, err := GenerateSymmetricKey()
	assert.NilErr(t, err)
	_, err = key.XOR(make([]byte, 12), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidCounterSize)
}

func TestSymmetricKeyZero(t *testing.T) {
	key, err := GenerateSymmetricKey()
	assert.NilErr(t, err)
	key.Zero()
	assert.AllZero(t, key.Bytes())
	_, err = key.XOR(make([]byte, CounterSize), []byte("x"))
	assert.NonNilErr(t, err)
}

// TestMessageRoundTrip asserts decrypting an encrypted message returns the
// plaintext and that repeated encryptions use different nonces.
func TestMessageRoundTrip(t *testing.T) {
	rng := testutils.NewRand(t)
	key, err := GenerateSymmetricKey()
	assert.NilErr(t, err)

	for i := 0; i < 100; i++ {
		plaintext := testutils.RandomBytes(t, rng, rng.Intn(2048))
		nonce1, ct1, err := EncryptMessage(key, plaintext)
		assert.NilErr(t, err)
		nonce2, ct2, err := EncryptMessage(key, plaintext)
		assert.NilErr(t, err)

		if len(nonce1) != NonceSize {
			t.Fatalf("unexpected nonce size %d", len(nonce1))
		}
		assert.BytesDiffer(t, nonce1, nonce2)
		if len(plaintext) > 0 {
			assert.BytesDiffer(t, ct1, ct2)
		}

		got, err := DecryptMessage(key, nonce1, ct1)
		assert.NilErr(t, err)
		assert.BytesEqual(t, got, plaintext)
		got, err = DecryptMessage(key, nonce2, ct2)
		assert.NilErr(t, err)
		assert.BytesEqual(t, got, plaintext)
	}
}

func TestDecryptMessageBadNonce(t *testing.T) {
	key, err := GenerateSymmetricKey()
	assert.NilErr(t, err)
	_, err = DecryptMessage(key, []byte{1, 2, 3}, []byte("ct"))
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

// TestWrapRoundTrip asserts a wrapped message key unwraps to the same bytes
// and does not unwrap under a different private key.
func TestWrapRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKey(MinRSABits)
	assert.NilErr(t, err)
	other, err := GenerateRSAKey(MinRSABits)
	assert.NilErr(t, err)

	pubDER, err := MarshalPublicKey(&priv.PublicKey)
	assert.NilErr(t, err)
	pub, err := ParsePublicKey(pubDER)
	assert.NilErr(t, err)

	key, err := GenerateSymmetricKey()
	assert.NilErr(t, err)
	wrapped, err := WrapKey(pub, key)
	assert.NilErr(t, err)

	got, err := UnwrapKey(priv, wrapped)
	assert.NilErr(t, err)
	assert.BoolIs(t, got.Equal(key), true)

	_, err = UnwrapKey(other, wrapped)
	assert.NonNilErr(t, err)
}

func TestPrivateKeyEncoding(t *testing.T) {
	priv, err := GenerateRSAKey(MinRSABits)
	assert.NilErr(t, err)
	der, err := MarshalPrivateKey(priv)
	assert.NilErr(t, err)
	got, err := ParsePrivateKey(der)
	assert.NilErr(t, err)
	assert.BoolIs(t, got.Equal(priv), true)

	_, err = ParsePrivateKey(der[:len(der)/2])
	assert.NonNilErr(t, err)

	// A public key is not accepted where a private key is expected.
	pubDER, err := MarshalPublicKey(&priv.PublicKey)
	assert.NilErr(t, err)
	_, err = ParsePrivateKey(pubDER)
	assert.NonNilErr(t, err)
}

func TestGenerateRSAKeyTooSmall(t *testing.T) {
	_, err := GenerateRSAKey(1024)
	assert.NonNilErr(t, err)
}

func TestZeroRSAKey(t *testing.T) {
	priv, err := GenerateRSAKey(MinRSABits)
	assert.NilErr(t, err)
	ZeroRSAKey(priv)
	if priv.D.Sign() != 0 {
		t.Fatalf("private exponent was not wiped")
	}
	for i, p := range priv.Primes {
		if p.Sign() != 0 {
			t.Fatalf("prime %d was not wiped", i)
		}
	}
}

func TestRandomBytesFailure(t *testing.T) {
	old := Reader
	t.Cleanup(func() { Reader = old })
	Reader = bytes.NewReader([]byte{1, 2})
	_, err := RandomBytes(16)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMessageSalt(t *testing.T) {
	got := messageSalt(0x0102)
	want := append([]byte("arlekin"), 0x02, 0x01, 0, 0, 0, 0, 0, 0)
	want = append(want, []byte("message")...)
	assert.BytesEqual(t, got, want)

	// Bytes above 0x7f are encoded as two byte code points.
	got = messageSalt(0xff)
	want = append([]byte("arlekin"), 0xc3, 0xbf, 0, 0, 0, 0, 0, 0, 0)
	want = append(want, []byte("message")...)
	assert.BytesEqual(t, got, want)
}

func TestDeriveEncryptionBlockHash(t *testing.T) {
	h1 := DeriveEncryptionBlockHash([]byte("password"), 1)
	h2 := DeriveEncryptionBlockHash([]byte("password"), 1)
	h3 := DeriveEncryptionBlockHash([]byte("password"), 2)
	if len(h1) != EncryptionBlockHashSize {
		t.Fatalf("unexpected hash size %d", len(h1))
	}
	assert.BytesEqual(t, h1, h2)
	assert.BytesDiffer(t, h1, h3)
}
