package encryption

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestEnvelopeLayout(t *testing.T) {
	plain := []byte("attachment body that should not leak")
	env, err := Seal(testKey(1), plain)
	require.NoError(t, err)

	assert.Equal(t, byte(EnvelopeVersion), env[0])
	assert.Equal(t, 0, (len(env)-HeaderSize)%16)
	assert.False(t, bytes.Contains(env, plain))

	got, err := Open(testKey(1), env)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEnvelopeUsesFreshIV(t *testing.T) {
	a, err := Seal(testKey(1), []byte("same"))
	require.NoError(t, err)
	b, err := Seal(testKey(1), []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestWrongKeyDoesNotYieldPlaintext(t *testing.T) {
	plain := []byte("0123456789abcdef0123")
	env, err := Seal(testKey(1), plain)
	require.NoError(t, err)

	got, err := Open(testKey(2), env)
	if err == nil {
		assert.NotEqual(t, plain, got)
	}
}

func TestEnvelopeRejectsBadHeader(t *testing.T) {
	_, err := Open(testKey(1), []byte{9})
	assert.True(t, errors.Is(err, model.ErrStorage))

	env, err := Seal(testKey(1), []byte("x"))
	require.NoError(t, err)
	env[0] = 2
	_, err = Open(testKey(1), env)
	assert.True(t, errors.Is(err, model.ErrStorage))

	_, err = Open(testKey(1), env[:HeaderSize+3])
	assert.Error(t, err)
}

func TestStreamingRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.SliceOfN(rapid.Byte(), 0, 100000).Draw(t, "plain")
		writes := rapid.IntRange(1, 7).Draw(t, "writes")

		var buf bytes.Buffer
		w, err := NewWriter(&buf, testKey(3))
		if err != nil {
			t.Fatal(err)
		}
		step := len(plain)/writes + 1
		for off := 0; off < len(plain); off += step {
			end := min(off+step, len(plain))
			if _, err := w.Write(plain[off:end]); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}

		r, err := NewReader(&buf, testKey(3))
		if err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch: %d vs %d bytes", len(got), len(plain))
		}
	})
}

func TestKeyProviders(t *testing.T) {
	key, err := ResolveKey(NilKeyProvider{})
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = NewStaticKeyProvider([]byte("short"))
	assert.True(t, errors.Is(err, model.ErrEncryptionKey))

	static, err := NewStaticKeyProvider(testKey(5))
	require.NoError(t, err)
	key, err = ResolveKey(static)
	require.NoError(t, err)
	assert.Equal(t, testKey(5), key)

	salt, err := NewSalt()
	require.NoError(t, err)
	p1, err := NewPassphraseKeyProvider("correct horse", salt)
	require.NoError(t, err)
	p2, err := NewPassphraseKeyProvider("correct horse", salt)
	require.NoError(t, err)
	k1, _ := p1.CurrentKey()
	k2, _ := p2.CurrentKey()
	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)

	_, err = NewPassphraseKeyProvider("x", salt[:4])
	assert.True(t, errors.Is(err, model.ErrEncryptionKey))
}
