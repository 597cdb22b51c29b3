package obfs

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

func TestCBCCipherRoundTrip(t *testing.T) {
	c, err := NewCBCCipher("correct horse battery staple")
	require.NoError(t, err)

	for _, n := range []int{0, 1, 15, 16, 17, 31, 32, 33, 1000, 65536} {
		p := make([]byte, n)
		_, _ = rand.Read(p)
		env, err := c.Encrypt(p)
		require.NoError(t, err)
		assert.Equal(t, 0, len(env)%16, "len %d", n)
		assert.Greater(t, len(env), n+15, "len %d", n)

		got, err := c.Decrypt(env)
		require.NoError(t, err, "len %d", n)
		assert.Equal(t, p, got, "len %d", n)
	}
}

func TestCBCCipherFreshIV(t *testing.T) {
	c, err := NewCBCCipher("secret")
	require.NoError(t, err)
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	assert.NotEqual(t, a[:16], b[:16])
	assert.NotEqual(t, a, b)
}

func TestDeriveKeyReproducible(t *testing.T) {
	assert.Equal(t, DeriveKey("token"), DeriveKey("token"))
	assert.NotEqual(t, DeriveKey("token"), DeriveKey("token2"))
	assert.Len(t, DeriveKey("token"), 32)

	// A receiver built independently from the same secret opens the envelope.
	sender, _ := NewCBCCipher("token")
	receiver, _ := NewCBCCipher("token")
	env, err := sender.Encrypt([]byte("hello"))
	require.NoError(t, err)
	got, err := receiver.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestCBCCipherRejectsShortInput(t *testing.T) {
	c, _ := NewCBCCipher("secret")
	for _, n := range []int{0, 1, 15, 16} {
		_, err := c.Decrypt(make([]byte, n))
		var de coreErrs.DecryptError
		assert.ErrorAs(t, err, &de, "len %d", n)
	}
	_, err := c.Decrypt(make([]byte, 16+17))
	assert.ErrorAs(t, err, new(coreErrs.DecryptError))
}

func TestCBCCipherWrongSecret(t *testing.T) {
	a, _ := NewCBCCipher("alpha")
	b, _ := NewCBCCipher("bravo")
	plain := []byte("GET http://example.org/ HTTP/1.1\r\nHost: example.org\r\n\r\n")
	env, err := a.Encrypt(plain)
	require.NoError(t, err)
	got, err := b.Decrypt(env)
	if err == nil {
		assert.NotEqual(t, plain, got)
	}
}

// Flipping bits of the byte that lands on the final padding byte must be
// rejected almost always and must never reproduce the original plaintext.
func TestCBCCipherTamperLastBlock(t *testing.T) {
	c, _ := NewCBCCipher("secret")
	for _, plain := range [][]byte{
		[]byte("0123456789abcdef"), // full padding block
		[]byte("short"),
		bytes.Repeat([]byte{'x'}, 40),
	} {
		env, err := c.Encrypt(plain)
		require.NoError(t, err)
		// last byte of the block preceding the final ciphertext block
		pos := len(env) - 16 - 1
		rejected := 0
		for d := 1; d < 256; d++ {
			tampered := append([]byte(nil), env...)
			tampered[pos] ^= byte(d)
			got, err := c.Decrypt(tampered)
			if err != nil {
				assert.ErrorAs(t, err, new(coreErrs.DecryptError))
				rejected++
				continue
			}
			assert.NotEqual(t, plain, got)
		}
		assert.GreaterOrEqual(t, rejected, 254, "plaintext %q", plain)
	}
}

func TestCBCCipherTamperMiddle(t *testing.T) {
	c, _ := NewCBCCipher("secret")
	plain := bytes.Repeat([]byte("abcdefgh"), 8)
	env, _ := c.Encrypt(plain)
	env[20] ^= 0x01
	got, err := c.Decrypt(env)
	if err == nil {
		assert.NotEqual(t, plain, got)
	}
}

func TestPKCS7(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		n    int
		ok   bool
	}{
		{"one byte pad", append(bytes.Repeat([]byte{'a'}, 15), 1), 15, true},
		{"full block pad", bytes.Repeat([]byte{16}, 16), 0, true},
		{"zero pad", append(bytes.Repeat([]byte{'a'}, 15), 0), 0, false},
		{"pad too large", append(bytes.Repeat([]byte{'a'}, 15), 17), 0, false},
		{"inconsistent pad", append(bytes.Repeat([]byte{'a'}, 14), 3, 2), 0, false},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := pkcs7Unpad(tt.in, 16)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.n, n)
			}
		})
	}
}
