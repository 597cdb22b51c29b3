package obfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreErrs "github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/protocol"
)

func TestBase64RoundTrip(t *testing.T) {
	for _, s := range []string{"", "f", "fo", "foo", "foob", "fooba", "foobar", "\x00\xff\x10"} {
		enc := EncodeBase64([]byte(s))
		assert.Equal(t, EncodedLen(len(s)), len(enc))
		assert.Equal(t, (3-len(s)%3)%3, strings.Count(string(enc), "="), "input %q", s)
		dec, err := DecodeBase64(enc)
		require.NoError(t, err)
		assert.Equal(t, s, string(dec))
	}
}

func TestDecodeBase64Invalid(t *testing.T) {
	for _, s := range []string{"a", "ab=", "@@@@", "Zm9v!"} {
		_, err := DecodeBase64([]byte(s))
		assert.Error(t, err, "input %q", s)
	}
}

func TestChameleonCipher(t *testing.T) {
	c, err := NewChameleonCipher("psk")
	require.NoError(t, err)
	env, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	got, err := c.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	env[len(env)/2] ^= 0x80
	_, err = c.Decrypt(env)
	assert.ErrorAs(t, err, new(coreErrs.DecryptError))

	_, err = c.Decrypt([]byte("tiny"))
	assert.ErrorAs(t, err, new(coreErrs.DecryptError))

	_, err = NewChameleonCipher("")
	assert.Error(t, err)
}

func TestNewCipherFromConfig(t *testing.T) {
	c, err := NewCipherFromConfig(CipherConfig{Password: "x"})
	require.NoError(t, err)
	assert.IsType(t, &CBCCipher{}, c)

	c, err = NewCipherFromConfig(CipherConfig{Type: TypeChameleon, Password: "x"})
	require.NoError(t, err)
	assert.IsType(t, &ChameleonCipher{}, c)

	_, err = NewCipherFromConfig(CipherConfig{Type: "rot13", Password: "x"})
	assert.Error(t, err)

	_, err = NewCipherFromConfig(CipherConfig{})
	assert.Error(t, err)

	assert.Contains(t, protocol.Ciphers(), TypeAES256CBC)
	assert.Contains(t, protocol.Ciphers(), TypeChameleon)
}
