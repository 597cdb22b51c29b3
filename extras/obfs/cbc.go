package obfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/pbkdf2"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

const (
	// KeySalt and KeyIterations fix the key derivation so that every peer
	// holding the same secret arrives at the same key.
	KeySalt       = "masqtun/aes-256-cbc/v1"
	KeyIterations = 4096

	cbcKeyLen = 32
)

// DeriveKey turns the shared secret into an AES-256 key with PBKDF2-HMAC-SHA256.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(KeySalt), KeyIterations, cbcKeyLen, sha256.New)
}

// CBCCipher is AES-256-CBC with a random IV prefixed to every envelope
// and PKCS#7 padding. The key is derived once and never changes.
type CBCCipher struct {
	block cipher.Block
}

func NewCBCCipher(secret string) (*CBCCipher, error) {
	if secret == "" {
		return nil, errors.New("secret cannot be empty for aes-256-cbc")
	}
	return NewCBCCipherWithKey(DeriveKey(secret))
}

// NewCBCCipherWithKey skips the derivation; key must be 32 bytes.
func NewCBCCipherWithKey(key []byte) (*CBCCipher, error) {
	if len(key) != cbcKeyLen {
		return nil, errors.New("aes-256-cbc key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &CBCCipher{block: block}, nil
}

func (c *CBCCipher) Encrypt(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)
	out := make([]byte, bs+len(padded))
	iv := out[:bs]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[bs:], padded)
	return out, nil
}

func (c *CBCCipher) Decrypt(envelope []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(envelope) < bs+1 {
		return nil, coreErrs.DecryptError{Reason: "envelope shorter than iv"}
	}
	body := envelope[bs:]
	if len(body)%bs != 0 {
		return nil, coreErrs.DecryptError{Reason: "ciphertext is not block aligned"}
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, envelope[:bs]).CryptBlocks(plain, body)
	n, ok := pkcs7Unpad(plain, bs)
	if !ok {
		return nil, coreErrs.DecryptError{Reason: "bad padding"}
	}
	return plain[:n], nil
}

func pkcs7Pad(b []byte, bs int) []byte {
	pad := bs - len(b)%bs
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

// pkcs7Unpad checks every padding byte without branching on their values.
func pkcs7Unpad(b []byte, bs int) (int, bool) {
	if len(b) == 0 || len(b)%bs != 0 {
		return 0, false
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > bs {
		return 0, false
	}
	good := 1
	for i := len(b) - bs; i < len(b); i++ {
		inPad := subtle.ConstantTimeLessOrEq(len(b)-pad, i)
		same := subtle.ConstantTimeByteEq(b[i], byte(pad))
		// outside the pad region every byte passes
		good &= same | (1 ^ inPad)
	}
	return len(b) - pad, good == 1
}

var _ Cipher = (*CBCCipher)(nil)
