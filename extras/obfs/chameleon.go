package obfs

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

const (
	chameleonNonceLen = chacha20poly1305.NonceSize
	chameleonTagLen   = chacha20poly1305.Overhead
)

// ChameleonCipher is ChaCha20-Poly1305 keyed with BLAKE2b-256(secret).
// Envelopes are nonce || ciphertext || tag, so unlike CBC any tampering
// is detected.
type ChameleonCipher struct {
	aead cipher.AEAD
}

func NewChameleonCipher(secret string) (*ChameleonCipher, error) {
	if secret == "" {
		return nil, errors.New("secret cannot be empty for chameleon")
	}
	key := blake2b.Sum256([]byte(secret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &ChameleonCipher{aead: aead}, nil
}

func (c *ChameleonCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, chameleonNonceLen, chameleonNonceLen+len(plaintext)+chameleonTagLen)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:chameleonNonceLen], plaintext, nil), nil
}

func (c *ChameleonCipher) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < chameleonNonceLen+chameleonTagLen {
		return nil, coreErrs.DecryptError{Reason: "envelope too short"}
	}
	plain, err := c.aead.Open(nil, envelope[:chameleonNonceLen], envelope[chameleonNonceLen:], nil)
	if err != nil {
		return nil, coreErrs.DecryptError{Reason: err.Error()}
	}
	return plain, nil
}

var _ Cipher = (*ChameleonCipher)(nil)
