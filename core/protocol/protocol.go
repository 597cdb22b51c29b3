package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotHTTP is returned by a Masquerader when the bytes are not
	// masqueraded tunnel traffic at all.
	ErrNotHTTP = errors.New("not a masquerade frame")
	// ErrIncomplete is returned by a Masquerader when the frame is valid so
	// far but more bytes are needed.
	ErrIncomplete = errors.New("incomplete masquerade frame")
)

// Cipher seals tunnel payloads under the shared secret.
// Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(envelope []byte) ([]byte, error)
}

// Masquerader disguises sealed payloads as plain HTTP/1.1 messages.
// Implementations must be safe for concurrent use.
type Masquerader interface {
	// WrapRequest is used agent -> server.
	WrapRequest(payload []byte) []byte
	// WrapResponse is used server -> agent. marker is echoed in an opaque header.
	WrapResponse(payload []byte, marker string) []byte
	// Unwrap accepts either direction.
	Unwrap(frame []byte) ([]byte, error)
}

// CipherFactory builds a Cipher from the shared secret.
type CipherFactory func(secret string) (Cipher, error)

var (
	cipherFactories = make(map[string]CipherFactory)
	cipherMutex     sync.RWMutex
)

// RegisterCipher makes a cipher available under name. Registering the same
// name twice panics.
func RegisterCipher(name string, factory CipherFactory) {
	cipherMutex.Lock()
	defer cipherMutex.Unlock()
	if _, ok := cipherFactories[name]; ok {
		panic("protocol: cipher already registered: " + name)
	}
	cipherFactories[name] = factory
}

// NewCipher builds the cipher registered under name.
func NewCipher(name, secret string) (Cipher, error) {
	cipherMutex.RLock()
	factory, ok := cipherFactories[name]
	cipherMutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cipher: %s", name)
	}
	return factory(secret)
}

// Ciphers lists registered cipher names in lexical order.
func Ciphers() []string {
	cipherMutex.RLock()
	defer cipherMutex.RUnlock()
	names := make([]string, 0, len(cipherFactories))
	for name := range cipherFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
