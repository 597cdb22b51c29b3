package obfs

import (
	"github.com/masqtun/masqtun/core/protocol"
)

const (
	TypeAES256CBC = "aes-256-cbc"
	TypeChameleon = "chameleon"
)

// Cipher is the interface every tunnel cipher in this package implements.
type Cipher = protocol.Cipher

// CipherConfig is the common configuration shape for all ciphers.
type CipherConfig struct {
	Type     string `mapstructure:"type"`
	Password string `mapstructure:"password"`
}

func init() {
	protocol.RegisterCipher(TypeAES256CBC, func(secret string) (protocol.Cipher, error) {
		return NewCBCCipher(secret)
	})
	protocol.RegisterCipher(TypeChameleon, func(secret string) (protocol.Cipher, error) {
		return NewChameleonCipher(secret)
	})
}

// NewCipherFromConfig builds the configured cipher. An empty type selects
// aes-256-cbc, which is what the tunnel wire format is defined on.
func NewCipherFromConfig(cfg CipherConfig) (Cipher, error) {
	t := cfg.Type
	if t == "" {
		t = TypeAES256CBC
	}
	return protocol.NewCipher(t, cfg.Password)
}
