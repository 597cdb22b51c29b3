package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/masqtun/masqtun/app/internal/sockopts"
	"github.com/masqtun/masqtun/core/protocol"
	"github.com/masqtun/masqtun/extras/masq"
	"github.com/masqtun/masqtun/extras/obfs"
)

const redacted = "[REDACTED]"

type commonConfigCipher struct {
	Type string `mapstructure:"type"`
}

type commonConfigRelay struct {
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	RetryInterval  time.Duration `mapstructure:"retryInterval"`
	Retries        int           `mapstructure:"retries"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
}

// commonConfig holds the keys both roles share.
type commonConfig struct {
	Listen     string             `mapstructure:"listen"`
	Secret     string             `mapstructure:"secret"`
	Threads    int                `mapstructure:"threads"`
	Multiplier int                `mapstructure:"multiplier"`
	Cipher     commonConfigCipher `mapstructure:"cipher"`
	Masquerade masq.Config        `mapstructure:"masquerade"`
	Relay      commonConfigRelay  `mapstructure:"relay"`
	ReusePort  bool               `mapstructure:"reusePort"`
}

func (c *commonConfig) cipher() (protocol.Cipher, error) {
	if c.Secret == "" {
		return nil, configError{Field: "secret", Err: errors.New("secret is empty")}
	}
	ci, err := obfs.NewCipherFromConfig(obfs.CipherConfig{Type: c.Cipher.Type, Password: c.Secret})
	if err != nil {
		return nil, configError{Field: "cipher.type", Err: err}
	}
	return ci, nil
}

func (c *commonConfig) masquerader() (protocol.Masquerader, error) {
	codec, err := masq.NewCodec(c.Masquerade)
	if err != nil {
		return nil, configError{Field: "masquerade", Err: err}
	}
	return codec, nil
}

func (c *commonConfig) listener(defaultAddr string) (net.Listener, error) {
	addr := c.Listen
	if addr == "" {
		addr = defaultAddr
	}
	so := &sockopts.SocketOptions{ReusePort: c.ReusePort}
	ln, err := so.Listen(context.Background(), addr)
	if err != nil {
		return nil, configError{Field: "listen", Err: err}
	}
	return ln, nil
}

// readConfig reads the config file if there is one. Without a file the
// config comes from flags and MASQTUN_* environment variables alone.
func readConfig() error {
	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		logger.Debug("no config file found")
		return nil
	}
	return err
}

// logEffectiveConfig logs v as JSON. v must be a copy whose secrets are
// already redacted.
func logEffectiveConfig(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	logger.Info("using config", zap.String("content", string(b)))
}
