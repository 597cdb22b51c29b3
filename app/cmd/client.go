package cmd

import (
	"errors"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/masqtun/masqtun/core/client"
)

const (
	defaultClientListen = "127.0.0.1:8080"
	defaultServerPort   = "8443"
	uriScheme           = "masqtun"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Client mode",
	PreRun: bindClientFlags,
	Run:    runClient,
}

func init() {
	clientCmd.Flags().String("server", "", "server address or "+uriScheme+":// URI")
	clientCmd.Flags().String("listen", "", "listen address (default "+defaultClientListen+")")
	rootCmd.AddCommand(clientCmd)
}

func bindClientFlags(cmd *cobra.Command, args []string) {
	bindFlags(cmd, map[string]string{"server": "server", "listen": "listen"})
}

type clientConfig struct {
	commonConfig `mapstructure:",squash"`
	Server       string `mapstructure:"server"`
	FastOpen     bool   `mapstructure:"fastOpen"`
}

// parseURI fills the config from a masqtun:// URI in Server, as printed
// by the share command. It returns false if Server is not such a URI.
func (c *clientConfig) parseURI() bool {
	if !strings.HasPrefix(c.Server, uriScheme+"://") {
		return false
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return false
	}
	if u.User != nil {
		c.Secret = u.User.Username()
	}
	c.Server = u.Host
	q := u.Query()
	if q.Has("cipher") {
		c.Cipher.Type = q.Get("cipher")
	}
	if q.Has("method") {
		c.Masquerade.Method = q.Get("method")
	}
	if q.Has("url") {
		c.Masquerade.URL = q.Get("url")
	}
	if q.Has("host") {
		c.Masquerade.Host = q.Get("host")
	}
	if q.Has("userAgent") {
		c.Masquerade.UserAgent = q.Get("userAgent")
	}
	if q.Has("proto") {
		c.Masquerade.Proto = q.Get("proto")
	}
	if q.Has("markerHeader") {
		c.Masquerade.MarkerHeader = q.Get("markerHeader")
	}
	if q.Has("fastOpen") {
		if v, err := strconv.ParseBool(q.Get("fastOpen")); err == nil {
			c.FastOpen = v
		}
	}
	if q.Has("retries") {
		if v, err := strconv.Atoi(q.Get("retries")); err == nil {
			c.Relay.Retries = v
		}
	}
	if q.Has("retryInterval") {
		if v, err := time.ParseDuration(q.Get("retryInterval")); err == nil {
			c.Relay.RetryInterval = v
		}
	}
	return true
}

func (c *clientConfig) fillServerAddr(cc *client.Config) error {
	if c.Server == "" {
		return configError{Field: "server", Err: errors.New("server address is empty")}
	}
	host, portStr, err := net.SplitHostPort(c.Server)
	if err != nil {
		host, portStr = c.Server, defaultServerPort
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return configError{Field: "server", Err: err}
	}
	cc.ServerAddr = net.JoinHostPort(host, strconv.Itoa(int(port)))
	return nil
}

func (c *clientConfig) fillCipher(cc *client.Config) error {
	ci, err := c.cipher()
	if err != nil {
		return err
	}
	cc.Cipher = ci
	return nil
}

func (c *clientConfig) fillMasquerader(cc *client.Config) error {
	m, err := c.masquerader()
	if err != nil {
		return err
	}
	cc.Masquerader = m
	return nil
}

func (c *clientConfig) fillRelay(cc *client.Config) error {
	cc.RelayConfig = client.RelayConfig{
		ConnectTimeout: c.Relay.ConnectTimeout,
		ReadTimeout:    c.Relay.ReadTimeout,
		RetryInterval:  c.Relay.RetryInterval,
		Retries:        c.Relay.Retries,
		IdleTimeout:    c.Relay.IdleTimeout,
	}
	cc.Threads = c.Threads
	cc.Multiplier = c.Multiplier
	return nil
}

func (c *clientConfig) fillFastOpen(cc *client.Config) error {
	cc.FastOpen = c.FastOpen
	return nil
}

func (c *clientConfig) fillListener(cc *client.Config) error {
	ln, err := c.listener(defaultClientListen)
	if err != nil {
		return err
	}
	cc.Listener = ln
	return nil
}

// Config validates this and returns a client.Config. The listener is only
// opened once everything else checks out.
func (c *clientConfig) Config() (*client.Config, error) {
	c.parseURI()
	cc := &client.Config{EventLogger: &clientLogger{}}
	fillers := []func(*client.Config) error{
		c.fillServerAddr,
		c.fillCipher,
		c.fillMasquerader,
		c.fillRelay,
		c.fillFastOpen,
		c.fillListener,
	}
	for _, f := range fillers {
		if err := f(cc); err != nil {
			if cc.Listener != nil {
				_ = cc.Listener.Close()
			}
			return nil, err
		}
	}
	return cc, nil
}

func (c clientConfig) redacted() clientConfig {
	if c.Secret != "" {
		c.Secret = redacted
	}
	if strings.HasPrefix(c.Server, uriScheme+"://") {
		if u, err := url.Parse(c.Server); err == nil && u.User != nil {
			u.User = url.User(redacted)
			c.Server = u.String()
		}
	}
	return c
}

func runClient(cmd *cobra.Command, args []string) {
	logger.Info("client mode")

	if err := readConfig(); err != nil {
		logger.Fatal("failed to read client config", zap.Error(err))
	}
	var config clientConfig
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("failed to parse client config", zap.Error(err))
	}
	logEffectiveConfig(config.redacted())

	cc, err := config.Config()
	if err != nil {
		logger.Fatal("failed to load client config", zap.Error(err))
	}
	c, err := client.NewClient(cc)
	if err != nil {
		logger.Fatal("failed to initialize client", zap.Error(err))
	}
	logger.Info("client up and running",
		zap.String("addr", cc.Listener.Addr().String()),
		zap.String("server", cc.ServerAddr))

	errChan := make(chan error, 1)
	go func() { errChan <- c.Serve() }()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
		logger.Info("received signal, shutting down gracefully")
		_ = c.Close()
	case err := <-errChan:
		_ = c.Close()
		logger.Fatal("failed to serve", zap.Error(err))
	}
}

type clientLogger struct{}

func (l *clientLogger) Connect(addr net.Addr, id, kind, reqAddr string) {
	logger.Info("client connect", zap.String("addr", addr.String()), zap.String("id", id), zap.String("kind", kind), zap.String("reqAddr", reqAddr))
}

func (l *clientLogger) Exchange(addr net.Addr, id, dir string, n int) {
	logger.Debug("client exchange", zap.String("addr", addr.String()), zap.String("id", id), zap.String("dir", dir), zap.Int("bytes", n))
}

func (l *clientLogger) Close(addr net.Addr, id, reqAddr string, err error) {
	logSessionClose(addr, id, reqAddr, err)
}
