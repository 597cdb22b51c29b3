package cmd

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	coreErrs "github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/server"
	"github.com/masqtun/masqtun/extras/outbounds"
	"github.com/masqtun/masqtun/extras/outbounds/acl"
)

const defaultServerListen = ":8443"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Server mode",
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd, map[string]string{"listen": "listen", "decoy.url": "decoy"})
	},
	Run: runServer,
}

func init() {
	serverCmd.Flags().String("listen", "", "listen address (default "+defaultServerListen+")")
	serverCmd.Flags().String("decoy", "", "decoy website url for non-tunnel traffic")
	rootCmd.AddCommand(serverCmd)
}

type serverConfigDecoy struct {
	URL string `mapstructure:"url"`
}

type serverConfigOutbound struct {
	FastOpen bool   `mapstructure:"fastOpen"`
	Mode     string `mapstructure:"mode"`
}

type serverConfigResolver struct {
	Type      string        `mapstructure:"type"`
	Addr      string        `mapstructure:"addr"`
	Timeout   time.Duration `mapstructure:"timeout"`
	SNI       string        `mapstructure:"sni"`
	Insecure  bool          `mapstructure:"insecure"`
	CacheSize int           `mapstructure:"cacheSize"`
	CacheTTL  time.Duration `mapstructure:"cacheTTL"`
}

type serverConfigACL struct {
	Rules     []string `mapstructure:"rules"`
	File      string   `mapstructure:"file"`
	CacheSize int      `mapstructure:"cacheSize"`
}

type serverConfig struct {
	commonConfig `mapstructure:",squash"`
	Decoy        serverConfigDecoy    `mapstructure:"decoy"`
	TLSFallback  string               `mapstructure:"tlsFallback"`
	Outbound     serverConfigOutbound `mapstructure:"outbound"`
	Hosts        []string             `mapstructure:"hosts"`
	Resolver     serverConfigResolver `mapstructure:"resolver"`
	ACL          serverConfigACL      `mapstructure:"acl"`
}

func (c *serverConfig) fillListener(s *server.Config) error {
	ln, err := c.listener(defaultServerListen)
	if err != nil {
		return err
	}
	s.Listener = ln
	return nil
}

func (c *serverConfig) fillCipher(s *server.Config) error {
	ci, err := c.cipher()
	if err != nil {
		return err
	}
	s.Cipher = ci
	return nil
}

func (c *serverConfig) fillMasquerader(s *server.Config) error {
	m, err := c.masquerader()
	if err != nil {
		return err
	}
	s.Masquerader = m
	return nil
}

func (c *serverConfig) fillRelay(s *server.Config) error {
	s.RelayConfig = server.RelayConfig{
		ConnectTimeout: c.Relay.ConnectTimeout,
		ReadTimeout:    c.Relay.ReadTimeout,
		RetryInterval:  c.Relay.RetryInterval,
		Retries:        c.Relay.Retries,
		IdleTimeout:    c.Relay.IdleTimeout,
	}
	s.Threads = c.Threads
	s.Multiplier = c.Multiplier
	return nil
}

func (c *serverConfig) fillDecoy(s *server.Config) error {
	s.DecoyURL = c.Decoy.URL
	s.TLSFallback = c.TLSFallback
	return nil
}

// fillOutbound builds the chain hosts -> resolver (cached) -> acl -> direct.
// Links that are not configured are left out.
func (c *serverConfig) fillOutbound(s *server.Config) error {
	mode, ok := outbounds.ParseDirectOutboundMode(c.Outbound.Mode)
	if !ok {
		return configError{Field: "outbound.mode", Err: errors.New("must be auto, 4 or 6")}
	}
	ob := outbounds.NewDirectOutbound(mode, c.Outbound.FastOpen)

	rules, err := c.aclRules()
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		ob, err = outbounds.NewACLOutbound(rules, c.ACL.CacheSize, ob)
		if err != nil {
			return configError{Field: "acl", Err: err}
		}
	}

	var r outbounds.PluggableOutbound
	switch c.Resolver.Type {
	case "":
	case "system":
		r = outbounds.NewSystemResolver(c.Resolver.Timeout, ob)
	case "udp", "tcp", "tls":
		if c.Resolver.Addr == "" {
			return configError{Field: "resolver.addr", Err: errors.New("empty resolver address")}
		}
		r = outbounds.NewStandardResolver(c.Resolver.Type, c.Resolver.Addr, c.Resolver.Timeout, c.Resolver.SNI, c.Resolver.Insecure, ob)
	case "https", "doh":
		if c.Resolver.Addr == "" {
			return configError{Field: "resolver.addr", Err: errors.New("empty resolver address")}
		}
		r = outbounds.NewDoHResolver(c.Resolver.Addr, c.Resolver.Timeout, c.Resolver.SNI, c.Resolver.Insecure, ob)
	default:
		return configError{Field: "resolver.type", Err: errors.New("unsupported resolver type")}
	}
	if r != nil {
		ob, err = outbounds.NewResolveCache(r, c.Resolver.CacheSize, c.Resolver.CacheTTL)
		if err != nil {
			return configError{Field: "resolver", Err: err}
		}
	}

	if len(c.Hosts) > 0 {
		hosts, err := parseHosts(c.Hosts)
		if err != nil {
			return err
		}
		ob, err = outbounds.NewHostsOutbound(hosts, ob)
		if err != nil {
			return configError{Field: "hosts", Err: err}
		}
	}
	s.Outbound = outbounds.NewAdapter(ob)
	return nil
}

// parseHosts reads hosts-file style lines, "<target> <name> [name...]".
// Host names contain dots, which viper would split as map keys, so the
// config carries lines instead of a map.
func parseHosts(lines []string) (map[string]string, error) {
	m := make(map[string]string)
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, configError{Field: "hosts", Err: errors.New("want \"<target> <name>\": " + line)}
		}
		for _, name := range fields[1:] {
			m[name] = fields[0]
		}
	}
	return m, nil
}

func (c *serverConfig) aclRules() ([]acl.TextRule, error) {
	if c.ACL.File != "" && len(c.ACL.Rules) > 0 {
		return nil, configError{Field: "acl", Err: errors.New("cannot set both acl.file and acl.rules")}
	}
	if c.ACL.File != "" {
		rules, err := acl.ParseTextRulesFile(c.ACL.File)
		if err != nil {
			return nil, configError{Field: "acl.file", Err: err}
		}
		return rules, nil
	}
	var text string
	for _, r := range c.ACL.Rules {
		text += r + "\n"
	}
	rules, err := acl.ParseTextRules(text)
	if err != nil {
		return nil, configError{Field: "acl.rules", Err: err}
	}
	return rules, nil
}

// Config validates this and returns a server.Config. The listener is only
// opened once everything else checks out.
func (c *serverConfig) Config() (*server.Config, error) {
	s := &server.Config{EventLogger: &serverLogger{}}
	fillers := []func(*server.Config) error{
		c.fillCipher,
		c.fillMasquerader,
		c.fillRelay,
		c.fillDecoy,
		c.fillOutbound,
		c.fillListener,
	}
	for _, f := range fillers {
		if err := f(s); err != nil {
			if s.Listener != nil {
				_ = s.Listener.Close()
			}
			return nil, err
		}
	}
	return s, nil
}

func (c serverConfig) redacted() serverConfig {
	if c.Secret != "" {
		c.Secret = redacted
	}
	return c
}

func runServer(cmd *cobra.Command, args []string) {
	logger.Info("server mode")

	if err := readConfig(); err != nil {
		logger.Fatal("failed to read server config", zap.Error(err))
	}
	var config serverConfig
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("failed to parse server config", zap.Error(err))
	}
	logEffectiveConfig(config.redacted())

	sc, err := config.Config()
	if err != nil {
		logger.Fatal("failed to load server config", zap.Error(err))
	}
	s, err := server.NewServer(sc)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}
	if sc.DecoyURL != "" {
		logger.Info("decoy enabled", zap.String("url", sc.DecoyURL))
	}
	logger.Info("server up and running", zap.String("addr", sc.Listener.Addr().String()))

	errChan := make(chan error, 1)
	go func() { errChan <- s.Serve() }()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
		logger.Info("received signal, shutting down gracefully")
		_ = s.Close()
	case err := <-errChan:
		_ = s.Close()
		logger.Fatal("failed to serve", zap.Error(err))
	}
}

type serverLogger struct{}

func (l *serverLogger) Connect(addr net.Addr, id, kind, reqAddr string) {
	logger.Info("session connect", zap.String("addr", addr.String()), zap.String("id", id), zap.String("kind", kind), zap.String("reqAddr", reqAddr))
}

func (l *serverLogger) Exchange(addr net.Addr, id, dir string, n int) {
	logger.Debug("session exchange", zap.String("addr", addr.String()), zap.String("id", id), zap.String("dir", dir), zap.Int("bytes", n))
}

func (l *serverLogger) Close(addr net.Addr, id, reqAddr string, err error) {
	logSessionClose(addr, id, reqAddr, err)
}

// logSessionClose picks the level by error: clean closes and idle or
// bounded waits are routine, a failed decrypt is a wrong secret or an
// attack.
func logSessionClose(addr net.Addr, id, reqAddr string, err error) {
	fields := []zap.Field{zap.String("addr", addr.String()), zap.String("id", id), zap.String("reqAddr", reqAddr)}
	var de coreErrs.DecryptError
	var te coreErrs.TimeoutError
	switch {
	case err == nil:
		logger.Debug("session closed", fields...)
	case errors.As(err, &de):
		logger.Error("session decrypt error", append(fields, zap.Error(err))...)
	case errors.As(err, &te):
		logger.Debug("session timeout", append(fields, zap.Error(err))...)
	default:
		logger.Warn("session error", append(fields, zap.Error(err))...)
	}
}
