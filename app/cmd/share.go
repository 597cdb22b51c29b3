package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	noText bool
	withQR bool
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Generate share URI",
	Long:  "Generate a " + uriScheme + ":// URI and optionally a QR code from the client config.",
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd, map[string]string{"server": "server"})
	},
	Run: runShare,
}

func init() {
	initShareFlags()
	rootCmd.AddCommand(shareCmd)
}

func initShareFlags() {
	shareCmd.Flags().BoolVar(&noText, "notext", false, "do not show URI")
	shareCmd.Flags().BoolVar(&withQR, "qr", false, "show QR code")
	shareCmd.Flags().String("server", "", "public server address to put in the URI")
}

// URI encodes everything an agent needs besides its own listen address.
// parseURI reads it back.
func (c *clientConfig) URI() string {
	q := url.Values{}
	if c.Cipher.Type != "" {
		q.Set("cipher", c.Cipher.Type)
	}
	m := c.Masquerade
	for k, v := range map[string]string{
		"method":       m.Method,
		"url":          m.URL,
		"host":         m.Host,
		"userAgent":    m.UserAgent,
		"proto":        m.Proto,
		"markerHeader": m.MarkerHeader,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if c.FastOpen {
		q.Set("fastOpen", "true")
	}
	if c.Relay.Retries != 0 {
		q.Set("retries", strconv.Itoa(c.Relay.Retries))
	}
	if c.Relay.RetryInterval != 0 {
		q.Set("retryInterval", c.Relay.RetryInterval.String())
	}
	u := url.URL{
		Scheme:   uriScheme,
		Host:     c.Server,
		Path:     "/",
		RawQuery: q.Encode(),
	}
	if c.Secret != "" {
		u.User = url.User(c.Secret)
	}
	return u.String()
}

func runShare(cmd *cobra.Command, args []string) {
	if err := readConfig(); err != nil {
		logger.Fatal("failed to read client config", zap.Error(err))
	}
	var config clientConfig
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("failed to parse client config", zap.Error(err))
	}
	config.parseURI()
	if config.Server == "" {
		logger.Fatal("no server address to share", zap.Error(configError{Field: "server", Err: fmt.Errorf("empty")}))
	}
	if _, err := config.cipher(); err != nil {
		logger.Fatal("failed to load client config", zap.Error(err))
	}
	if _, err := config.masquerader(); err != nil {
		logger.Fatal("failed to load client config", zap.Error(err))
	}
	u := config.URI()
	if !noText {
		fmt.Println(u)
	}
	if withQR {
		qrterminal.GenerateWithConfig(u, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: qrterminal.QUIET_ZONE,
		})
	}
}
