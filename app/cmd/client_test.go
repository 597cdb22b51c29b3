package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masqtun/masqtun/extras/masq"
)

func TestClientConfig(t *testing.T) {
	var config clientConfig
	loadConfig(t, "testdata/client.yaml", &config)
	assert.Equal(t, clientConfig{
		commonConfig: commonConfig{
			Listen:  "127.0.0.1:0",
			Secret:  "correct horse battery staple",
			Threads: 4,
			Cipher:  commonConfigCipher{Type: "aes-256-cbc"},
			Masquerade: masq.Config{
				URL:          "http://cdn.example.com/api/v2/blob",
				MarkerHeader: "X-Trace-Id",
			},
			Relay: commonConfigRelay{
				RetryInterval: 40 * time.Millisecond,
				Retries:       30,
			},
		},
		Server:   "masq.example.com",
		FastOpen: true,
	}, config)

	cc, err := config.Config()
	require.NoError(t, err)
	defer cc.Listener.Close()
	assert.Equal(t, "masq.example.com:8443", cc.ServerAddr)
	assert.True(t, cc.FastOpen)
	assert.Equal(t, 30, cc.RelayConfig.Retries)
	assert.Equal(t, 4, cc.Threads)
}

func TestClientConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *clientConfig)
		field  string
	}{
		{"no server", func(c *clientConfig) { c.Server = "" }, "server"},
		{"bad port", func(c *clientConfig) { c.Server = "masq.example.com:99999" }, "server"},
		{"no secret", func(c *clientConfig) { c.Secret = "" }, "secret"},
		{"bad cipher", func(c *clientConfig) { c.Cipher.Type = "rot13" }, "cipher.type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var config clientConfig
			loadConfig(t, "testdata/client.yaml", &config)
			tt.modify(&config)
			_, err := config.Config()
			var ce configError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestShareURIRoundTrip(t *testing.T) {
	var config clientConfig
	loadConfig(t, "testdata/client.yaml", &config)
	config.Server = "masq.example.com:9443"
	uri := config.URI()
	assert.Contains(t, uri, "masqtun://correct%20horse%20battery%20staple@masq.example.com:9443/?")

	parsed := clientConfig{commonConfig: commonConfig{Listen: "127.0.0.1:0"}, Server: uri}
	require.True(t, parsed.parseURI())
	assert.Equal(t, config.Server, parsed.Server)
	assert.Equal(t, config.Secret, parsed.Secret)
	assert.Equal(t, config.Cipher, parsed.Cipher)
	assert.Equal(t, config.Masquerade, parsed.Masquerade)
	assert.Equal(t, config.FastOpen, parsed.FastOpen)
	assert.Equal(t, config.Relay.Retries, parsed.Relay.Retries)
	assert.Equal(t, config.Relay.RetryInterval, parsed.Relay.RetryInterval)

	plain := clientConfig{Server: "masq.example.com"}
	assert.False(t, plain.parseURI())
	assert.Equal(t, "masq.example.com", plain.Server)
}

func TestClientConfigRedacted(t *testing.T) {
	c := clientConfig{Server: "masqtun://hunter2@masq.example.com:8443/"}
	c.Secret = "hunter2"
	r := c.redacted()
	assert.Equal(t, redacted, r.Secret)
	assert.NotContains(t, r.Server, "hunter2")
}
