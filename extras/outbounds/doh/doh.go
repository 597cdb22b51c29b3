// Package doh is a minimal DNS-over-HTTPS client (RFC 8484, POST form).
package doh

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

const (
	mimeType        = "application/dns-message"
	maxResponseSize = 65535
)

type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient returns a client for the DoH endpoint at url, for example
// "https://dns.google/dns-query".
func NewClient(url string, timeout time.Duration, sni string, insecure bool) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: insecure,
	}
	tr.ForceAttemptHTTP2 = true
	return &Client{
		url: url,
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   timeout,
		},
	}
}

// Exchange sends m and returns the answer.
func (c *Client) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	// the ID is zero on the wire so responses stay cacheable by HTTP caches
	id := m.Id
	m.Id = 0
	msgBytes, err := m.Pack()
	m.Id = id
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msgBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH server returned status: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	responseMsg := new(dns.Msg)
	if err := responseMsg.Unpack(body); err != nil {
		return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
	}
	responseMsg.Id = id
	return responseMsg, nil
}

// CloseIdleConnections releases pooled connections to the endpoint.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
