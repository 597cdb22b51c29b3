package pipeline

import (
	"net"
	"sync"
	"time"

	"github.com/masqtun/masqtun/core/internal/protocol"
	"github.com/masqtun/masqtun/core/internal/relay"
)

// ConnectionContext is the state of one accepted connection. Everything
// but the sockets is owned by the session goroutine.
type ConnectionContext struct {
	ID         string
	RemoteAddr net.Addr
	Dest       string // host:port of the real destination, once known
	Kind       protocol.Kind
	Record     protocol.RecordType

	pending    []byte // client bytes read but not yet relayed
	records    protocol.RecordCursor
	clientEOF  bool
	lastActive time.Time
	exchanges  int

	mu           sync.Mutex // guards the sockets against Registry.CloseAll
	closed       bool
	client       *relay.Conn
	upstream     *relay.Conn
	upstreamAddr string
}

func newConnectionContext(id string, client *relay.Conn) *ConnectionContext {
	return &ConnectionContext{
		ID:         id,
		RemoteAddr: client.RemoteAddr(),
		client:     client,
		lastActive: time.Now(),
	}
}

func (c *ConnectionContext) touch() {
	c.lastActive = time.Now()
}

// tlsOpen reports whether a TLS destination is already attached.
func (c *ConnectionContext) tlsOpen() bool {
	return c.Kind == protocol.KindTLS && c.upstream != nil
}

// tlsExchange wraps bytes of an open TLS session. They continue the
// record stream where the previous exchange left it, so only the record
// framing is checked.
func (c *ConnectionContext) tlsExchange(raw []byte) (*exchange, error) {
	rec, err := c.records.Advance(raw)
	if err != nil {
		return nil, err
	}
	return &exchange{raw: raw, msg: &protocol.WireMessage{Kind: protocol.KindTLS, Record: rec}}, nil
}

// startRecords aligns the record cursor with the first TLS bytes of a
// session, which msg was classified from.
func (c *ConnectionContext) startRecords(raw []byte, msg *protocol.WireMessage) error {
	if msg.Kind != protocol.KindTLS {
		return nil
	}
	c.records.Reset()
	_, err := c.records.Advance(raw)
	return err
}

func (c *ConnectionContext) takePending() []byte {
	p := c.pending
	c.pending = nil
	return p
}

// setUpstream replaces the upstream connection. It fails once the context
// has been closed.
func (c *ConnectionContext) setUpstream(u *relay.Conn, addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = u.Close()
		return false
	}
	if c.upstream != nil {
		_ = c.upstream.Close()
	}
	c.upstream, c.upstreamAddr = u, addr
	return true
}

func (c *ConnectionContext) closeUpstream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upstream != nil {
		_ = c.upstream.Close()
		c.upstream, c.upstreamAddr = nil, ""
	}
}

// Close shuts down both sockets. Safe to call from any goroutine.
func (c *ConnectionContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	_ = c.client.Close()
	if c.upstream != nil {
		_ = c.upstream.Close()
	}
}
