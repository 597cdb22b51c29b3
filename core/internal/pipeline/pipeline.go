package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	coreErrs "github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/internal/protocol"
	"github.com/masqtun/masqtun/core/internal/relay"
	coreProto "github.com/masqtun/masqtun/core/protocol"
)

const (
	// An agent whose TLS client has been quiet this long asks the server
	// for pending destination bytes with an empty request.
	pollInterval = 250 * time.Millisecond
	// How long the server waits for destination bytes on such a poll.
	pollWait = 250 * time.Millisecond

	maxRequestLen = 16 << 20
)

var errHandedOff = errors.New("connection handed to fallback")

// Config is shared by both roles.
type Config struct {
	Cipher      coreProto.Cipher
	Masquerader coreProto.Masquerader
	Dialer      relay.Dialer
	Relay       relay.Options
	Registry    *Registry
	EventLogger EventLogger
}

func (c *Config) fill() {
	c.Relay.Fill()
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.EventLogger == nil {
		c.EventLogger = nopEventLogger{}
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
}

// Pipeline runs sessions for one role. The agent and server differ only
// in which side seals and which side resolves the final destination.
type Pipeline struct {
	cfg    Config
	role   role
	nextID atomic.Uint64
}

// exchange is one request travelling through the session.
type exchange struct {
	raw  []byte
	msg  *protocol.WireMessage
	poll bool // empty request on an open TLS session
}

type role interface {
	readRequest(p *Pipeline, s *ConnectionContext) (*exchange, error)
	// unroutable picks the destination of a ClientHello without SNI.
	unroutable(s *ConnectionContext) (string, error)
	dialAddr(dest string) string
	encodeRequest(p *Pipeline, x *exchange) ([]byte, error)
	readReply(p *Pipeline, s *ConnectionContext, x *exchange) ([]byte, error)
	writeReply(p *Pipeline, s *ConnectionContext, payload []byte) error
	writeFailure(p *Pipeline, s *ConnectionContext, err error)
	openTunnel(p *Pipeline, s *ConnectionContext, x *exchange) error
	// settle reports whether the session goes on after a reply.
	settle(s *ConnectionContext, replyErr error) (bool, error)
}

func (p *Pipeline) Registry() *Registry {
	return p.cfg.Registry
}

// Serve runs one session over conn and closes it when done.
func (p *Pipeline) Serve(ctx context.Context, conn net.Conn) {
	id := strconv.FormatUint(p.nextID.Add(1), 10)
	s := newConnectionContext(id, relay.New(conn, p.cfg.Relay))
	if !p.cfg.Registry.Add(s) {
		s.Close()
		return
	}
	defer p.cfg.Registry.Remove(s)

	err := p.run(ctx, s)
	s.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, errHandedOff) {
		err = nil
	}
	p.cfg.EventLogger.Close(s.RemoteAddr, s.ID, s.Dest, err)
}

func (p *Pipeline) run(ctx context.Context, s *ConnectionContext) error {
	for {
		x, err := p.role.readRequest(p, s)
		if err != nil {
			return err
		}
		if !x.poll {
			dest, err := p.route(s, x.msg)
			if err != nil {
				p.role.writeFailure(p, s, err)
				return err
			}
			if err := p.attach(ctx, s, dest, x.msg); err != nil {
				p.role.writeFailure(p, s, err)
				return err
			}
			if x.msg.Kind == protocol.KindConnect {
				return p.role.openTunnel(p, s, x)
			}
		}

		out, err := p.role.encodeRequest(p, x)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := s.upstream.Write(out); err != nil {
				err = coreErrs.ConnectError{Addr: s.upstreamAddr, Err: err}
				p.role.writeFailure(p, s, err)
				return err
			}
			p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirUp, len(out))
		}

		reply, rerr := p.role.readReply(p, s, x)
		if !flushable(s.Kind, reply, rerr) {
			p.role.writeFailure(p, s, rerr)
			return rerr
		}
		if err := p.role.writeReply(p, s, reply); err != nil {
			return err
		}
		p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirDown, len(reply))
		if len(reply) > 0 {
			s.touch()
		}
		s.exchanges++

		more, err := p.role.settle(s, rerr)
		if !more {
			return err
		}
	}
}

// route derives the destination of msg, keeping the one learned from an
// earlier ClientHello for later TLS records.
func (p *Pipeline) route(s *ConnectionContext, msg *protocol.WireMessage) (string, error) {
	if msg.Kind != protocol.KindTLS {
		s.Kind, s.Record, s.Dest = msg.Kind, 0, msg.Addr()
		return s.Dest, nil
	}
	s.Record = msg.Record
	if msg.Routable() {
		s.Kind, s.Dest = protocol.KindTLS, msg.Addr()
		return s.Dest, nil
	}
	if s.tlsOpen() {
		return s.Dest, nil
	}
	if msg.Record != protocol.RecordHandshake {
		return "", coreErrs.ClassificationError{Reason: "tls " + msg.Record.String() + " before handshake"}
	}
	s.Kind = protocol.KindTLS
	dest, err := p.role.unroutable(s)
	if err != nil {
		return "", err
	}
	s.Dest = dest
	return dest, nil
}

// attach makes sure the session has an upstream for dest. Plain HTTP and
// CONNECT always get a fresh one.
func (p *Pipeline) attach(ctx context.Context, s *ConnectionContext, dest string, msg *protocol.WireMessage) error {
	addr := p.role.dialAddr(dest)
	if s.upstream != nil && msg.Kind == protocol.KindTLS && addr == s.upstreamAddr {
		return nil
	}
	s.closeUpstream()
	u, err := relay.Dial(ctx, p.cfg.Dialer, addr, p.cfg.Relay)
	if err != nil {
		return err
	}
	if !s.setUpstream(u, addr) {
		return net.ErrClosed
	}
	reqAddr := dest
	if reqAddr == "" {
		reqAddr = addr
	}
	p.cfg.EventLogger.Connect(s.RemoteAddr, s.ID, msg.Label(), reqAddr)
	return nil
}

// flushable reports whether a reply read that ended with err still has
// something worth sending back.
func flushable(kind protocol.Kind, reply []byte, err error) bool {
	if err == nil {
		return true
	}
	var te coreErrs.TimeoutError
	if relay.IsEOF(err) || errors.As(err, &te) {
		return len(reply) > 0 || kind == protocol.KindTLS
	}
	return false
}

// failureStatus maps a relay failure to the status reported to HTTP
// clients, or 0 when the session should just close.
func failureStatus(err error) int {
	var (
		ce coreErrs.ConnectError
		re coreErrs.RouteError
		te coreErrs.TimeoutError
	)
	switch {
	case errors.As(err, &te):
		return 504
	case errors.As(err, &ce), errors.As(err, &re):
		return 502
	default:
		return 0
	}
}
