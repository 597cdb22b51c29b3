package pipeline

import (
	"errors"
	"io"
	"net/http"
	"time"

	coreErrs "github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/internal/protocol"
	"github.com/masqtun/masqtun/core/internal/relay"
)

var errTunnelRefused = errors.New("tunnel refused by server")

// NewAgent returns the pipeline that accepts client traffic and carries it
// to the server at serverAddr.
func NewAgent(cfg Config, serverAddr string) *Pipeline {
	cfg.fill()
	return &Pipeline{cfg: cfg, role: &agentRole{serverAddr: serverAddr}}
}

type agentRole struct {
	serverAddr string
}

// replyWait covers the server dialing the destination and then waiting
// for it.
func (r *agentRole) replyWait(p *Pipeline) time.Duration {
	return p.cfg.Relay.ConnectTimeout + p.cfg.Relay.ReadTimeout
}

func (r *agentRole) readRequest(p *Pipeline, s *ConnectionContext) (*exchange, error) {
	raw := s.takePending()
	wait := p.cfg.Relay.ReadTimeout
	if s.exchanges > 0 {
		wait = p.cfg.Relay.IdleTimeout
	}
	if s.tlsOpen() {
		wait = pollInterval
	}
	for {
		if len(raw) > 0 {
			if s.tlsOpen() {
				return s.tlsExchange(raw)
			}
			msg, err := protocol.Classify(raw)
			if err != nil && !errors.Is(err, protocol.ErrNeedMore) {
				return nil, err
			}
			if err == nil && (msg.Complete(len(raw)) || s.clientEOF) {
				x := splitRequest(s, raw, msg)
				if err := s.startRecords(x.raw, msg); err != nil {
					return nil, err
				}
				return x, nil
			}
			if s.clientEOF {
				return nil, coreErrs.ClassificationError{Reason: "truncated request"}
			}
			if len(raw) > maxRequestLen {
				return nil, coreErrs.ClassificationError{Reason: "request too large"}
			}
			wait = p.cfg.Relay.ReadTimeout
		} else if s.clientEOF {
			return nil, io.EOF
		}

		data, err := s.client.ReadAvailable(wait)
		raw = append(raw, data...)
		if len(data) > 0 {
			s.touch()
		}
		if err == nil {
			continue
		}
		var te coreErrs.TimeoutError
		switch {
		case relay.IsEOF(err):
			s.clientEOF = true
		case errors.As(err, &te) && len(data) > 0:
		case errors.As(err, &te) && len(raw) == 0 && s.tlsOpen():
			if time.Since(s.lastActive) > p.cfg.Relay.IdleTimeout {
				return nil, coreErrs.TimeoutError{Op: "idle"}
			}
			return &exchange{poll: true}, nil
		default:
			return nil, err
		}
	}
}

// splitRequest cuts a plain HTTP request at its declared end. Anything
// after it is the next pipelined request.
func splitRequest(s *ConnectionContext, raw []byte, msg *protocol.WireMessage) *exchange {
	if msg.Kind == protocol.KindHTTP && msg.HeaderLen > 0 {
		end := int64(msg.HeaderLen) + msg.BodyLen
		if end < int64(len(raw)) {
			s.pending = append([]byte(nil), raw[end:]...)
			raw = raw[:end]
		}
	}
	return &exchange{raw: raw, msg: msg}
}

// The server resolves SNI-less handshakes itself.
func (r *agentRole) unroutable(*ConnectionContext) (string, error) {
	return "", nil
}

func (r *agentRole) dialAddr(string) string {
	return r.serverAddr
}

func (r *agentRole) encodeRequest(p *Pipeline, x *exchange) ([]byte, error) {
	sealed, err := p.cfg.Cipher.Encrypt(x.raw)
	if err != nil {
		return nil, err
	}
	return p.cfg.Masquerader.WrapRequest(sealed), nil
}

func (r *agentRole) readReply(p *Pipeline, s *ConnectionContext, _ *exchange) ([]byte, error) {
	return r.readSealed(p, s, nil)
}

func (r *agentRole) readSealed(p *Pipeline, s *ConnectionContext, raw []byte) ([]byte, error) {
	payload, _, eof, err := p.readFrame(s.upstream, r.replyWait(p), raw)
	if err != nil {
		return nil, err
	}
	plain, err := p.cfg.Cipher.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	if eof {
		return plain, io.EOF
	}
	return plain, nil
}

func (r *agentRole) writeReply(_ *Pipeline, s *ConnectionContext, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return s.client.Write(payload)
}

// writeFailure answers HTTP clients whose request could not be relayed.
// TLS clients and undecodable replies just see the connection close.
func (r *agentRole) writeFailure(_ *Pipeline, s *ConnectionContext, err error) {
	if s.Kind != protocol.KindHTTP && s.Kind != protocol.KindConnect {
		return
	}
	status := failureStatus(err)
	if status == 0 {
		return
	}
	_ = s.client.Write(protocol.FailureResponse(s.Kind, status, http.StatusText(status)))
}

func (r *agentRole) openTunnel(p *Pipeline, s *ConnectionContext, x *exchange) error {
	out, err := r.encodeRequest(p, x)
	if err != nil {
		return err
	}
	if err := s.upstream.Write(out); err != nil {
		r.writeFailure(p, s, coreErrs.ConnectError{Addr: r.serverAddr, Err: err})
		return err
	}
	p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirUp, len(out))

	first, err := s.upstream.ReadAvailable(r.replyWait(p))
	if len(first) == 0 {
		if err == nil || relay.IsEOF(err) {
			err = coreErrs.ConnectError{Addr: s.Dest, Err: errTunnelRefused}
		}
		r.writeFailure(p, s, err)
		return err
	}
	if protocol.IsConnectEstablished(first) {
		// handed over verbatim, along with any destination bytes behind it
		if err := s.client.Write(first); err != nil {
			return err
		}
		p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirDown, len(first))
		up, down, err := relay.Pipe(s.client, s.upstream, p.cfg.Relay.IdleTimeout)
		p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirUp, int(up))
		p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirDown, int(down))
		return err
	}

	// anything else is the server's sealed failure report
	plain, err := r.readSealed(p, s, first)
	if err != nil && !relay.IsEOF(err) {
		return err
	}
	if len(plain) > 0 {
		_ = s.client.Write(plain)
		p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirDown, len(plain))
	}
	return coreErrs.ConnectError{Addr: s.Dest, Err: errTunnelRefused}
}

func (r *agentRole) settle(s *ConnectionContext, replyErr error) (bool, error) {
	if s.Kind != protocol.KindTLS {
		// every plain HTTP exchange gets its own server connection
		s.closeUpstream()
		return true, nil
	}
	if relay.IsEOF(replyErr) {
		return false, nil
	}
	return true, nil
}
