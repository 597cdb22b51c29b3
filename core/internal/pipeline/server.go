package pipeline

import (
	"errors"
	"io"
	"net"

	coreErrs "github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/internal/protocol"
	"github.com/masqtun/masqtun/core/internal/relay"
	coreProto "github.com/masqtun/masqtun/core/protocol"
)

// FallbackFunc takes over a connection whose first bytes are not a
// masquerade frame. raw holds everything read from conn so far.
type FallbackFunc func(conn net.Conn, raw []byte)

// ServerOptions configure the server role.
type ServerOptions struct {
	// TLSFallback receives ClientHellos without SNI. Empty rejects them.
	TLSFallback string
	Fallback    FallbackFunc
}

// NewServer returns the pipeline that accepts agent traffic and relays it
// to real destinations through cfg.Dialer.
func NewServer(cfg Config, opts ServerOptions) *Pipeline {
	cfg.fill()
	return &Pipeline{cfg: cfg, role: &serverRole{opts: opts}}
}

type serverRole struct {
	opts ServerOptions
}

func (r *serverRole) readRequest(p *Pipeline, s *ConnectionContext) (*exchange, error) {
	if s.clientEOF {
		return nil, io.EOF
	}
	wait := p.cfg.Relay.ReadTimeout
	if s.exchanges > 0 {
		wait = p.cfg.Relay.IdleTimeout
	}
	payload, raw, eof, err := p.readFrame(s.client, wait, s.takePending())
	if err != nil {
		if s.exchanges == 0 && r.opts.Fallback != nil && errors.Is(err, coreProto.ErrNotHTTP) {
			s.Dest = "fallback"
			r.opts.Fallback(s.client.NetConn(), raw)
			return nil, errHandedOff
		}
		return nil, err
	}
	s.clientEOF = eof
	s.touch()

	plain, err := p.cfg.Cipher.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	if len(plain) == 0 {
		if s.tlsOpen() {
			return &exchange{poll: true}, nil
		}
		return nil, coreErrs.ClassificationError{Reason: "empty request"}
	}
	if s.tlsOpen() {
		return s.tlsExchange(plain)
	}
	msg, err := protocol.Classify(plain)
	if errors.Is(err, protocol.ErrNeedMore) {
		return nil, coreErrs.ClassificationError{Reason: "truncated request"}
	}
	if err != nil {
		return nil, err
	}
	if err := s.startRecords(plain, msg); err != nil {
		return nil, err
	}
	return &exchange{raw: plain, msg: msg}, nil
}

func (r *serverRole) unroutable(*ConnectionContext) (string, error) {
	if r.opts.TLSFallback == "" {
		return "", coreErrs.RouteError{Reason: "client hello without server name"}
	}
	return r.opts.TLSFallback, nil
}

func (r *serverRole) dialAddr(dest string) string {
	return dest
}

func (r *serverRole) encodeRequest(_ *Pipeline, x *exchange) ([]byte, error) {
	return x.raw, nil
}

func (r *serverRole) readReply(p *Pipeline, s *ConnectionContext, x *exchange) ([]byte, error) {
	// After the ClientHello a record may get no answer at all. Whatever the
	// destination sends later reaches the agent through its polls.
	wait := p.cfg.Relay.ReadTimeout
	if x.poll || (s.Kind == protocol.KindTLS && s.exchanges > 0) {
		wait = pollWait
	}
	return s.upstream.ReadAvailable(wait)
}

func (r *serverRole) writeReply(p *Pipeline, s *ConnectionContext, payload []byte) error {
	sealed, err := p.cfg.Cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	return s.client.Write(p.cfg.Masquerader.WrapResponse(sealed, s.ID))
}

// writeFailure reports an unreachable or silent destination through the
// tunnel. Malformed or unauthenticated requests get no answer.
func (r *serverRole) writeFailure(p *Pipeline, s *ConnectionContext, err error) {
	var ce coreErrs.ClassificationError
	if errors.As(err, &ce) || s.Kind == 0 {
		return
	}
	status := failureStatus(err)
	if status == 0 {
		status = 502
	}
	_ = r.writeReply(p, s, protocol.FailureResponse(s.Kind, status, err.Error()))
}

func (r *serverRole) openTunnel(p *Pipeline, s *ConnectionContext, x *exchange) error {
	if err := s.client.Write([]byte(protocol.ConnectEstablished)); err != nil {
		return err
	}
	p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirDown, len(protocol.ConnectEstablished))
	if rest := x.raw[x.msg.HeaderLen:]; len(rest) > 0 {
		if err := s.upstream.Write(rest); err != nil {
			return err
		}
		p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirUp, len(rest))
	}
	up, down, err := relay.Pipe(s.client, s.upstream, p.cfg.Relay.IdleTimeout)
	p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirUp, int(up))
	p.cfg.EventLogger.Exchange(s.RemoteAddr, s.ID, DirDown, int(down))
	return err
}

// settle ends plain HTTP after one exchange. TLS goes on until the
// destination closes.
func (r *serverRole) settle(s *ConnectionContext, replyErr error) (bool, error) {
	if s.Kind != protocol.KindTLS {
		if relay.IsEOF(replyErr) {
			return false, nil
		}
		return false, replyErr
	}
	if relay.IsEOF(replyErr) {
		return false, nil
	}
	return true, nil
}
