package pipeline

import (
	"errors"
	"io"
	"time"

	coreErrs "github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/internal/relay"
	coreProto "github.com/masqtun/masqtun/core/protocol"
)

const maxFrameLen = maxRequestLen*4/3 + 4096

var errFrameTooLarge = errors.New("masquerade frame too large")

// readFrame reads from c until raw holds one complete masquerade frame and
// returns its payload. eof is set when the peer finished sending. On an
// unwrap failure the bytes read so far are returned with the error.
func (p *Pipeline) readFrame(c *relay.Conn, wait time.Duration, raw []byte) (payload, all []byte, eof bool, err error) {
	for {
		if len(raw) > 0 {
			payload, err := p.cfg.Masquerader.Unwrap(raw)
			if err == nil {
				return payload, raw, eof, nil
			}
			if !errors.Is(err, coreProto.ErrIncomplete) {
				return nil, raw, eof, err
			}
		}
		if eof {
			if len(raw) == 0 {
				return nil, nil, true, io.EOF
			}
			return nil, raw, true, io.ErrUnexpectedEOF
		}
		if len(raw) > maxFrameLen {
			return nil, raw, false, errFrameTooLarge
		}

		data, rerr := c.ReadAvailable(wait)
		raw = append(raw, data...)
		var te coreErrs.TimeoutError
		switch {
		case rerr == nil:
		case relay.IsEOF(rerr):
			eof = true
		case errors.As(rerr, &te) && len(data) > 0:
			// peer is still streaming the frame
		default:
			return nil, raw, false, rerr
		}
		wait = c.Options().ReadTimeout
	}
}
