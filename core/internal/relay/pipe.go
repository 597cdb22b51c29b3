package relay

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

// Pipe copies bytes in both directions until both sides reach EOF, either
// side fails, or neither side has carried data for idle. Both connections
// are closed when it returns. It reports the bytes copied a->b and b->a.
func Pipe(a, b *Conn, idle time.Duration) (int64, int64, error) {
	p := &pipe{idle: idle}
	p.touch()

	type result struct {
		n   int64
		err error
	}
	ab := make(chan result, 1)
	ba := make(chan result, 1)
	go func() {
		n, err := p.pump(b, a)
		ab <- result{n, err}
	}()
	go func() {
		n, err := p.pump(a, b)
		ba <- result{n, err}
	}()

	var (
		first   error
		nA, nB  int64
		pending = 2
	)
	for pending > 0 {
		select {
		case r := <-ab:
			nA = r.n
			first = p.settle(first, r.err, a, b)
		case r := <-ba:
			nB = r.n
			first = p.settle(first, r.err, a, b)
		}
		pending--
	}
	_ = a.Close()
	_ = b.Close()
	return nA, nB, first
}

type pipe struct {
	idle time.Duration
	last atomic.Int64
}

func (p *pipe) touch() {
	p.last.Store(time.Now().UnixNano())
}

func (p *pipe) quietFor() time.Duration {
	return time.Since(time.Unix(0, p.last.Load()))
}

// settle records the first failure and tears both sides down so the other
// half unblocks.
func (p *pipe) settle(first, err error, a, b *Conn) error {
	if err == nil || first != nil {
		return first
	}
	_ = a.Close()
	_ = b.Close()
	return err
}

// pump copies src to dst. A clean EOF half-closes dst and returns nil.
func (p *pipe) pump(dst, src *Conn) (int64, error) {
	buf := make([]byte, src.opts.BufferSize)
	var total int64
	for {
		if p.idle > 0 {
			_ = src.conn.SetReadDeadline(time.Now().Add(p.idle))
		}
		n, err := src.conn.Read(buf)
		if n > 0 {
			p.touch()
			if _, werr := dst.conn.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			_ = dst.ShutdownWrite()
			return total, nil
		}
		if isTimeout(err) && p.idle > 0 {
			// the other direction may still be busy
			if p.quietFor() < p.idle {
				continue
			}
			return total, coreErrs.TimeoutError{Op: "idle"}
		}
		if errors.Is(err, net.ErrClosed) {
			return total, nil
		}
		return total, err
	}
}
