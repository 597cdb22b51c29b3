package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

const (
	// MaxRetries and MaxCoalesce bound the read-until-quiescent loop no
	// matter what is configured.
	MaxRetries  = 50
	MaxCoalesce = time.Second

	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultRetryInterval  = 20 * time.Millisecond
	defaultRetries        = 50
	defaultIdleTimeout    = 2 * time.Minute
	defaultBufferSize     = 64 << 10
)

// Dialer opens upstream stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options bound every blocking step of a relay connection.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // wait for the first byte of a reply
	RetryInterval  time.Duration // wait per coalescing iteration
	Retries        int           // coalescing iterations, capped at MaxRetries
	IdleTimeout    time.Duration // raw pipe inactivity
	BufferSize     int
}

// Fill applies defaults and caps in place.
func (o *Options) Fill() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.RetryInterval > MaxCoalesce {
		o.RetryInterval = MaxCoalesce
	}
	if o.Retries <= 0 || o.Retries > MaxRetries {
		o.Retries = defaultRetries
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
}

// Conn is one side of a relay: the peer-facing socket or an upstream.
type Conn struct {
	conn      net.Conn
	opts      Options
	closeOnce sync.Once
	closeErr  error
}

// New wraps an established connection.
func New(conn net.Conn, opts Options) *Conn {
	opts.Fill()
	return &Conn{conn: conn, opts: opts}
}

// Dial connects to addr through d. Every failure, including DNS errors and
// ACL rejections, is reported as a ConnectError.
func Dial(ctx context.Context, d Dialer, addr string, opts Options) (*Conn, error) {
	opts.Fill()
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		var ce coreErrs.ConnectError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, coreErrs.ConnectError{Addr: addr, Err: err}
	}
	return &Conn{conn: conn, opts: opts}, nil
}

func (c *Conn) NetConn() net.Conn {
	return c.conn
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Options() Options {
	return c.opts
}

func (c *Conn) Write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.ReadTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	_, err := c.conn.Write(b)
	return err
}

// ReadAvailable waits up to timeout for data, then keeps collecting
// segments until the peer has been quiet for one retry interval.
//
// It returns a TimeoutError when nothing arrives within timeout, or when
// the peer is still sending once the iteration or time bound is hit. At
// EOF it returns whatever was collected together with io.EOF.
func (c *Conn) ReadAvailable(timeout time.Duration) ([]byte, error) {
	defer c.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, c.opts.BufferSize)

	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.conn.Read(buf)
	out := append([]byte(nil), buf[:n]...)
	if err != nil {
		if isTimeout(err) && n == 0 {
			return nil, coreErrs.TimeoutError{Op: "read"}
		}
		if !isTimeout(err) {
			return out, err
		}
	}

	limit := time.Now().Add(MaxCoalesce)
	for i := 0; ; i++ {
		left := time.Until(limit)
		if i >= c.opts.Retries || left <= 0 {
			return out, coreErrs.TimeoutError{Op: "coalesce", Iterations: i}
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(min(c.opts.RetryInterval, left)))
		n, err = c.conn.Read(buf)
		out = append(out, buf[:n]...)
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if n == 0 {
				return out, nil
			}
			continue
		}
		return out, err
	}
}

// ShutdownWrite half-closes the connection when the transport supports it.
func (c *Conn) ShutdownWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close shuts down the write side, then closes. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ShutdownWrite()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsEOF reports whether err is a clean end of stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
