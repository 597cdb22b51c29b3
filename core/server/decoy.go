package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const decoyBadRequest = "HTTP/1.1 400 Bad Request\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n400 Bad Request"

// DecoyProxy answers connections that are not tunnel traffic by replaying
// their requests against the configured decoy site.
type DecoyProxy struct {
	target  *url.URL
	client  *http.Client
	timeout time.Duration
}

func NewDecoyProxy(target string) *DecoyProxy {
	u, _ := url.Parse(target)
	return &DecoyProxy{
		target: u,
		client: &http.Client{
			Timeout: defaultDecoyTimeout,
			// redirects go back to the prober as they are
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: defaultDecoyTimeout,
	}
}

// ServeConn serves HTTP/1.x requests on conn. raw holds bytes already read
// from it. Input that is not HTTP gets a 400, like any web server would send.
func (dp *DecoyProxy) ServeConn(conn net.Conn, raw []byte) {
	br := bufio.NewReader(io.MultiReader(bytes.NewReader(raw), conn))
	for {
		_ = conn.SetReadDeadline(time.Now().Add(dp.timeout))
		r, err := http.ReadRequest(br)
		if err != nil {
			var ne net.Error
			if !errors.Is(err, io.EOF) && !(errors.As(err, &ne) && ne.Timeout()) {
				_, _ = io.WriteString(conn, decoyBadRequest)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		resp := dp.forward(r)
		_ = conn.SetWriteDeadline(time.Now().Add(dp.timeout))
		err = resp.Write(conn)
		resp.Body.Close()
		if err != nil || r.Close || resp.Close {
			return
		}
	}
}

func (dp *DecoyProxy) forward(r *http.Request) *http.Response {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.URL.Scheme = dp.target.Scheme
	req.URL.Host = dp.target.Host
	req.Host = dp.target.Host
	req.Header.Del("Proxy-Connection")

	resp, err := dp.client.Do(req)
	if err != nil {
		body := "decoy unreachable"
		return &http.Response{
			Status:        "502 Bad Gateway",
			StatusCode:    http.StatusBadGateway,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:          io.NopCloser(strings.NewReader(body)),
			ContentLength: int64(len(body)),
			Close:         true,
			Request:       r,
		}
	}
	// the decoy may have answered over HTTP/2
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	return resp
}
