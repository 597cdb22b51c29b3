package masq

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/masqtun/masqtun/core/protocol"
	"github.com/masqtun/masqtun/extras/obfs"
)

const (
	DefaultMethod       = http.MethodPost
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultProto        = "HTTP/1.1"
	DefaultMarkerHeader = "X-Request-Id"

	responseContentType = "text/plain; charset=utf-8"
	requestContentType  = "application/x-www-form-urlencoded"

	// frames larger than this are never accepted
	maxBodyLen = 64 << 20
)

// Config describes the synthetic request the agent sends.
type Config struct {
	Method       string `mapstructure:"method"`
	URL          string `mapstructure:"url"`
	Host         string `mapstructure:"host"`
	UserAgent    string `mapstructure:"userAgent"`
	Proto        string `mapstructure:"proto"`
	MarkerHeader string `mapstructure:"markerHeader"`
}

// Codec implements protocol.Masquerader. The request and response heads
// are rendered once; only Content-Length and the marker vary per frame.
type Codec struct {
	requestHead  string // up to and including "Content-Length: "
	markerHeader string
}

func NewCodec(cfg Config) (*Codec, error) {
	if cfg.URL == "" {
		return nil, errors.New("masquerade url is empty")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid masquerade url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported masquerade scheme: %s", u.Scheme)
	}
	if u.Host == "" && cfg.Host == "" {
		return nil, errors.New("masquerade url has no host")
	}
	method := cfg.Method
	if method == "" {
		method = DefaultMethod
	}
	if !validToken(method) {
		return nil, fmt.Errorf("invalid masquerade method: %q", method)
	}
	host := cfg.Host
	if host == "" {
		host = u.Host
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	proto := cfg.Proto
	if proto == "" {
		proto = DefaultProto
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return nil, fmt.Errorf("invalid masquerade proto: %q", proto)
	}
	marker := cfg.MarkerHeader
	if marker == "" {
		marker = DefaultMarkerHeader
	}
	if !validToken(marker) {
		return nil, fmt.Errorf("invalid marker header: %q", marker)
	}
	head := method + " " + u.RequestURI() + " " + proto + "\r\n" +
		"Host: " + host + "\r\n" +
		"User-Agent: " + ua + "\r\n" +
		"Accept: */*\r\n" +
		"Connection: keep-alive\r\n" +
		"Content-Length: "
	return &Codec{
		requestHead:  head,
		markerHeader: textproto.CanonicalMIMEHeaderKey(marker),
	}, nil
}

// WrapRequest renders payload as the body of a form POST.
func (c *Codec) WrapRequest(payload []byte) []byte {
	body := obfs.EncodeBase64(payload)
	var b bytes.Buffer
	b.Grow(len(c.requestHead) + 96 + len(body))
	b.WriteString(c.requestHead)
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\nContent-Type: " + requestContentType + "\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// WrapResponse renders payload as the body of an uncacheable 200 response.
func (c *Codec) WrapResponse(payload []byte, marker string) []byte {
	body := obfs.EncodeBase64(payload)
	var b bytes.Buffer
	b.Grow(256 + len(body))
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Content-Type: " + responseContentType + "\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString(c.markerHeader + ": " + marker + "\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("Cache-Control: no-cache, no-store, must-revalidate\r\n")
	b.WriteString("Pragma: no-cache\r\n")
	b.WriteString("Expires: 0\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// Unwrap extracts the payload from a request or response frame. It returns
// protocol.ErrIncomplete while the frame is a valid prefix and
// protocol.ErrNotHTTP once it cannot be one.
func (c *Codec) Unwrap(frame []byte) ([]byte, error) {
	return Unwrap(frame)
}

// Unwrap is Codec.Unwrap without a configured codec; parsing does not depend
// on the request template.
func Unwrap(frame []byte) ([]byte, error) {
	headEnd := bytes.Index(frame, []byte("\r\n\r\n"))
	if headEnd < 0 {
		if looksLikeHTTP(frame) {
			return nil, protocol.ErrIncomplete
		}
		return nil, notHTTP("no http head")
	}
	br := bufio.NewReader(bytes.NewReader(frame))
	var (
		header http.Header
		cl     int64
		body   io.ReadCloser
	)
	if bytes.HasPrefix(frame, []byte("HTTP/")) {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			return nil, notHTTP(err.Error())
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, notHTTP("status " + resp.Status)
		}
		header, cl, body = resp.Header, resp.ContentLength, resp.Body
	} else {
		req, err := http.ReadRequest(br)
		if err != nil {
			return nil, notHTTP(err.Error())
		}
		header, cl, body = req.Header, req.ContentLength, req.Body
	}
	defer body.Close()
	if header.Get("Content-Length") == "" || cl < 0 {
		return nil, notHTTP("missing content-length")
	}
	if len(header.Values("Transfer-Encoding")) > 0 {
		return nil, notHTTP("transfer-encoding not supported")
	}
	if cl > maxBodyLen {
		return nil, notHTTP("body too large")
	}
	raw := make([]byte, cl)
	if _, err := io.ReadFull(body, raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, protocol.ErrIncomplete
		}
		return nil, notHTTP(err.Error())
	}
	payload, err := obfs.DecodeBase64(raw)
	if err != nil {
		return nil, notHTTP("body is not base64")
	}
	return payload, nil
}

func notHTTP(reason string) error {
	return fmt.Errorf("%w: %s", protocol.ErrNotHTTP, reason)
}

// looksLikeHTTP reports whether b could still grow into an HTTP head.
func looksLikeHTTP(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	if bytes.HasPrefix(b, []byte("HTTP/")) || bytes.HasPrefix([]byte("HTTP/"), b) {
		return true
	}
	line := b
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		line = b[:i]
	}
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return len(line) <= 16 && validToken(string(line)) || len(line) == 0
	}
	return sp > 0 && validToken(string(line[:sp]))
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || bytes.IndexByte([]byte("()<>@,;:\\\"/[]?={}"), c) >= 0 {
			return false
		}
	}
	return true
}

var _ protocol.Masquerader = (*Codec)(nil)
