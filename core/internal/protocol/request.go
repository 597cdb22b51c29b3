package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	maxRequestLine = 8192
	maxHeadLen     = 64 << 10

	defaultHTTPPort = 80
)

var (
	crlf     = []byte("\r\n")
	crlfCRLF = []byte("\r\n\r\n")
)

// classifyHTTP parses an HTTP/1.x request line. Only the line (and for
// relative targets, the Host header) is interpreted.
func classifyHTTP(buf []byte) (*WireMessage, error) {
	end := bytes.Index(buf, crlf)
	if end < 0 {
		if len(buf) < maxRequestLine && plausibleRequestPrefix(buf) {
			return nil, ErrNeedMore
		}
		return nil, classificationError("no http request line")
	}
	if end > maxRequestLine {
		return nil, classificationError("request line too long")
	}
	method, target, ok := parseRequestLine(string(buf[:end]))
	if !ok {
		return nil, classificationError("malformed http request line")
	}

	msg := &WireMessage{Method: method}
	headEnd := bytes.Index(buf, crlfCRLF)
	if headEnd >= 0 {
		msg.HeaderLen = headEnd + len(crlfCRLF)
	} else if len(buf) > maxHeadLen {
		return nil, classificationError("http head too long")
	}

	if method == "CONNECT" {
		if msg.HeaderLen == 0 {
			return nil, ErrNeedMore
		}
		msg.Kind = KindConnect
		host, port, err := splitConnectTarget(target)
		if err != nil {
			return nil, err
		}
		msg.Host, msg.Port = host, port
		return msg, nil
	}

	msg.Kind = KindHTTP
	authority, relative := absoluteAuthority(target)
	if relative {
		if msg.HeaderLen == 0 {
			return nil, ErrNeedMore
		}
		authority = headerValue(buf[end+len(crlf):msg.HeaderLen], "Host")
		if authority == "" {
			return nil, classificationError("relative request without host")
		}
	}
	host, port, err := splitHostPortDefault(authority, defaultHTTPPort)
	if err != nil {
		return nil, err
	}
	msg.Host, msg.Port = host, port
	if msg.HeaderLen > 0 {
		head := buf[end+len(crlf) : msg.HeaderLen]
		if te := headerValue(head, "Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
			return nil, classificationError("unsupported transfer-encoding " + te)
		}
		if cl := headerValue(head, "Content-Length"); cl != "" {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || n < 0 {
				return nil, classificationError("invalid content-length")
			}
			msg.BodyLen = n
		}
	}
	return msg, nil
}

func parseRequestLine(line string) (method, target string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || target == "" || !strings.HasPrefix(proto, "HTTP/1.") {
		return "", "", false
	}
	if !validMethod(method) {
		return "", "", false
	}
	return method, target, true
}

func validMethod(m string) bool {
	if m == "" || len(m) > 16 {
		return false
	}
	for i := 0; i < len(m); i++ {
		if m[i] < 'A' || m[i] > 'Z' {
			return false
		}
	}
	return true
}

// plausibleRequestPrefix accepts an uppercase method, optionally followed
// by a space and printable bytes.
func plausibleRequestPrefix(b []byte) bool {
	i := 0
	for i < len(b) && b[i] >= 'A' && b[i] <= 'Z' {
		i++
	}
	if i == 0 || i > 16 {
		return false
	}
	if i == len(b) {
		return true
	}
	if b[i] != ' ' {
		return false
	}
	for _, c := range b[i:] {
		if c < 0x20 && c != '\r' || c == 0x7f {
			return false
		}
	}
	return true
}

// splitConnectTarget splits host:port on the last colon. The port is mandatory.
func splitConnectTarget(target string) (string, uint16, error) {
	i := strings.LastIndexByte(target, ':')
	if i < 0 {
		return "", 0, classificationError("connect target without port")
	}
	host := trimBrackets(target[:i])
	port, err := parsePort(target[i+1:])
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, classificationError("connect target without host")
	}
	return host, port, nil
}

// absoluteAuthority strips an http:// scheme and any path. relative is
// true for origin-form targets such as "/index.html".
func absoluteAuthority(target string) (authority string, relative bool) {
	if strings.HasPrefix(target, "/") || target == "*" {
		return "", true
	}
	if len(target) >= 7 && strings.EqualFold(target[:7], "http://") {
		target = target[7:]
	}
	if i := strings.IndexAny(target, "/?#"); i >= 0 {
		target = target[:i]
	}
	if i := strings.LastIndexByte(target, '@'); i >= 0 {
		target = target[i+1:]
	}
	return target, false
}

func splitHostPortDefault(authority string, def uint16) (string, uint16, error) {
	if authority == "" {
		return "", 0, classificationError("empty host")
	}
	// a colon after the closing bracket (or anywhere, without brackets)
	// introduces the port
	i := strings.LastIndexByte(authority, ':')
	if i >= 0 && i > strings.LastIndexByte(authority, ']') {
		port, err := parsePort(authority[i+1:])
		if err != nil {
			return "", 0, err
		}
		host := trimBrackets(authority[:i])
		if host == "" {
			return "", 0, classificationError("empty host")
		}
		return host, port, nil
	}
	return trimBrackets(authority), def, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, classificationError("invalid port " + strconv.Quote(s))
	}
	return uint16(p), nil
}

func trimBrackets(h string) string {
	if len(h) >= 2 && h[0] == '[' && h[len(h)-1] == ']' {
		return h[1 : len(h)-1]
	}
	return h
}

// headerValue returns the first value of name in a raw header block.
func headerValue(block []byte, name string) string {
	for len(block) > 0 {
		var line []byte
		if i := bytes.Index(block, crlf); i >= 0 {
			line, block = block[:i], block[i+len(crlf):]
		} else {
			line, block = block, nil
		}
		k, v, ok := bytes.Cut(line, []byte(":"))
		if ok && strings.EqualFold(string(bytes.TrimSpace(k)), name) {
			return string(bytes.TrimSpace(v))
		}
	}
	return ""
}
