package protocol

import (
	"bytes"
	"net/http"
	"strconv"
)

// ConnectEstablished acknowledges a CONNECT. It travels unwrapped; after it
// the connection is a raw byte pipe.
const ConnectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// IsConnectEstablished reports whether b starts with a 200 reply to CONNECT.
func IsConnectEstablished(b []byte) bool {
	return bytes.HasPrefix(b, []byte("HTTP/1.1 200 Connection established\r\n")) ||
		bytes.HasPrefix(b, []byte("HTTP/1.0 200 Connection established\r\n"))
}

// FailureResponse is the reply synthesized on behalf of an unreachable
// destination. TLS clients cannot parse an HTTP reply, so they get nothing.
func FailureResponse(kind Kind, status int, reason string) []byte {
	if kind == KindTLS {
		return []byte{}
	}
	body := reason + "\n"
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(http.StatusText(status))
	b.WriteString("\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\nConnection: close\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}
