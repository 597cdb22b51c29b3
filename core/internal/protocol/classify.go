package protocol

import (
	"errors"
	"net"
	"strconv"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

// ErrNeedMore means the buffer is a valid prefix of something we can
// classify. The caller should read more and try again.
var ErrNeedMore = errors.New("need more data")

type Kind int

const (
	KindHTTP Kind = iota + 1
	KindConnect
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// RecordType is the TLS record content type (first byte of a record).
type RecordType uint8

const (
	RecordChangeCipherSpec RecordType = 0x14
	RecordAlert            RecordType = 0x15
	RecordHandshake        RecordType = 0x16
	RecordApplicationData  RecordType = 0x17
)

func (r RecordType) String() string {
	switch r {
	case RecordChangeCipherSpec:
		return "change_cipher_spec"
	case RecordAlert:
		return "alert"
	case RecordHandshake:
		return "handshake"
	case RecordApplicationData:
		return "application_data"
	default:
		return "record(" + strconv.Itoa(int(r)) + ")"
	}
}

// WireMessage is the result of classifying the first bytes of an exchange.
type WireMessage struct {
	Kind   Kind
	Record RecordType // KindTLS only

	Method string // KindHTTP and KindConnect
	Host   string
	Port   uint16
	SNI    string // ClientHello only

	// HeaderLen is the length of the HTTP head including the final CRLF CRLF,
	// or 0 when the head is not complete in the buffer.
	HeaderLen int
	// BodyLen is the declared Content-Length of a plain HTTP request.
	BodyLen int64
}

// Routable reports whether the message itself names a destination.
func (m *WireMessage) Routable() bool {
	return m.Host != "" && m.Port != 0
}

// Addr returns host:port, or "" when the message carries no destination.
func (m *WireMessage) Addr() string {
	if !m.Routable() {
		return ""
	}
	return net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port)))
}

// Complete reports whether a buffer of n bytes holds the whole HTTP
// request head and body. TLS records are always forwarded as they come.
func (m *WireMessage) Complete(n int) bool {
	if m.Kind == KindTLS {
		return true
	}
	return m.HeaderLen > 0 && int64(n) >= int64(m.HeaderLen)+m.BodyLen
}

// Label is a short description for logs, e.g. "tls/handshake" or "connect".
func (m *WireMessage) Label() string {
	if m.Kind == KindTLS {
		return m.Kind.String() + "/" + m.Record.String()
	}
	return m.Kind.String()
}

// Classify inspects buf and reports what kind of traffic it starts with.
// It never reads past len(buf). Malformed input yields a
// ClassificationError; a valid but short prefix yields ErrNeedMore.
func Classify(buf []byte) (*WireMessage, error) {
	if len(buf) == 0 {
		return nil, ErrNeedMore
	}
	switch RecordType(buf[0]) {
	case RecordHandshake:
		return classifyHandshake(buf)
	case RecordChangeCipherSpec, RecordAlert, RecordApplicationData:
		if err := checkRecordHeader(buf); err != nil {
			return nil, err
		}
		return &WireMessage{Kind: KindTLS, Record: RecordType(buf[0])}, nil
	default:
		return classifyHTTP(buf)
	}
}

func classificationError(reason string) error {
	return coreErrs.ClassificationError{Reason: reason}
}
