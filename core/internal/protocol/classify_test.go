package protocol

import (
	"net"
	"testing"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

func tlsRecord(typ uint8, payload []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(typ)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(payload)
	})
	return b.BytesOrPanic()
}

// clientHello builds a minimal ClientHello handshake message. With
// noExtensions the extensions block is omitted entirely.
func clientHello(sni string, noExtensions bool) []byte {
	var hello cryptobyte.Builder
	hello.AddUint16(0x0303)
	hello.AddBytes(make([]byte, 32))
	hello.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(make([]byte, 32))
	})
	hello.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x1301)
		b.AddUint16(0xc02f)
	})
	hello.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
	})
	if !noExtensions {
		hello.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			// supported_versions first, so the walk has to skip something
			b.AddUint16(0x002b)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(0x0304)
				})
			})
			if sni != "" {
				b.AddUint16(0x0000)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8(0)
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(sni))
						})
					})
				})
			}
		})
	}
	var hs cryptobyte.Builder
	hs.AddUint8(handshakeTypeClientHello)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(hello.BytesOrPanic())
	})
	return hs.BytesOrPanic()
}

func utlsClientHello(t *testing.T, sni string, id utls.ClientHelloID) []byte {
	t.Helper()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	uconn := utls.UClient(c, &utls.Config{ServerName: sni}, id)
	require.NoError(t, uconn.BuildHandshakeState())
	return uconn.HandshakeState.Hello.Raw
}

func TestClassifyClientHelloSNI(t *testing.T) {
	msg, err := Classify(tlsRecord(0x16, clientHello("example.com", false)))
	require.NoError(t, err)
	assert.Equal(t, KindTLS, msg.Kind)
	assert.Equal(t, RecordHandshake, msg.Record)
	assert.Equal(t, "example.com", msg.SNI)
	assert.Equal(t, uint16(443), msg.Port)
	assert.Equal(t, "example.com:443", msg.Addr())
}

func TestClassifyClientHelloWithoutSNI(t *testing.T) {
	for name, hello := range map[string][]byte{
		"no extensions":  clientHello("", true),
		"no server_name": clientHello("", false),
	} {
		t.Run(name, func(t *testing.T) {
			msg, err := Classify(tlsRecord(0x16, hello))
			require.NoError(t, err)
			assert.Equal(t, KindTLS, msg.Kind)
			assert.Empty(t, msg.SNI)
			assert.False(t, msg.Routable())
			assert.Empty(t, msg.Addr())
		})
	}
}

func TestClassifyUTLSClientHello(t *testing.T) {
	for _, id := range []utls.ClientHelloID{utls.HelloChrome_Auto, utls.HelloFirefox_Auto} {
		t.Run(id.Str(), func(t *testing.T) {
			hs := utlsClientHello(t, "www.example.org", id)
			msg, err := Classify(tlsRecord(0x16, hs))
			require.NoError(t, err)
			assert.Equal(t, "www.example.org", msg.SNI)
			assert.Equal(t, "www.example.org:443", msg.Addr())
		})
	}
}

func TestClassifyFragmentedClientHello(t *testing.T) {
	hs := clientHello("fragmented.example", false)
	buf := append(tlsRecord(0x16, hs[:10]), tlsRecord(0x16, hs[10:])...)
	msg, err := Classify(buf)
	require.NoError(t, err)
	assert.Equal(t, "fragmented.example", msg.SNI)

	// interrupted by a non-handshake record
	bad := append(tlsRecord(0x16, hs[:10]), tlsRecord(0x17, hs[10:])...)
	_, err = Classify(bad)
	assert.ErrorAs(t, err, new(coreErrs.ClassificationError))
}

func TestClassifyTruncatedClientHello(t *testing.T) {
	full := tlsRecord(0x16, clientHello("example.com", false))
	for n := 0; n < len(full); n++ {
		assert.NotPanics(t, func() {
			msg, err := Classify(full[:n])
			assert.Error(t, err, "prefix %d", n)
			assert.Nil(t, msg)
		})
	}
}

func TestClassifyCorruptClientHello(t *testing.T) {
	hello := clientHello("example.com", false)
	// inflate the extensions length past the end of the message
	corrupt := append([]byte(nil), hello...)
	extLenAt := 4 + 2 + 32 + 1 + 32 + 2 + 4 + 1 + 1
	corrupt[extLenAt] = 0xff
	_, err := Classify(tlsRecord(0x16, corrupt))
	assert.ErrorAs(t, err, new(coreErrs.ClassificationError))

	// record version major must be 3
	rec := tlsRecord(0x16, hello)
	rec[1] = 0x07
	_, err = Classify(rec)
	assert.ErrorAs(t, err, new(coreErrs.ClassificationError))
}

func TestClassifyLaterHandshakeFlight(t *testing.T) {
	// ClientKeyExchange-like message: routed by the session, not by itself
	msg, err := Classify(tlsRecord(0x16, []byte{0x10, 0, 0, 2, 0xaa, 0xbb}))
	require.NoError(t, err)
	assert.Equal(t, RecordHandshake, msg.Record)
	assert.False(t, msg.Routable())
}

func TestClassifyTLSRecords(t *testing.T) {
	tests := []struct {
		first  byte
		record RecordType
		label  string
	}{
		{0x14, RecordChangeCipherSpec, "tls/change_cipher_spec"},
		{0x15, RecordAlert, "tls/alert"},
		{0x17, RecordApplicationData, "tls/application_data"},
	}
	for _, tt := range tests {
		msg, err := Classify(tlsRecord(tt.first, []byte{1, 2, 3}))
		require.NoError(t, err)
		assert.Equal(t, KindTLS, msg.Kind)
		assert.Equal(t, tt.record, msg.Record)
		assert.Equal(t, tt.label, msg.Label())
		assert.False(t, msg.Routable())
	}
	_, err := Classify([]byte{0x17, 3})
	assert.ErrorIs(t, err, ErrNeedMore)
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		kind   Kind
		method string
		addr   string
	}{
		{"connect", "CONNECT example.com:8443 HTTP/1.1\r\n\r\n", KindConnect, "CONNECT", "example.com:8443"},
		{"connect ipv6", "CONNECT [2001:db8::1]:443 HTTP/1.1\r\nHost: x\r\n\r\n", KindConnect, "CONNECT", "[2001:db8::1]:443"},
		{"absolute get", "GET http://example.org/ HTTP/1.1\r\nHost: example.org\r\n\r\n", KindHTTP, "GET", "example.org:80"},
		{"absolute with port", "POST http://example.org:8080/a?b=c HTTP/1.1\r\n\r\n", KindHTTP, "POST", "example.org:8080"},
		{"scheme case", "GET HTTP://Example.org/x HTTP/1.0\r\n\r\n", KindHTTP, "GET", "Example.org:80"},
		{"userinfo", "GET http://u:p@example.org/ HTTP/1.1\r\n\r\n", KindHTTP, "GET", "example.org:80"},
		{"no path", "HEAD http://example.org HTTP/1.1\r\n\r\n", KindHTTP, "HEAD", "example.org:80"},
		{"origin form", "GET /index.html HTTP/1.1\r\nhost: example.net:81\r\n\r\n", KindHTTP, "GET", "example.net:81"},
		{"head incomplete", "GET http://example.org/ HTTP/1.1\r\nHost: exa", KindHTTP, "GET", "example.org:80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Classify([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.method, msg.Method)
			assert.Equal(t, tt.addr, msg.Addr())
		})
	}
}

func TestClassifyConnectHeaderLen(t *testing.T) {
	in := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	msg, err := Classify([]byte(in + "\x16\x03\x01"))
	require.NoError(t, err)
	assert.Equal(t, len(in), msg.HeaderLen)
}

func TestClassifyHTTPErrors(t *testing.T) {
	bad := map[string]string{
		"connect without port": "CONNECT example.com HTTP/1.1\r\n\r\n",
		"connect bad port":     "CONNECT example.com:99999 HTTP/1.1\r\n\r\n",
		"connect zero port":    "CONNECT example.com:0 HTTP/1.1\r\n\r\n",
		"connect empty host":   "CONNECT :443 HTTP/1.1\r\n\r\n",
		"lowercase method":     "get http://example.org/ HTTP/1.1\r\n\r\n",
		"not http":             "SSH-2.0-OpenSSH_9.6\r\n",
		"http2 preface":        "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n",
		"relative without host": "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n",
		"binary":               "\x00\x01\x02\x03",
		"bad port":             "GET http://example.org:http/ HTTP/1.1\r\n\r\n",
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := Classify([]byte(in))
			assert.ErrorAs(t, err, new(coreErrs.ClassificationError))
		})
	}
}

func TestClassifyNeedMore(t *testing.T) {
	for _, in := range []string{
		"",
		"GE",
		"GET http://example.org/ HTT",
		"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com",
		"GET / HTTP/1.1\r\nHost: exa",
	} {
		_, err := Classify([]byte(in))
		assert.ErrorIs(t, err, ErrNeedMore, "input %q", in)
	}
}

func TestFailureResponse(t *testing.T) {
	assert.Equal(t,
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: 5\r\nConnection: close\r\n\r\nnope\n",
		string(FailureResponse(KindHTTP, 502, "nope")))
	assert.Empty(t, FailureResponse(KindTLS, 502, "nope"))
	assert.True(t, IsConnectEstablished([]byte(ConnectEstablished)))
	assert.False(t, IsConnectEstablished([]byte("HTTP/1.1 200 OK\r\n")))
}

func TestClassifyRequestBody(t *testing.T) {
	head := "POST http://example.org/form HTTP/1.1\r\nHost: example.org\r\nContent-Length: 5\r\n\r\n"
	msg, err := Classify([]byte(head + "ab"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.BodyLen)
	assert.False(t, msg.Complete(len(head)+2))
	assert.True(t, msg.Complete(len(head)+5))

	_, err = Classify([]byte("POST http://example.org/ HTTP/1.1\r\nContent-Length: -1\r\n\r\n"))
	assert.ErrorAs(t, err, new(coreErrs.ClassificationError))
}

func TestClassifyChunkedRequest(t *testing.T) {
	req := "POST http://example.org/upload HTTP/1.1\r\nHost: example.org\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	_, err := Classify([]byte(req))
	var ce coreErrs.ClassificationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "chunked")

	msg, err := Classify([]byte("GET http://example.org/ HTTP/1.1\r\nTransfer-Encoding: identity\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), msg.BodyLen)
}
