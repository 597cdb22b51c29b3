package protocol

import (
	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen    = 5
	maxRecordLen       = 16384 + 2048
	handshakeHeaderLen = 4
	maxHandshakeLen    = 1 << 16

	handshakeTypeClientHello = 0x01
	extensionServerName      = 0x0000
	serverNameTypeHostName   = 0x00
)

// checkRecordHeader validates the 5-byte record header that every TLS
// record starts with. Only the header needs to be present.
func checkRecordHeader(buf []byte) error {
	if len(buf) < recordHeaderLen {
		return ErrNeedMore
	}
	s := cryptobyte.String(buf)
	var typ, major, minor uint8
	var length uint16
	s.ReadUint8(&typ)
	s.ReadUint8(&major)
	s.ReadUint8(&minor)
	s.ReadUint16(&length)
	if major != 3 {
		return classificationError("bad tls record version")
	}
	if int(length) > maxRecordLen {
		return classificationError("tls record too long")
	}
	return nil
}

func classifyHandshake(buf []byte) (*WireMessage, error) {
	msg := &WireMessage{Kind: KindTLS, Record: RecordHandshake}
	if err := checkRecordHeader(buf); err != nil {
		return nil, err
	}
	hs, err := collectHandshake(buf)
	if err != nil {
		return nil, err
	}
	if hs[0] != handshakeTypeClientHello {
		// later flights carry no routing information
		return msg, nil
	}
	sni, err := readServerName(hs[handshakeHeaderLen:])
	if err != nil {
		return nil, err
	}
	if sni != "" {
		msg.SNI = sni
		msg.Host = sni
		msg.Port = 443
	}
	return msg, nil
}

// collectHandshake returns the first complete handshake message, joining
// fragments carried by consecutive handshake records.
func collectHandshake(buf []byte) ([]byte, error) {
	s := cryptobyte.String(buf)
	var hs []byte
	for {
		if n, ok := handshakeLen(hs); ok {
			if n > maxHandshakeLen {
				return nil, classificationError("handshake message too long")
			}
			if len(hs) >= n {
				return hs[:n], nil
			}
		}
		if len(s) < recordHeaderLen {
			return nil, ErrNeedMore
		}
		var typ uint8
		var version uint16
		var body cryptobyte.String
		s.ReadUint8(&typ)
		s.ReadUint16(&version)
		if RecordType(typ) != RecordHandshake {
			return nil, classificationError("handshake message interrupted by another record")
		}
		if version>>8 != 3 {
			return nil, classificationError("bad tls record version")
		}
		if !s.ReadUint16LengthPrefixed(&body) {
			return nil, ErrNeedMore
		}
		if len(body) == 0 || len(body) > maxRecordLen {
			return nil, classificationError("bad tls record length")
		}
		hs = append(hs, body...)
	}
}

func handshakeLen(hs []byte) (int, bool) {
	if len(hs) < handshakeHeaderLen {
		return 0, false
	}
	s := cryptobyte.String(hs[1:handshakeHeaderLen])
	var n uint32
	s.ReadUint24(&n)
	return handshakeHeaderLen + int(n), true
}

// readServerName walks a ClientHello body up to the server_name extension.
// It returns "" when the hello has no extensions or no host name.
func readServerName(body cryptobyte.String) (string, error) {
	var (
		version     uint16
		sessionID   cryptobyte.String
		suites      cryptobyte.String
		compression cryptobyte.String
	)
	if !body.ReadUint16(&version) ||
		!body.Skip(32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return "", classificationError("truncated client hello")
	}
	if body.Empty() {
		return "", nil
	}
	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) {
		return "", classificationError("truncated extensions")
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return "", classificationError("truncated extension")
		}
		if typ != extensionServerName {
			continue
		}
		var list cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&list) {
			return "", classificationError("truncated server_name list")
		}
		for !list.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
				return "", classificationError("truncated server_name entry")
			}
			if nameType != serverNameTypeHostName {
				continue
			}
			if !validHostName(name) {
				return "", classificationError("invalid server name")
			}
			return string(name), nil
		}
		return "", nil
	}
	return "", nil
}

func validHostName(b []byte) bool {
	if len(b) == 0 || len(b) > 253 {
		return false
	}
	for _, c := range b {
		if c <= 0x20 || c >= 0x7f || c == '/' || c == ':' {
			return false
		}
	}
	return true
}
