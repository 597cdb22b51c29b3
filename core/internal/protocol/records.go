package protocol

import "encoding/binary"

// RecordCursor follows the record framing of a TLS byte stream that
// arrives in arbitrary chunks. The zero value expects a record header.
type RecordCursor struct {
	head [recordHeaderLen]byte
	nh   int // header bytes buffered so far
	left int // body bytes still owed to the current record
	last RecordType
}

// Advance consumes b and returns the type of the record the stream ends
// in. A header that is not a TLS record fails with a ClassificationError.
func (c *RecordCursor) Advance(b []byte) (RecordType, error) {
	for len(b) > 0 {
		if c.left > 0 {
			n := min(c.left, len(b))
			c.left -= n
			b = b[n:]
			continue
		}
		n := copy(c.head[c.nh:], b)
		c.nh += n
		b = b[n:]
		if c.nh < recordHeaderLen {
			break
		}
		c.nh = 0
		switch typ := RecordType(c.head[0]); typ {
		case RecordChangeCipherSpec, RecordAlert, RecordHandshake, RecordApplicationData:
			c.last = typ
		default:
			return 0, classificationError("tls stream out of sync: " + typ.String())
		}
		if err := checkRecordHeader(c.head[:]); err != nil {
			return 0, err
		}
		c.left = int(binary.BigEndian.Uint16(c.head[3:]))
	}
	return c.last, nil
}

// Reset puts the cursor back at a record start.
func (c *RecordCursor) Reset() {
	*c = RecordCursor{}
}
