package obfs

import "encoding/base64"

// EncodeBase64 is standard base64 with '=' padding; the pad count is
// (3 - len(b)%3) % 3.
func EncodeBase64(b []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out
}

func DecodeBase64(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Strict().Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// EncodedLen is the body length a payload of n bytes produces.
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}
