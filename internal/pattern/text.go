package pattern

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// FromBytes renders raw bytes as exact pattern text: lower-case hex pairs, each
// followed by a single space.
func FromBytes(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 3)
	for _, v := range data {
		fmt.Fprintf(&b, "%02x ", v)
	}
	return b.String()
}

// FromString renders the bytes of s as exact pattern text.
func FromString(s string) string {
	return FromBytes([]byte(s))
}

// FromData renders the in-memory (native byte order) representation of a
// fixed-size value as exact pattern text.
func FromData[T any](v T) (string, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, v); err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return FromBytes(buf.Bytes()), nil
}
