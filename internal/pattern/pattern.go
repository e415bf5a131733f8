// Package pattern compiles textual byte signatures into a byte buffer, a parallel
// mask buffer and a content hash.
//
// The text format is a whitespace-insensitive sequence of tokens. Each pair of hex
// digits emits one exact byte (mask 0xFF) and each "?" or "??" token emits one
// wildcard byte (mask 0x00):
//
//	48 8B 05 ?? ?? ?? ?? 48 85 C0
//	E8 ? ? ? ? 90
//
// The content hash is computed over the raw text, so two spellings of the same
// signature compile to identical buffers but hash differently.
package pattern

import (
	"errors"
	"fmt"
	"strings"
)

const (
	hashPrime       uint64 = 1099511628211
	hashOffsetBasis uint64 = 14695981039346656037

	// MaskExact marks a byte that must equal the pattern byte.
	MaskExact byte = 0xFF
	// MaskAny marks a wildcard byte.
	MaskAny byte = 0x00
)

var (
	// ErrEmpty is returned when a pattern compiles to zero bytes.
	ErrEmpty = errors.New("pattern: empty pattern")
	// ErrLengthMismatch is returned when pre-split buffers differ in length.
	ErrLengthMismatch = errors.New("pattern: byte and mask buffers differ in length")
)

// Compiled is an immutable compiled signature. The byte and mask buffers always
// have the same length, and every byte is already masked (bytes[i]&mask[i] ==
// bytes[i]) so a window matches when bytes[i] == data[i]&mask[i] for all i.
type Compiled struct {
	bytes []byte
	mask  []byte
	hash  uint64
	text  string
}

// Hash returns the content hash of text: starting from the offset basis, every
// byte of the raw text is folded in as hash = (hash * prime) ^ byte.
func Hash(text string) uint64 {
	h := hashOffsetBasis
	for i := 0; i < len(text); i++ {
		h *= hashPrime
		h ^= uint64(text[i])
	}
	return h
}

// Compile transforms text into a Compiled pattern. A wildcard token is "?" or
// "??" and emits one wildcard byte. It never fails: characters that are neither
// hex digits, '?' nor whitespace are ignored, a wildcard that arrives while a
// hex digit is pending discards that digit, and a trailing lone digit is
// dropped.
func Compile(text string) *Compiled {
	c := &Compiled{
		bytes: make([]byte, 0, len(text)/2),
		mask:  make([]byte, 0, len(text)/2),
		hash:  Hash(text),
		text:  text,
	}

	var (
		pending byte
		half    bool
		wild    bool // previous character opened a wildcard token
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '?' {
			wild = false
		}
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			continue
		case ch == '?' && wild:
			wild = false
		case ch == '?':
			// A wildcard always starts a fresh token.
			half = false
			wild = true
			c.bytes = append(c.bytes, 0)
			c.mask = append(c.mask, MaskAny)
		default:
			nibble, ok := hexNibble(ch)
			if !ok {
				continue
			}
			if !half {
				pending = nibble << 4
				half = true
				continue
			}
			half = false
			c.bytes = append(c.bytes, pending|nibble)
			c.mask = append(c.mask, MaskExact)
		}
	}

	return c
}

// FromBuffers builds a pattern from pre-split byte and mask buffers. The content
// hash is taken over the canonical text rendering (see String), so the result
// hashes exactly like Compile(c.String()).
func FromBuffers(data, mask []byte) (*Compiled, error) {
	if len(data) != len(mask) {
		return nil, fmt.Errorf("%w: %d bytes, %d mask bytes", ErrLengthMismatch, len(data), len(mask))
	}

	c := &Compiled{
		bytes: make([]byte, len(data)),
		mask:  make([]byte, len(mask)),
	}
	copy(c.mask, mask)
	for i := range data {
		c.bytes[i] = data[i] & mask[i]
	}
	c.text = c.String()
	c.hash = Hash(c.text)
	return c, nil
}

func hexNibble(ch byte) (byte, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10, true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	}
	return 0, false
}

// Len returns the pattern length in bytes.
func (c *Compiled) Len() int {
	return len(c.bytes)
}

// Bytes returns the compiled byte buffer. Callers must not modify it.
func (c *Compiled) Bytes() []byte {
	return c.bytes
}

// Mask returns the compiled mask buffer. Callers must not modify it.
func (c *Compiled) Mask() []byte {
	return c.mask
}

// Hash returns the content hash of the source text.
func (c *Compiled) Hash() uint64 {
	return c.hash
}

// Text returns the source text the pattern was compiled from.
func (c *Compiled) Text() string {
	return c.text
}

// Wildcards returns the number of wildcard positions.
func (c *Compiled) Wildcards() int {
	n := 0
	for _, m := range c.mask {
		if m != MaskExact {
			n++
		}
	}
	return n
}

// MatchAt reports whether data starts with a window matching the pattern.
func (c *Compiled) MatchAt(data []byte) bool {
	if len(data) < len(c.bytes) {
		return false
	}
	for i := range c.bytes {
		if c.bytes[i] != data[i]&c.mask[i] {
			return false
		}
	}
	return true
}

// String renders the canonical text form: upper-case hex pairs for exact bytes and
// '?' for wildcards, separated by single spaces.
func (c *Compiled) String() string {
	var b strings.Builder
	for i := range c.bytes {
		if i > 0 {
			b.WriteByte(' ')
		}
		if c.mask[i] == MaskAny {
			b.WriteByte('?')
			continue
		}
		fmt.Fprintf(&b, "%02X", c.bytes[i])
	}
	return b.String()
}
