package sigscan

import (
	"github.com/coral-mesh/sigscan/internal/hints"
	"github.com/coral-mesh/sigscan/internal/pattern"
)

// Find scans the current process image for text, requires exactly one match
// and returns a typed pointer offset bytes from it.
func Find[T any](text string, offset int64) (*T, error) {
	return First[T](New(text).Build(), offset)
}

// First requires exactly one match of p and returns a typed pointer offset bytes
// from it.
func First[T any](p *Pattern, offset int64) (*T, error) {
	m, err := p.GetOne()
	if err != nil {
		return nil, err
	}
	return Pointer[T](m, offset), nil
}

// FirstOf tries each candidate in order with the transactional policy and
// returns the first that matches exactly once. ErrTxn is returned when none
// does.
func FirstOf(candidates ...Builder) (*Pattern, Match, error) {
	for _, b := range candidates {
		p := b.Txn().Build()
		m, err := p.GetOne()
		if err == nil {
			return p, m, nil
		}
		_ = p.Close()
	}
	return nil, Match{}, ErrTxn
}

// Hint records addr as a known match for the pattern with the given content
// hash in the process-wide cache. Duplicates are ignored.
func Hint(hash, addr uint64) {
	hints.Default().Insert(hash, addr)
}

// HashText returns the content hash of pattern text, the key used for hints.
func HashText(text string) uint64 {
	return pattern.Hash(text)
}

// StringText renders s as exact-byte pattern text.
func StringText(s string) string {
	return pattern.FromString(s)
}

// DataText renders the in-memory bytes of a fixed-size value as exact-byte
// pattern text.
func DataText[T any](v T) (string, error) {
	return pattern.FromData(v)
}

// StringPattern scopes the bytes of s to name (a library, or a section of the
// current process image when it starts with '.').
func StringPattern(name, s string) Builder {
	return Named(name, StringText(s))
}

// DataPattern scopes the in-memory bytes of v to name, like StringPattern.
func DataPattern[T any](name string, v T) (Builder, error) {
	text, err := DataText(v)
	if err != nil {
		return Builder{}, err
	}
	return Named(name, text), nil
}
