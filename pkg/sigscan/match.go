package sigscan

import (
	"github.com/coral-mesh/sigscan/internal/memory"
)

// Match is one address at which a pattern matched.
type Match struct {
	addr   uint64
	reader memory.Reader
}

// Address returns the match address in the target process.
func (m Match) Address() uint64 {
	return m.addr
}

// Offset returns the match address displaced by off bytes.
func (m Match) Offset(off int64) uint64 {
	return uint64(int64(m.addr) + off)
}

// Read copies n bytes starting off bytes from the match. It works for any
// target process.
func (m Match) Read(off int64, n int) ([]byte, error) {
	return memory.ReadFull(m.reader, m.Offset(off), n)
}

// Value decodes a fixed-size T stored off bytes from the match.
func Value[T any](m Match, off int64) (T, error) {
	return memory.Read[T](m.reader, m.Offset(off))
}

// Pointer returns a typed pointer off bytes from the match. Only meaningful
// when the pattern scanned the current process.
func Pointer[T any](m Match, off int64) *T {
	return memory.Pointer[T](m.Offset(off))
}
