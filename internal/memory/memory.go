// Package memory is the only place that touches raw process memory.
//
// Everything else in the module works on copied byte spans obtained through a
// Reader. Typed pointers into the current process are materialized here and
// nowhere else.
package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// ErrFault is returned when an address range is not readable.
var ErrFault = errors.New("memory: address not readable")

// Reader copies bytes out of an address space.
type Reader interface {
	// ReadAt fills p with the bytes starting at addr. A short read returns the
	// number of bytes copied and an error wrapping ErrFault.
	ReadAt(p []byte, addr uint64) (int, error)
}

// ReadFull reads exactly n bytes at addr.
func ReadFull(r Reader, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := r.ReadAt(buf, addr)
	if err != nil {
		return buf[:got], err
	}
	if got != n {
		return buf[:got], fmt.Errorf("%w: short read at %#x (%d of %d bytes)", ErrFault, addr, got, n)
	}
	return buf, nil
}

// Read decodes a fixed-size value stored at addr in native byte order.
func Read[T any](r Reader, addr uint64) (T, error) {
	var v T
	size := binary.Size(v)
	if size < 0 {
		return v, fmt.Errorf("memory: %T is not a fixed-size type", v)
	}
	raw, err := ReadFull(r, addr, size)
	if err != nil {
		return v, err
	}
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &v); err != nil {
		return v, fmt.Errorf("decode %T at %#x: %w", v, addr, err)
	}
	return v, nil
}

// Pointer reinterprets addr as a *T in the current process. The caller is
// responsible for addr being mapped and suitably aligned for T; it is only
// meaningful for addresses obtained from a scan of the current process.
func Pointer[T any](addr uint64) *T {
	return (*T)(unsafe.Pointer(uintptr(addr))) //nolint:govet // addresses come from the live memory map
}
