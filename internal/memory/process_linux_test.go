//go:build linux

package memory

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Package-level so the garbage collector and stack growth never move them.
var (
	selfPayload = []byte("process reader payload")
	selfValue   = uint32(0xCAFEBABE)
)

func TestProcessReader_Self(t *testing.T) {
	r := NewProcessReader(0)
	defer r.Close() // nolint:errcheck

	payload := selfPayload
	addr := uint64(uintptr(unsafe.Pointer(&payload[0])))

	got, err := ReadFull(r, addr, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestProcessReader_UnmappedAddress(t *testing.T) {
	r := NewProcessReader(0)
	defer r.Close() // nolint:errcheck

	_, err := r.ReadAt(make([]byte, 16), 0)
	assert.ErrorIs(t, err, ErrFault)
}

func TestProcessReader_ProcMemFallback(t *testing.T) {
	r := NewProcessReader(0)
	r.noVMReadv.Store(true)
	defer r.Close() // nolint:errcheck

	payload := selfPayload
	addr := uint64(uintptr(unsafe.Pointer(&payload[0])))

	got, err := ReadFull(r, addr, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = r.ReadAt(make([]byte, 8), 1<<63)
	assert.ErrorIs(t, err, ErrFault)
}

func TestProcessReader_ConcurrentFallback(t *testing.T) {
	r := NewProcessReader(0)
	defer r.Close() // nolint:errcheck

	payload := selfPayload
	addr := uint64(uintptr(unsafe.Pointer(&payload[0])))

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				// Flip to /proc/<pid>/mem while other readers are mid-flight.
				r.noVMReadv.Store(true)
			}
			results[i], errs[i] = ReadFull(r, addr, len(payload))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, payload, results[i])
	}
	assert.True(t, r.noVMReadv.Load())
}

func TestPointer(t *testing.T) {
	addr := uint64(uintptr(unsafe.Pointer(&selfValue)))

	p := Pointer[uint32](addr)
	assert.Equal(t, uint32(0xCAFEBABE), *p)
}
