//go:build linux

package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/sigscan/internal/safe"
)

// ProcessReader reads the memory of a live process with process_vm_readv, which
// reports unmapped pages as EFAULT instead of faulting the caller. When the
// syscall is unavailable it falls back to /proc/<pid>/mem.
type ProcessReader struct {
	pid int

	once      sync.Once
	mem       *os.File
	memErr    error
	noVMReadv atomic.Bool
}

// NewProcessReader creates a reader for pid. A pid of zero selects the current
// process.
func NewProcessReader(pid int) *ProcessReader {
	if pid == 0 {
		pid = os.Getpid()
	}
	return &ProcessReader{pid: pid}
}

// PID returns the target process ID.
func (r *ProcessReader) PID() int {
	return r.pid
}

// ReadAt implements Reader.
func (r *ProcessReader) ReadAt(p []byte, addr uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if !r.noVMReadv.Load() {
		n, err := r.readVM(p, addr)
		switch {
		case err == nil && n == len(p):
			return n, nil
		case err == nil:
			return n, fmt.Errorf("%w: short read at %#x (%d of %d bytes)", ErrFault, addr, n, len(p))
		case errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM):
			r.noVMReadv.Store(true)
		default:
			return n, fmt.Errorf("%w: process_vm_readv at %#x: %v", ErrFault, addr, err)
		}
	}

	return r.readProcMem(p, addr)
}

func (r *ProcessReader) readVM(p []byte, addr uint64) (int, error) {
	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}

	return unix.ProcessVMReadv(r.pid, local, remote, 0)
}

func (r *ProcessReader) readProcMem(p []byte, addr uint64) (int, error) {
	r.once.Do(func() {
		//nolint:gosec // G304: Path is from /proc filesystem for the target process.
		r.mem, r.memErr = os.Open(fmt.Sprintf("/proc/%d/mem", r.pid))
	})
	if r.memErr != nil {
		return 0, fmt.Errorf("%w: open /proc/%d/mem: %v", ErrFault, r.pid, r.memErr)
	}

	off, ok := safe.FileOffset(addr)
	if !ok {
		return 0, fmt.Errorf("%w: address %#x is beyond /proc/%d/mem", ErrFault, addr, r.pid)
	}

	n, err := r.mem.ReadAt(p, off)
	if err != nil || n != len(p) {
		return n, fmt.Errorf("%w: /proc/%d/mem at %#x: %v", ErrFault, r.pid, addr, err)
	}
	return n, nil
}

// Close releases the /proc/<pid>/mem handle if one was opened.
func (r *ProcessReader) Close() error {
	if r.mem != nil {
		return r.mem.Close()
	}
	return nil
}
