//go:build !linux

package memory

import (
	"fmt"
	"os"
	"runtime"
)

// ProcessReader is only implemented on Linux.
type ProcessReader struct {
	pid int
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
	return 0, fmt.Errorf("%w: process memory reads are not supported on %s", ErrFault, runtime.GOOS)
}

// Close is a no-op.
func (r *ProcessReader) Close() error {
	return nil
}
