package memory

import (
	"fmt"
	"sort"
	"sync"
)

// Fixture is a synthetic address space made of disjoint byte blocks. It backs
// tests of the scan pipeline without a real process image.
type Fixture struct {
	mu     sync.RWMutex
	blocks []block
}

type block struct {
	addr uint64
	data []byte
}

// NewFixture creates an empty address space.
func NewFixture() *Fixture {
	return &Fixture{}
}

// Map places a copy of data at addr. Blocks must not overlap.
func (f *Fixture) Map(addr uint64, data []byte) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.blocks = append(f.blocks, block{addr: addr, data: append([]byte(nil), data...)})
	sort.Slice(f.blocks, func(i, j int) bool { return f.blocks[i].addr < f.blocks[j].addr })
	return f
}

// Write overwrites mapped bytes at addr.
func (f *Fixture) Write(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, off, ok := f.find(addr)
	if !ok || off+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("%w: write of %d bytes at %#x", ErrFault, len(data), addr)
	}
	copy(b.data[off:], data)
	return nil
}

// ReadAt implements Reader. Reads never span blocks.
func (f *Fixture) ReadAt(p []byte, addr uint64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	b, off, ok := f.find(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x is not mapped", ErrFault, addr)
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("%w: short read at %#x (%d of %d bytes)", ErrFault, addr, n, len(p))
	}
	return n, nil
}

func (f *Fixture) find(addr uint64) (*block, uint64, bool) {
	for i := range f.blocks {
		b := &f.blocks[i]
		if addr >= b.addr && addr < b.addr+uint64(len(b.data)) {
			return b, addr - b.addr, true
		}
	}
	return nil, 0, false
}
