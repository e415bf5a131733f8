// Package image discovers the readable sections and loadable segments of the
// modules mapped into a process.
//
// Two views are kept side by side. Sections come from the on-disk ELF section
// header table of each module and carry names (.text, .rodata, ...). Segments
// come from the live loader view (program headers of the mapped image) and are
// identified by their program header index. Each view has an executable-only
// subset.
//
// The platform is abstracted behind Introspector so the resolver can be driven
// by synthetic tables in tests.
package image

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"strings"
)

// Region is the half-open address range [Start, End).
type Region struct {
	Start uint64
	End   uint64
}

// Size returns End - Start.
func (r Region) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether addr lies in the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Covers reports whether [begin, end) lies entirely in the region.
func (r Region) Covers(begin, end uint64) bool {
	return r.Start <= begin && end <= r.End
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// ProgHeader is the subset of an ELF program header the resolver needs.
type ProgHeader struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Off   uint64
	Vaddr uint64
	Memsz uint64
}

// Loadable reports whether the header describes a PT_LOAD segment.
func (h ProgHeader) Loadable() bool {
	return h.Type == elf.PT_LOAD
}

// Executable reports whether the header is a read+execute PT_LOAD segment.
func (h ProgHeader) Executable() bool {
	return h.Type == elf.PT_LOAD && h.Flags == elf.PF_R|elf.PF_X
}

// Module is a loaded image as seen by the dynamic loader.
type Module struct {
	// Path is the full path of the image file.
	Path string
	// Base is the load bias: the value added to virtual addresses in the
	// image's headers to get live addresses.
	Base uint64
	// Headers are the program headers of the loaded image.
	Headers []ProgHeader
}

// Name returns the base name of the module path.
func (m Module) Name() string {
	return filepath.Base(m.Path)
}

// Section is a named section with its live address range.
type Section struct {
	Name       string
	Region     Region
	Executable bool
}

// Introspector is the platform capability the resolver is built on.
type Introspector interface {
	// ProcessImage returns the path of the current process image. Modules whose
	// path contains it are owned by the process.
	ProcessImage() (string, error)
	// Modules lists the loaded modules.
	Modules() ([]Module, error)
	// ModuleAt returns the module owning addr.
	ModuleAt(addr uint64) (Module, bool)
	// LibraryBase returns the address at which the named library's file offset
	// zero is mapped, or zero if it is not loaded.
	LibraryBase(name string) uint64
	// Sections parses the on-disk section table of m.
	Sections(m Module) ([]Section, error)
}

// MatchesLibrary reports whether owner (a module path) is identified by name.
// Any non-empty substring of the path identifies it, so "libc.so.6",
// "/usr/lib/libc.so.6" and "libc" all name the C library. Scoping, exclusion
// and hint checks all use this rule.
func MatchesLibrary(owner, name string) bool {
	return name != "" && strings.Contains(owner, name)
}
