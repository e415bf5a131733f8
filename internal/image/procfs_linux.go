//go:build linux

package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/sigscan/internal/errors"
	"github.com/coral-mesh/sigscan/internal/memory"
	"github.com/coral-mesh/sigscan/internal/sys/proc"
)

// ProcFS introspects a live process through /proc/<pid>/maps, the image headers
// mapped in its address space and the image files on disk.
type ProcFS struct {
	pid      int
	reader   memory.Reader
	logger   zerolog.Logger
	pageSize uint64
}

// NewProcFS creates an introspector for pid. A pid of zero selects the current
// process. Image headers are read through reader.
func NewProcFS(pid int, reader memory.Reader, logger zerolog.Logger) *ProcFS {
	return &ProcFS{
		pid:      pid,
		reader:   reader,
		logger:   logger.With().Str("component", "procfs").Int("pid", pid).Logger(),
		pageSize: uint64(os.Getpagesize()),
	}
}

// ProcessImage returns the executable path of the target process.
func (p *ProcFS) ProcessImage() (string, error) {
	return proc.ExecutablePath(p.pid)
}

// Modules lists the ELF images mapped into the target process.
func (p *ProcFS) Modules() ([]Module, error) {
	entries, err := proc.ReadMaps(p.pid)
	if err != nil {
		return nil, err
	}

	var modules []Module
	for _, m := range proc.Modules(entries) {
		if mod, ok := p.module(m); ok {
			modules = append(modules, mod)
		}
	}
	return modules, nil
}

// ModuleAt returns the ELF image whose mappings contain addr.
func (p *ProcFS) ModuleAt(addr uint64) (Module, bool) {
	entries, err := proc.ReadMaps(p.pid)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to read memory map")
		return Module{}, false
	}
	m, ok := proc.ModuleAt(entries, addr)
	if !ok {
		return Module{}, false
	}
	return p.module(m)
}

// LibraryBase returns where file offset zero of the named library is mapped.
func (p *ProcFS) LibraryBase(name string) uint64 {
	entries, err := proc.ReadMaps(p.pid)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to read memory map")
		return 0
	}
	return proc.LibraryBase(entries, name)
}

// Sections maps the image file of m privately and decodes its section table.
func (p *ProcFS) Sections(m Module) ([]Section, error) {
	path := p.hostPath(m.Path)

	//nolint:gosec // G304: Path comes from the target's memory map.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer errors.DeferClose(p.logger, f, "failed to close image file")

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("image %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap image %s: %w", path, err)
	}
	defer errors.DeferRelease(p.logger, func() error { return unix.Munmap(data) }, "failed to unmap image file")

	sections, err := parseSections(data, m.Base)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", path, err)
	}
	return sections, nil
}

// module resolves the load bias and program headers of a mapped file. Files
// that are not ELF images are skipped.
func (p *ProcFS) module(m proc.Module) (Module, bool) {
	headers, err := readProgramHeaders(p.reader, m.Base)
	if err != nil {
		p.logger.Trace().Err(err).Str("path", m.Path).Msg("Live headers unavailable, reading image file")
		headers, err = fileProgramHeaders(p.hostPath(m.Path))
		if err != nil {
			p.logger.Trace().Err(err).Str("path", m.Path).Msg("Skipping non-ELF mapping")
			return Module{}, false
		}
	}

	return Module{
		Path:    m.Path,
		Base:    loadBias(m.Base, headers, p.pageSize),
		Headers: headers,
	}, true
}

// hostPath resolves a path from the target's memory map in our mount namespace.
func (p *ProcFS) hostPath(path string) string {
	if p.pid == 0 || p.pid == os.Getpid() {
		return path
	}
	rooted := filepath.Join("/proc", strconv.Itoa(p.pid), "root", path)
	if _, err := os.Stat(rooted); err == nil {
		return rooted
	}
	return path
}
