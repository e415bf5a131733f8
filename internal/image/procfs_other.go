//go:build !linux

package image

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/sigscan/internal/memory"
)

var errUnsupported = fmt.Errorf("image: process introspection is not supported on %s", runtime.GOOS)

// ProcFS is unavailable outside Linux; every query reports no modules.
type ProcFS struct {
	logger zerolog.Logger
}

// NewProcFS returns an introspector that finds nothing on this platform.
func NewProcFS(_ int, _ memory.Reader, logger zerolog.Logger) *ProcFS {
	return &ProcFS{logger: logger.With().Str("component", "procfs").Logger()}
}

// ProcessImage and the other methods report errUnsupported off Linux.
func (p *ProcFS) ProcessImage() (string, error) { return "", errUnsupported }

func (p *ProcFS) Modules() ([]Module, error) { return nil, errUnsupported }

func (p *ProcFS) ModuleAt(uint64) (Module, bool) { return Module{}, false }

func (p *ProcFS) LibraryBase(string) uint64 { return 0 }

func (p *ProcFS) Sections(Module) ([]Section, error) { return nil, errUnsupported }
