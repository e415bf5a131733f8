package image

import (
	"fmt"
	"slices"
)

// Fake is an Introspector backed by synthetic tables.
type Fake struct {
	// Image is the path of the process image.
	Image string
	// Mods are the loaded modules, in load order.
	Mods []Module
	// SectionTable maps a module path to its sections. Modules without an entry
	// report a read error.
	SectionTable map[string][]Section
}

// ProcessImage returns Image, or an error when it is unset.
func (f *Fake) ProcessImage() (string, error) {
	if f.Image == "" {
		return "", fmt.Errorf("fake: no process image")
	}
	return f.Image, nil
}

// Modules returns a copy of Mods.
func (f *Fake) Modules() ([]Module, error) {
	return slices.Clone(f.Mods), nil
}

// ModuleAt returns the first module whose loadable segments or sections
// contain addr.
func (f *Fake) ModuleAt(addr uint64) (Module, bool) {
	for _, m := range f.Mods {
		for _, h := range m.Headers {
			if !h.Loadable() {
				continue
			}
			if addr >= m.Base+h.Vaddr && addr < m.Base+h.Vaddr+h.Memsz {
				return m, true
			}
		}
		for _, s := range f.SectionTable[m.Path] {
			if s.Region.Contains(addr) {
				return m, true
			}
		}
	}
	return Module{}, false
}

// LibraryBase returns the base of the first module matching name, or 0.
func (f *Fake) LibraryBase(name string) uint64 {
	if name == "" {
		return 0
	}
	for _, m := range f.Mods {
		if MatchesLibrary(m.Path, name) {
			return m.Base
		}
	}
	return 0
}

// Sections returns a copy of the module's SectionTable entry.
func (f *Fake) Sections(m Module) ([]Section, error) {
	sections, ok := f.SectionTable[m.Path]
	if !ok {
		return nil, fmt.Errorf("fake: no section table for %s", m.Path)
	}
	return slices.Clone(sections), nil
}
