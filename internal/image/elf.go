package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coral-mesh/sigscan/internal/memory"
)

// ElfHeadSection names the pseudo-section covering the ELF file header. It
// takes the place of the null entry at index zero of the section table.
const ElfHeadSection = ".elf_head"

// ErrNotELF is returned when an image does not start with the ELF magic.
var ErrNotELF = errors.New("image: not an ELF image")

func byteOrder(data elf.Data) (binary.ByteOrder, error) {
	switch data {
	case elf.ELFDATA2LSB:
		return binary.LittleEndian, nil
	case elf.ELFDATA2MSB:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown ELF data encoding %v", data)
	}
}

func decodeAt(r memory.Reader, addr uint64, order binary.ByteOrder, v any) error {
	raw, err := memory.ReadFull(r, addr, binary.Size(v))
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(raw), order, v)
}

// readProgramHeaders decodes the program header table of the ELF image mapped at
// addr, reading through r.
func readProgramHeaders(r memory.Reader, addr uint64) ([]ProgHeader, error) {
	ident, err := memory.ReadFull(r, addr, elf.EI_NIDENT)
	if err != nil {
		return nil, fmt.Errorf("read ELF ident at %#x: %w", addr, err)
	}
	if !bytes.HasPrefix(ident, []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w at %#x", ErrNotELF, addr)
	}
	order, err := byteOrder(elf.Data(ident[elf.EI_DATA]))
	if err != nil {
		return nil, err
	}

	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := decodeAt(r, addr, order, &hdr); err != nil {
			return nil, fmt.Errorf("read ELF header at %#x: %w", addr, err)
		}
		headers := make([]ProgHeader, 0, hdr.Phnum)
		for i := uint64(0); i < uint64(hdr.Phnum); i++ {
			var ph elf.Prog64
			at := addr + hdr.Phoff + i*uint64(hdr.Phentsize)
			if err := decodeAt(r, at, order, &ph); err != nil {
				return nil, fmt.Errorf("read program header %d at %#x: %w", i, at, err)
			}
			headers = append(headers, ProgHeader{
				Type:  elf.ProgType(ph.Type),
				Flags: elf.ProgFlag(ph.Flags),
				Off:   ph.Off,
				Vaddr: ph.Vaddr,
				Memsz: ph.Memsz,
			})
		}
		return headers, nil

	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := decodeAt(r, addr, order, &hdr); err != nil {
			return nil, fmt.Errorf("read ELF header at %#x: %w", addr, err)
		}
		headers := make([]ProgHeader, 0, hdr.Phnum)
		for i := uint64(0); i < uint64(hdr.Phnum); i++ {
			var ph elf.Prog32
			at := addr + uint64(hdr.Phoff) + i*uint64(hdr.Phentsize)
			if err := decodeAt(r, at, order, &ph); err != nil {
				return nil, fmt.Errorf("read program header %d at %#x: %w", i, at, err)
			}
			headers = append(headers, ProgHeader{
				Type:  elf.ProgType(ph.Type),
				Flags: elf.ProgFlag(ph.Flags),
				Off:   uint64(ph.Off),
				Vaddr: uint64(ph.Vaddr),
				Memsz: uint64(ph.Memsz),
			})
		}
		return headers, nil

	default:
		return nil, fmt.Errorf("unsupported ELF class %v", elf.Class(ident[elf.EI_CLASS]))
	}
}

// fileProgramHeaders reads the program headers from the image file on disk.
func fileProgramHeaders(path string) ([]ProgHeader, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	headers := make([]ProgHeader, 0, len(f.Progs))
	for _, p := range f.Progs {
		headers = append(headers, ProgHeader{
			Type:  p.Type,
			Flags: p.Flags,
			Off:   p.Off,
			Vaddr: p.Vaddr,
			Memsz: p.Memsz,
		})
	}
	return headers, nil
}

// loadBias derives the load bias from the address file offset zero is mapped at
// and the image's program headers.
func loadBias(mapStart uint64, headers []ProgHeader, pageSize uint64) uint64 {
	for _, h := range headers {
		if !h.Loadable() {
			continue
		}
		first := (h.Vaddr - h.Off) &^ (pageSize - 1)
		return mapStart - first
	}
	return mapStart
}

// parseSections decodes the section table of an ELF image held in data and
// rebases allocated sections onto bias. The null section at index zero is
// reported as ElfHeadSection, sized to the ELF header.
func parseSections(data []byte, bias uint64) ([]Section, error) {
	if !bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return nil, ErrNotELF
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}

	headerSize := uint64(binary.Size(elf.Header32{}))
	if f.Class == elf.ELFCLASS64 {
		headerSize = uint64(binary.Size(elf.Header64{}))
	}

	const execFlags = elf.SHF_ALLOC | elf.SHF_EXECINSTR

	sections := make([]Section, 0, len(f.Sections))
	for i, s := range f.Sections {
		if i == 0 && s.Type == elf.SHT_NULL {
			sections = append(sections, Section{
				Name:   ElfHeadSection,
				Region: Region{Start: bias, End: bias + headerSize},
			})
			continue
		}
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		// .tbss has an address but no bytes of its own in the image.
		if s.Type == elf.SHT_NOBITS && s.Flags&elf.SHF_TLS != 0 {
			continue
		}
		sections = append(sections, Section{
			Name:       s.Name,
			Region:     Region{Start: bias + s.Addr, End: bias + s.Addr + s.Size},
			Executable: s.Type == elf.SHT_PROGBITS && s.Flags&execFlags == execFlags,
		})
	}
	return sections, nil
}
